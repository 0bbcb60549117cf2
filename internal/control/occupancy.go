// v1
// internal/control/occupancy.go
package control

import (
	"strconv"
	"strings"
	"time"
)

// WeeklySchedule maps lowercase weekday names ("monday") to occupied
// windows in "HH:MM-HH:MM" form. Multiple windows per day are
// comma-separated. Times are interpreted in the site's local zone, never
// UTC.
type WeeklySchedule map[string]string

// scheduleFromSettings reads the occupancy schedule out of settings. The
// document store keeps it as a map of day name to window string.
func scheduleFromSettings(s Settings) WeeklySchedule {
	raw, ok := s["occupancySchedule"]
	if !ok {
		return nil
	}
	out := WeeklySchedule{}
	switch t := raw.(type) {
	case map[string]any:
		for day, v := range t {
			if str, oks := v.(string); oks {
				out[strings.ToLower(strings.TrimSpace(day))] = str
			}
		}
	case map[string]string:
		for day, v := range t {
			out[strings.ToLower(strings.TrimSpace(day))] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Occupied reports whether now (converted to site local time) falls inside
// the schedule. A nil schedule means always occupied; a day with no entry
// is unoccupied.
func (ws WeeklySchedule) Occupied(now time.Time, site *time.Location) bool {
	if ws == nil {
		return true
	}
	if site != nil {
		now = now.In(site)
	}
	day := strings.ToLower(now.Weekday().String())
	windows, ok := ws[day]
	if !ok || strings.TrimSpace(windows) == "" {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	for _, win := range strings.Split(windows, ",") {
		start, end, ok := parseWindow(win)
		if !ok {
			continue
		}
		if minute >= start && minute < end {
			return true
		}
	}
	return false
}

func parseWindow(win string) (startMin, endMin int, ok bool) {
	a, b, found := strings.Cut(strings.TrimSpace(win), "-")
	if !found {
		return 0, 0, false
	}
	start, ok1 := parseHHMM(a)
	end, ok2 := parseHHMM(b)
	if !ok1 || !ok2 || end <= start {
		return 0, 0, false
	}
	return start, end, true
}

func parseHHMM(s string) (int, bool) {
	h, m, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, false
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 24 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
