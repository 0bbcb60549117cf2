// v1
// internal/tsdb/lineproto.go
package tsdb

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Point is one line-protocol record. All field values are serialized as
// quoted strings regardless of native type: the downstream command column
// is uniform text and consumers parse (wire constraint, not a style
// choice).
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	At          time.Time
}

// EncodeLine renders the point as
//
//	measurement,tag=val,... field="val",... <ns-timestamp>
//
// Tags are sorted for a stable wire form.
func EncodeLine(p Point) string {
	var sb strings.Builder
	sb.WriteString(escapeMeasurement(p.Measurement))

	tagKeys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		// Empty tag values are invalid line protocol; omit the tag.
		if p.Tags[k] == "" {
			continue
		}
		sb.WriteByte(',')
		sb.WriteString(escapeTag(k))
		sb.WriteByte('=')
		sb.WriteString(escapeTag(p.Tags[k]))
	}

	sb.WriteByte(' ')
	fieldKeys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	for i, k := range fieldKeys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(escapeTag(k))
		sb.WriteByte('=')
		sb.WriteString(quoteField(p.Fields[k]))
	}

	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	fmt.Fprintf(&sb, " %d", at.UnixNano())
	return sb.String()
}

// EncodeBatch joins points with newlines for a single write payload.
func EncodeBatch(points []Point) string {
	lines := make([]string, 0, len(points))
	for _, p := range points {
		lines = append(lines, EncodeLine(p))
	}
	return strings.Join(lines, "\n")
}

// Stringify renders a native value the way the command column expects it.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// whole-number floats print without a trailing .0, matching the
		// historical writer
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case float32:
		return Stringify(float64(t))
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func quoteField(v any) string {
	s := Stringify(v)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func escapeTag(s string) string {
	s = strings.ReplaceAll(s, `,`, `\,`)
	s = strings.ReplaceAll(s, `=`, `\=`)
	s = strings.ReplaceAll(s, ` `, `\ `)
	return s
}

func escapeMeasurement(s string) string {
	s = strings.ReplaceAll(s, `,`, `\,`)
	s = strings.ReplaceAll(s, ` `, `\ `)
	return s
}
