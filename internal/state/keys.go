// v1
// internal/state/keys.go
package state

// Redis key layout. Everything lives under one prefix so an operator can
// inspect or flush the control plane's keys without touching neighbors.
const (
	keyPrefix = "bms:"

	groupKeyPrefix = keyPrefix + "group:"
	uiKeyPrefix    = keyPrefix + "ui:"
	jobKeyPrefix   = keyPrefix + "job:"
)

func groupKey(groupID string) string  { return groupKeyPrefix + groupID }
func uiKey(equipmentID string) string { return uiKeyPrefix + equipmentID }
func jobKey(jobID string) string      { return jobKeyPrefix + jobID }
