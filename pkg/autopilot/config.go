/*
Package autopilot implements the periodic control loop: a Usage Learner,
Budget Enforcer, Action Planner, and rate-limited Executor that together
propose and apply safe fleet lifecycle actions.
*/
package autopilot

import (
	"strings"
	"time"

	"github.com/cuemby/fleetctl/pkg/types"
)

// Config configures the learner's thresholds, the enforcer's budget, and
// the planner's protected-tag allowlist.
type Config struct {
	BudgetMonthly        float64
	IdleThresholdMinutes float64
	CPUThresholdPercent  float64
	ProtectedTags        []string
}

var weekdayAbbrev = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// IsWorkHours reports whether now falls on a configured day of week
// (3-letter lowercase key) and within [start_hour, end_hour). Days
// outside the configured set are never work days regardless of hour.
func IsWorkHours(wh types.WorkHours, now time.Time) bool {
	day := weekdayAbbrev[int(now.Weekday())]
	if !wh.Days[day] {
		return false
	}
	hour := now.Hour()
	return wh.StartHour <= hour && hour < wh.EndHour
}

// isProtected reports whether any tag value on the VM matches the
// configured protected-tag list (case-insensitive).
func isProtected(tags map[string]string, protectedTags []string) bool {
	lowered := make([]string, len(protectedTags))
	for i, t := range protectedTags {
		lowered[i] = strings.ToLower(t)
	}
	for _, v := range tags {
		lv := strings.ToLower(v)
		for _, p := range lowered {
			if lv == p {
				return true
			}
		}
	}
	return false
}
