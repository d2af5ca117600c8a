package autopilot

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/types"
)

const minEventsForConfidence = 10

type vmEvent struct {
	timestamp time.Time
	kind      string // "start" or "stop"
}

// Learner analyzes a VM's activity history into a UsagePattern.
type Learner struct {
	client provider.ProviderClient
	now    func() time.Time
}

// NewLearner returns a Learner backed by client.
func NewLearner(client provider.ProviderClient) *Learner {
	return &Learner{client: client, now: time.Now}
}

// AnalyzeVMHistory infers work hours and idle periods from the activity
// log, and average CPU from the metric store.
func (l *Learner) AnalyzeVMHistory(ctx context.Context, resourceGroup, vmName string, days int) (types.UsagePattern, error) {
	since := l.now().AddDate(0, 0, -days)

	raw, err := l.client.ActivityLog(ctx, resourceGroup, vmName, since)
	if err != nil {
		return types.UsagePattern{}, err
	}
	events := classifyEvents(raw)

	startHour, workDays, confidence := detectWorkHours(events)
	endHour := (startHour + 8) % 24

	idlePeriods := calculateIdlePeriods(events, l.now())
	avgIdle := averageIdleMinutes(idlePeriods)

	cpuAvg := l.queryCPUAverage(ctx, resourceGroup, vmName, since)

	lastActivity := l.now()
	if len(events) > 0 {
		lastActivity = events[len(events)-1].timestamp
	}

	pattern := types.UsagePattern{
		VMName:         vmName,
		StartHour:      startHour,
		EndHour:        endHour,
		WorkDays:       workDays,
		Confidence:     confidence,
		IdlePeriods:    idlePeriods,
		AvgIdleMinutes: avgIdle,
		CPUAvgPercent:  cpuAvg,
		LastActivity:   lastActivity,
	}
	pattern.Recommendations = recommendations(pattern)
	return pattern, nil
}

func classifyEvents(raw []provider.ActivityEvent) []vmEvent {
	events := make([]vmEvent, 0, len(raw))
	for _, e := range raw {
		switch {
		case strings.Contains(e.OperationName, "Start"):
			events = append(events, vmEvent{timestamp: e.Timestamp, kind: "start"})
		case strings.Contains(e.OperationName, "Deallocate") || strings.Contains(e.OperationName, "Stop"):
			events = append(events, vmEvent{timestamp: e.Timestamp, kind: "stop"})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].timestamp.Before(events[j].timestamp) })
	return events
}

var weekdayKeys = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

func detectWorkHours(events []vmEvent) (startHour int, workDays map[string]bool, confidence float64) {
	var starts []vmEvent
	for _, e := range events {
		if e.kind == "start" {
			starts = append(starts, e)
		}
	}
	if len(starts) == 0 {
		return 9, map[string]bool{}, 0
	}

	hourCounts := map[int]int{}
	dayCounts := map[string]int{}
	for _, e := range starts {
		hourCounts[e.timestamp.Hour()]++
		dayCounts[weekdayKeys[int(e.timestamp.Weekday())]]++
	}

	startHour = modeKey(hourCounts)

	maxFreq := 0
	for _, c := range dayCounts {
		if c > maxFreq {
			maxFreq = c
		}
	}
	threshold := float64(maxFreq) * 0.2
	workDays = map[string]bool{}
	for day, count := range dayCounts {
		if float64(count) >= threshold {
			workDays[day] = true
		}
	}

	confidence = float64(len(starts)) / float64(minEventsForConfidence)
	if confidence > 1 {
		confidence = 1
	}
	return startHour, workDays, confidence
}

func modeKey(counts map[int]int) int {
	best, bestCount := 9, -1
	keys := make([]int, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

func calculateIdlePeriods(events []vmEvent, now time.Time) []types.IdlePeriod {
	var periods []types.IdlePeriod
	var lastStop *time.Time

	for _, e := range events {
		switch e.kind {
		case "stop":
			ts := e.timestamp
			lastStop = &ts
		case "start":
			if lastStop != nil {
				periods = append(periods, types.IdlePeriod{
					Start:           *lastStop,
					End:             e.timestamp,
					DurationMinutes: e.timestamp.Sub(*lastStop).Minutes(),
				})
				lastStop = nil
			}
		}
	}

	if lastStop != nil {
		periods = append(periods, types.IdlePeriod{
			Start:           *lastStop,
			End:             now,
			DurationMinutes: now.Sub(*lastStop).Minutes(),
		})
	}
	return periods
}

func averageIdleMinutes(periods []types.IdlePeriod) float64 {
	if len(periods) == 0 {
		return 0
	}
	var total float64
	for _, p := range periods {
		total += p.DurationMinutes
	}
	return total / float64(len(periods))
}

func (l *Learner) queryCPUAverage(ctx context.Context, resourceGroup, vmName string, since time.Time) float64 {
	points, err := l.client.Metrics(ctx, vmName, "Percentage CPU", since, "Average", "PT1H")
	if err != nil || len(points) == 0 {
		return 0
	}
	var total float64
	for _, p := range points {
		total += p.Average
	}
	return total / float64(len(points))
}

func recommendations(p types.UsagePattern) []string {
	var out []string
	if p.AvgIdleMinutes > 180 {
		out = append(out, "VM idle for extended periods; consider stopping during idle windows")
	}
	if p.CPUAvgPercent < 15 {
		out = append(out, "Low average CPU utilization; consider downsizing")
	}
	if time.Since(p.LastActivity) > 7*24*time.Hour {
		out = append(out, "No activity in over 7 days; consider deallocating or deleting")
	}
	if p.Confidence < 0.5 {
		out = append(out, "Insufficient history to detect usage pattern confidently; configure manually")
	}
	return out
}
