package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const maxLookback = 366 * 24 * time.Hour

type TriggerInfo struct {
	Next       time.Time `json:"next"`
	Last       time.Time `json:"last,omitempty"`
	Expression string    `json:"expression"`

	TimeSinceLast time.Duration `json:"-"`
	TimeUntilNext time.Duration `json:"-"`
}

// Parse accepts the standard five field form and descriptors such as
// "@daily" or "@every 1h".
func Parse(cronExpr string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// GetTriggerInfo reports the triggers of cronExpr around refTime. Last is
// zero when the schedule did not fire within the past year.
func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parse(cronExpr)
	if err != nil {
		return nil, err
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       schedule.Next(refTime),
		Last:       previous(schedule, refTime),
	}
	if !info.Last.IsZero() {
		info.TimeSinceLast = refTime.Sub(info.Last)
	}
	info.TimeUntilNext = info.Next.Sub(refTime)

	return info, nil
}

// previous widens the window until it contains a trigger, then walks
// forward to the last trigger not after refTime.
func previous(schedule cron.Schedule, refTime time.Time) time.Time {
	for span := time.Minute; span <= maxLookback; span *= 2 {
		t := schedule.Next(refTime.Add(-span))
		if t.IsZero() || t.After(refTime) {
			continue
		}
		var last time.Time
		for !t.IsZero() && !t.After(refTime) {
			last = t
			t = schedule.Next(t)
		}
		return last
	}
	return time.Time{}
}
