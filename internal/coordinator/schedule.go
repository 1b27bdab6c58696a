package coordinator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when the next refresh is due.
// Next receives the start time of the previous fetch, or the current time
// when scheduling starts.
type Schedule interface {
	Next(from time.Time) time.Time
}

type every time.Duration

func (e every) Next(from time.Time) time.Time {
	return from.Add(time.Duration(e))
}

// Every returns a fixed interval schedule measured from the start of the
// previous fetch. A non-positive interval returns nil (push-only).
func Every(interval time.Duration) Schedule {
	if interval <= 0 {
		return nil
	}
	return every(interval)
}

// Cron parses a standard five-field cron expression ("*/5 * * * *"),
// optionally prefixed with CRON_TZ=.
func Cron(spec string) (Schedule, error) {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule %q: %w", spec, err)
	}
	return s, nil
}
