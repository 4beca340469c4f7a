package relay

import (
	"time"

	"github.com/italolelis/leech_relay/internal/transfer"
	"golang.org/x/time/rate"
)

// Throttle limits fn to one call per interval for consumers that cannot keep up
// with per-chunk reports, such as a chat message being edited. The first report
// and a report of a finished download always get through.
func Throttle(interval time.Duration, fn transfer.ProgressFunc) transfer.ProgressFunc {
	if fn == nil || interval <= 0 {
		return fn
	}

	s := &rate.Sometimes{Interval: interval}

	return func(p transfer.Progress) {
		if p.Total > 0 && p.Downloaded >= p.Total {
			fn(p)
			return
		}

		s.Do(func() { fn(p) })
	}
}
