// Package scheduler implements delayed, idempotent task scheduling for the
// speculator platform: delay computation from fire-time descriptors,
// dedup-guarded chain initiation, and batched hand-off to a delivery backend
// (SQS in production, an in-process timer in local development).
package scheduler

import (
	"math"
	"time"

	"speculator/internal/types"
)

// MaxDelaySeconds is the delivery backend's delay ceiling (SQS allows at most
// 900 seconds). Absolute timestamps further out are clamped here and resolved
// by re-schedule chaining in the dispatcher.
const MaxDelaySeconds = 900

// DelaySeconds computes the non-negative wait, in whole seconds, before a
// task should fire. The result is the minimum across all fire-time
// descriptors (earliest wake-up wins); a task with no descriptors fires
// immediately.
//
// Second-of-minute anchors resolve relative to now, rolling forward to the
// next occurrence when the anchor second has already passed. On a repeat
// delivery an anchor resolving to exactly 0 is forced to 60: the chain just
// fired at this anchor, and an immediate re-fire would starve the interval.
//
// Absolute timestamps (Unix milliseconds) are clamped to [0, MaxDelaySeconds].
func DelaySeconds(task types.ScheduledTask, now time.Time) int {
	if len(task.When) == 0 {
		return 0
	}

	best := math.MaxInt
	for _, w := range task.When {
		switch {
		case w.At != nil:
			sec := float64(now.Second()) + float64(now.Nanosecond())/float64(time.Second)
			until := float64(w.At.Second) - sec
			if until < 0 {
				until += 60
			}
			delay := int(math.Floor(until))
			if task.IsRepeat && delay == 0 {
				delay = 60
			}
			if delay < best {
				best = delay
			}
		case w.Timestamp != 0:
			delay := int(math.Round(float64(w.Timestamp-now.UnixMilli()) / 1000))
			if delay > MaxDelaySeconds {
				delay = MaxDelaySeconds
			}
			if delay < 0 {
				delay = 0
			}
			if delay < best {
				best = delay
			}
		}
	}

	if best == math.MaxInt {
		// Only empty descriptors; treat as "fire now".
		return 0
	}
	return best
}

// RemainingTimestampDelay returns the seconds until the earliest absolute
// timestamp descriptor, unclamped, and whether the task carries any such
// descriptor. The dispatcher uses this to detect deliveries whose true fire
// time lies beyond the backend's delay ceiling and to re-schedule them
// instead of executing early.
func RemainingTimestampDelay(task types.ScheduledTask, now time.Time) (int, bool) {
	best := math.MaxInt
	found := false
	for _, w := range task.When {
		if w.At != nil || w.Timestamp == 0 {
			continue
		}
		found = true
		delay := int(math.Round(float64(w.Timestamp-now.UnixMilli()) / 1000))
		if delay < best {
			best = delay
		}
	}
	if !found {
		return 0, false
	}
	return best, true
}
