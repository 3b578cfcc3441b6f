package runner

import (
	"time"

	"github.com/robfig/cron/v3"
)

// fixedSchedule is a constant-delay schedule without cron.Every's rounding to
// whole seconds.
type fixedSchedule struct {
	every time.Duration
}

func (s fixedSchedule) Next(t time.Time) time.Time { return t.Add(s.every) }

// alignedSchedule keeps cron's whole-second slots but never returns a slot
// closer than Delay to t. cron.ConstantDelaySchedule drops t's sub-second
// part, which would make the gap up to a second short.
type alignedSchedule struct {
	cron.ConstantDelaySchedule
}

func (s alignedSchedule) Next(t time.Time) time.Time {
	next := s.ConstantDelaySchedule.Next(t)
	if next.Before(t.Add(s.Delay)) {
		next = next.Add(time.Second)
	}
	return next
}

// newSchedule returns the schedule backing an interval worker. Whole-second
// intervals land on second boundaries; anything finer keeps exact spacing.
// Either way consecutive slots are at least every apart.
func newSchedule(every time.Duration) cron.Schedule {
	if every >= time.Second && every%time.Second == 0 {
		return alignedSchedule{cron.Every(every)}
	}
	return fixedSchedule{every: every}
}

// firstSlot is when a freshly started loop fires for the first time.
func firstSlot(s cron.Schedule, now time.Time, immediate bool) time.Time {
	if immediate {
		return now
	}
	return s.Next(now)
}

// nextSlot computes the slot following one that started at slot and finished
// at done. When the work overran its interval the loop fires again at once
// (returned as done); every slot that fell strictly inside the run is
// reported as missed.
func nextSlot(s cron.Schedule, slot, done time.Time) (next time.Time, missed int) {
	next = s.Next(slot)
	if next.After(done) {
		return next, 0
	}
	for next.Before(done) {
		missed++
		next = s.Next(next)
	}
	return done, missed
}
