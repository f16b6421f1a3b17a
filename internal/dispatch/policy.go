package dispatch

import "time"

// Policy holds the timing knobs of the assignment flow.
type Policy struct {
	// AssignmentWindow is how long a single candidate has to answer.
	AssignmentWindow time.Duration
	// BroadcastWindow is the shared deadline of a broadcast round.
	BroadcastWindow time.Duration
	// ConfirmationWindow is how long the requester has to confirm after accept.
	ConfirmationWindow time.Duration
	// BusyLeadTime marks a scheduled booking as imminent enough to flip the
	// therapist to busy on accept.
	BusyLeadTime time.Duration
	// RetryBackoff is the pause before the single store retry.
	RetryBackoff time.Duration
	// MaxDistanceKm drops candidates farther than this. Zero disables the cut.
	MaxDistanceKm float64
}

// DefaultPolicy mirrors the production marketplace values.
func DefaultPolicy() Policy {
	return Policy{
		AssignmentWindow:   5 * time.Minute,
		BroadcastWindow:    2 * time.Minute,
		ConfirmationWindow: time.Minute,
		BusyLeadTime:       45 * time.Minute,
		RetryBackoff:       250 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.AssignmentWindow <= 0 {
		p.AssignmentWindow = def.AssignmentWindow
	}
	if p.BroadcastWindow <= 0 {
		p.BroadcastWindow = def.BroadcastWindow
	}
	if p.ConfirmationWindow <= 0 {
		p.ConfirmationWindow = def.ConfirmationWindow
	}
	if p.BusyLeadTime <= 0 {
		p.BusyLeadTime = def.BusyLeadTime
	}
	if p.RetryBackoff < 0 {
		p.RetryBackoff = 0
	}
	return p
}

// imminent reports whether accepting at now should flip the therapist busy.
func (p Policy) imminent(b *Booking, now time.Time) bool {
	if b.ScheduledFor == nil {
		return true
	}
	return b.ScheduledFor.Sub(now) <= p.BusyLeadTime
}
