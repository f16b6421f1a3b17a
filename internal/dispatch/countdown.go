package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Expiry is delivered when a countdown runs out.
type Expiry struct {
	BookingID   string
	CandidateID string // empty for a broadcast round
	Attempt     int
	Deadline    time.Time
}

const (
	handleLive int32 = iota
	handleFired
	handleCancelled
)

// Handle ties a running timer to one (booking, candidate, attempt) offer.
type Handle struct {
	bookingID   string
	candidateID string
	attempt     int
	deadline    time.Time
	state       atomic.Int32
	timer       *time.Timer
}

func (h *Handle) BookingID() string   { return h.bookingID }
func (h *Handle) CandidateID() string { return h.candidateID }
func (h *Handle) Attempt() int        { return h.attempt }
func (h *Handle) Deadline() time.Time { return h.deadline }

// Live reports whether the handle has neither fired nor been cancelled.
func (h *Handle) Live() bool {
	return h != nil && h.state.Load() == handleLive
}

// CountdownCoordinator arms per-booking timers. It keeps no durable state;
// callers cancel the previous handle before starting a new one for the same
// booking.
type CountdownCoordinator struct {
	mu       sync.Mutex
	live     map[string]*Handle
	onExpire func(Expiry)
}

// NewCountdownCoordinator returns a coordinator calling onExpire from the timer
// goroutine exactly once per handle that is not cancelled first.
func NewCountdownCoordinator(onExpire func(Expiry)) *CountdownCoordinator {
	if onExpire == nil {
		onExpire = func(Expiry) {}
	}
	return &CountdownCoordinator{
		live:     make(map[string]*Handle),
		onExpire: onExpire,
	}
}

// Start arms a countdown of d for the offer.
func (c *CountdownCoordinator) Start(bookingID, candidateID string, attempt int, d time.Duration) *Handle {
	if d < 0 {
		d = 0
	}
	h := &Handle{
		bookingID:   bookingID,
		candidateID: candidateID,
		attempt:     attempt,
		deadline:    time.Now().Add(d),
	}

	c.mu.Lock()
	c.live[bookingID] = h
	h.timer = time.AfterFunc(d, func() { c.fire(h) })
	c.mu.Unlock()
	return h
}

// Cancel stops the handle. Cancelling nil, a fired handle or a cancelled handle
// is a no-op. It returns true only when this call stopped a live countdown.
func (c *CountdownCoordinator) Cancel(h *Handle) bool {
	if h == nil || !h.state.CompareAndSwap(handleLive, handleCancelled) {
		return false
	}
	c.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	if c.live[h.bookingID] == h {
		delete(c.live, h.bookingID)
	}
	c.mu.Unlock()
	return true
}

// CancelBooking cancels whatever handle is canonical for the booking.
func (c *CountdownCoordinator) CancelBooking(bookingID string) bool {
	h, _ := c.Current(bookingID)
	return c.Cancel(h)
}

// Current returns the canonical live handle for the booking.
func (c *CountdownCoordinator) Current(bookingID string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.live[bookingID]
	return h, ok
}

// Remaining returns the time left on the booking's live countdown.
func (c *CountdownCoordinator) Remaining(bookingID string, now time.Time) (time.Duration, bool) {
	h, ok := c.Current(bookingID)
	if !ok {
		return 0, false
	}
	left := h.deadline.Sub(now)
	if left < 0 {
		left = 0
	}
	return left, true
}

// Len returns the number of live countdowns.
func (c *CountdownCoordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// StopAll cancels every live countdown. Used on shutdown.
func (c *CountdownCoordinator) StopAll() {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.live))
	for _, h := range c.live {
		handles = append(handles, h)
	}
	c.mu.Unlock()
	for _, h := range handles {
		c.Cancel(h)
	}
}

func (c *CountdownCoordinator) fire(h *Handle) {
	if !h.state.CompareAndSwap(handleLive, handleFired) {
		return
	}
	c.mu.Lock()
	if c.live[h.bookingID] == h {
		delete(c.live, h.bookingID)
	}
	c.mu.Unlock()
	c.onExpire(Expiry{
		BookingID:   h.bookingID,
		CandidateID: h.candidateID,
		Attempt:     h.attempt,
		Deadline:    h.deadline,
	})
}
