package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/massage-dispatch/internal/observability/metrics"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

// Engine selects candidates and walks the queue. Its methods run with the
// booking lock held by the Controller.
type Engine struct {
	ledger      *ledger
	therapists  TherapistDirectory
	countdown   *CountdownCoordinator
	broadcaster *Broadcaster
	notify      notifier
	policy      Policy
	metrics     *metrics.DispatchMetrics
	logger      *logging.Logger
	now         func() time.Time
}

// BuildCandidateQueue returns the ordered, de-duplicated queue for b.
func (e *Engine) BuildCandidateQueue(ctx context.Context, b *Booking) ([]string, error) {
	eligible, err := e.therapists.Eligible(ctx, EligibilityQuery{
		Service:  b.Service.Name,
		Location: b.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: eligibility for %s: %w", b.ID, err)
	}
	return RankCandidates(b.PreferredTherapists, eligible, e.policy.MaxDistanceKm), nil
}

// Start builds the queue for a pending booking and offers it to the head.
// An empty queue expires the booking and returns NoCandidatesError.
func (e *Engine) Start(ctx context.Context, b *Booking, out *outbox) (*Booking, error) {
	queue, err := e.BuildCandidateQueue(ctx, b)
	if err != nil {
		e.logger.Error("eligibility query failed, expiring booking", "booking_id", b.ID, "error", err)
		updated, aerr := e.ledger.apply(ctx, b, EvDirectory, "", Patch{SetCandidateQueue: true})
		if aerr != nil {
			return b, aerr
		}
		out.add(func(ctx context.Context) {
			e.notify.send(ctx, updated.RequesterID, failedNotification(updated, ReasonDirectory))
		})
		return updated, &DirectoryError{BookingID: b.ID, Err: err}
	}
	if len(queue) == 0 {
		updated, err := e.ledger.apply(ctx, b, EvNoCandidates, "", Patch{
			SetCandidateQueue: true,
		})
		if err != nil {
			return b, err
		}
		out.add(func(ctx context.Context) {
			e.notify.send(ctx, updated.RequesterID, failedNotification(updated, ReasonNoCandidates))
		})
		return updated, &NoCandidatesError{BookingID: b.ID}
	}
	e.logger.Debug("candidate queue built", "booking_id", b.ID, "size", len(queue))
	return e.assign(ctx, b, EvAssign, queue[0], queue[1:], out)
}

// Advance moves past the current candidate: the next one in the queue gets a
// fresh window, or the broadcaster takes over when the queue is empty.
func (e *Engine) Advance(ctx context.Context, b *Booking, reason string, out *outbox) (*Booking, error) {
	e.logger.Info("advancing booking",
		"booking_id", b.ID,
		"therapist_id", b.AssignedTherapist,
		"reason", reason,
		"remaining", len(b.CandidateQueue),
	)
	if len(b.CandidateQueue) > 0 {
		return e.assign(ctx, b, EvAdvance, b.CandidateQueue[0], b.CandidateQueue[1:], out)
	}
	return e.broadcaster.Start(ctx, b, out)
}

// assign records the new Assignment, arms the countdown and queues the offer.
func (e *Engine) assign(ctx context.Context, b *Booking, ev Event, candidate string, rest []string, out *outbox) (*Booking, error) {
	now := e.now()
	deadline := now.Add(e.policy.AssignmentWindow)
	if ev == EvAssign && !b.ExpiresAt.IsZero() && b.ExpiresAt.After(now) && b.ExpiresAt.Before(deadline) {
		deadline = b.ExpiresAt
	}
	offered := append(cloneStrings(b.Offered), candidate)

	updated, err := e.ledger.apply(ctx, b, ev, candidate, Patch{
		AssignedTherapist: ptr(candidate),
		AssignedAt:        &now,
		ExpiresAt:         &deadline,
		Attempt:           ptr(b.Attempt + 1),
		CandidateQueue:    cloneStrings(rest),
		SetCandidateQueue: true,
		Offered:           offered,
		SetOffered:        true,
	})
	if err != nil {
		return b, err
	}

	// Drop the previous handle only once the new assignment is stored.
	e.countdown.CancelBooking(b.ID)
	e.countdown.Start(updated.ID, candidate, updated.Attempt, deadline.Sub(now))
	e.metrics.ObserveOffer("single", 1)
	e.metrics.SetLiveCountdowns(e.countdown.Len())

	offer := offerNotification(updated, "single")
	out.add(func(ctx context.Context) {
		e.notify.send(ctx, candidate, offer)
	})
	return updated, nil
}
