package dispatch

import (
	"context"
	"time"

	"github.com/wolfman30/massage-dispatch/internal/observability/metrics"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

// Broadcaster offers a booking to every remaining eligible therapist at once
// under one shared countdown. Its methods run with the booking lock held.
type Broadcaster struct {
	ledger     *ledger
	therapists TherapistDirectory
	countdown  *CountdownCoordinator
	notify     notifier
	policy     Policy
	metrics    *metrics.DispatchMetrics
	logger     *logging.Logger
	now        func() time.Time
}

// Start enters the broadcast round for b. The set is every eligible therapist
// not yet offered the booking. An empty set expires the booking straight away.
func (bc *Broadcaster) Start(ctx context.Context, b *Booking, out *outbox) (*Booking, error) {
	bc.countdown.CancelBooking(b.ID)

	set, err := bc.remaining(ctx, b)
	if err != nil {
		bc.logger.Warn("broadcast eligibility failed, broadcasting to nobody", "booking_id", b.ID, "error", err)
		set = nil
	}

	now := bc.now()
	deadline := now.Add(bc.policy.BroadcastWindow)
	updated, err := bc.ledger.apply(ctx, b, EvExhausted, "", Patch{
		AssignedTherapist: ptr(""),
		ExpiresAt:         &deadline,
		Attempt:           ptr(b.Attempt + 1),
		SetCandidateQueue: true,
		BroadcastSet:      set,
		SetBroadcastSet:   true,
	})
	if err != nil {
		return b, err
	}

	if len(set) == 0 {
		expired, err := bc.Expire(ctx, updated, out)
		if isNoResponse(err) {
			err = nil
		}
		return expired, err
	}

	return bc.broadcast(updated, set, deadline.Sub(now), out), nil
}

// broadcast arms the shared countdown and queues the simultaneous offers.
func (bc *Broadcaster) broadcast(b *Booking, therapistIDs []string, window time.Duration, out *outbox) *Booking {
	bc.countdown.Start(b.ID, "", b.Attempt, window)
	bc.metrics.ObserveOffer("broadcast", len(therapistIDs))
	bc.metrics.SetLiveCountdowns(bc.countdown.Len())
	bc.logger.Info("booking broadcast", "booking_id", b.ID, "recipients", len(therapistIDs), "window", window.String())

	offer := offerNotification(b, "broadcast")
	ids := cloneStrings(therapistIDs)
	out.add(func(ctx context.Context) {
		bc.notify.fanout(ctx, ids, offer)
	})
	return b
}

// Decline removes a broadcast member. When nobody is left the round ends now.
func (bc *Broadcaster) Decline(ctx context.Context, b *Booking, therapistID string, out *outbox) (*Booking, error) {
	left := removeString(b.BroadcastSet, therapistID)
	if len(left) == 0 {
		bc.countdown.CancelBooking(b.ID)
		expired, err := bc.Expire(ctx, b, out)
		if isNoResponse(err) {
			err = nil
		}
		return expired, err
	}
	return bc.ledger.apply(ctx, b, EvDecline, therapistID, Patch{
		BroadcastSet:    left,
		SetBroadcastSet: true,
	})
}

// Expire ends the round with no accept. It returns NoResponseError once the
// booking is expired.
func (bc *Broadcaster) Expire(ctx context.Context, b *Booking, out *outbox) (*Booking, error) {
	bc.countdown.CancelBooking(b.ID)
	bc.metrics.SetLiveCountdowns(bc.countdown.Len())

	updated, err := bc.ledger.apply(ctx, b, EvNoResponse, "", Patch{})
	if err != nil {
		return b, err
	}
	out.add(func(ctx context.Context) {
		bc.notify.send(ctx, updated.RequesterID, failedNotification(updated, ReasonNoResponse))
	})
	return updated, &NoResponseError{BookingID: b.ID}
}

func (bc *Broadcaster) remaining(ctx context.Context, b *Booking) ([]string, error) {
	eligible, err := bc.therapists.Eligible(ctx, EligibilityQuery{
		Service:  b.Service.Name,
		Location: b.Location,
		Exclude:  b.Offered,
	})
	if err != nil {
		return nil, err
	}
	ranked := RankCandidates(nil, eligible, bc.policy.MaxDistanceKm)
	set := make([]string, 0, len(ranked))
	for _, id := range ranked {
		if !containsString(b.Offered, id) {
			set = append(set, id)
		}
	}
	return set, nil
}
