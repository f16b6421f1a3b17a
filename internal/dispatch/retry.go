package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/massage-dispatch/internal/observability/metrics"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

// ledger applies lifecycle transitions to the store. Writes are retried once
// after Policy.RetryBackoff; conflicts and missing rows are not retried.
type ledger struct {
	store   BookingStore
	events  EventSink
	metrics *metrics.DispatchMetrics
	logger  *logging.Logger
	backoff time.Duration
	now     func() time.Time
}

func (l *ledger) create(ctx context.Context, b *Booking) error {
	err := l.store.Create(ctx, b)
	if err == nil {
		return nil
	}
	l.logger.Warn("booking create failed, retrying", "booking_id", b.ID, "error", err)
	if err := sleepCtx(ctx, l.backoff); err != nil {
		return &PersistenceError{BookingID: b.ID, Op: "create", Err: err}
	}
	if err := l.store.Create(ctx, b); err != nil {
		return &PersistenceError{BookingID: b.ID, Op: "create", Err: err}
	}
	return nil
}

func (l *ledger) update(ctx context.Context, id string, patch Patch) (*Booking, error) {
	updated, err := l.store.Update(ctx, id, patch)
	if err == nil || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return updated, err
	}
	l.logger.Warn("booking update failed, retrying", "booking_id", id, "error", err)
	if err := sleepCtx(ctx, l.backoff); err != nil {
		return nil, err
	}
	return l.store.Update(ctx, id, patch)
}

// apply moves b along ev. The write is guarded on b's current state so a
// concurrent writer elsewhere turns into a StaleResponseError.
func (l *ledger) apply(ctx context.Context, b *Booking, ev Event, therapistID string, patch Patch) (*Booking, error) {
	tr, ok := TransitionFor(b.State, ev)
	if !ok {
		return nil, fmt.Errorf("dispatch: no transition from %s on %s", b.State, ev)
	}
	from := b.State
	patch.ExpectState = &from
	patch.State = &tr.To
	if tr.Reason != "" && patch.FailureReason == nil && tr.To.Terminal() {
		patch.FailureReason = ptr(tr.Reason)
	}

	updated, err := l.update(ctx, b.ID, patch)
	switch {
	case errors.Is(err, ErrConflict):
		return nil, &StaleResponseError{BookingID: b.ID, TherapistID: therapistID, State: from}
	case err != nil:
		return nil, &PersistenceError{BookingID: b.ID, Op: string(ev), Err: err}
	}

	l.metrics.ObserveTransition(string(from), string(tr.To))
	l.logger.Info("booking transition",
		"booking_id", b.ID,
		"from", from,
		"to", tr.To,
		"event", ev,
		"therapist_id", therapistID,
		"attempt", updated.Attempt,
	)
	evt := LifecycleEvent{
		BookingID:   b.ID,
		From:        from,
		To:          tr.To,
		Event:       ev,
		TherapistID: therapistID,
		Reason:      updated.FailureReason,
		Attempt:     updated.Attempt,
		At:          l.now(),
	}
	if err := l.events.Publish(ctx, evt); err != nil {
		l.metrics.ObserveSideEffectFailure("event")
		l.logger.Warn("lifecycle event publish failed", "booking_id", b.ID, "error", err)
	}
	return updated, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
