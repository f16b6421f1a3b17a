package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/massage-dispatch/internal/observability/metrics"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

var dispatchTracer = otel.Tracer("massage.internal.dispatch")

// expiryTimeout bounds the work done from a timer goroutine.
const expiryTimeout = 30 * time.Second

// Deps wires a Controller. Store and Therapists are required; the other ports
// fall back to no-op implementations.
type Deps struct {
	Store       BookingStore
	Therapists  TherapistDirectory
	Notifier    Notifier
	Chat        ChatPort
	Commissions CommissionRecorder
	Events      EventSink
	Metrics     *metrics.DispatchMetrics
	Logger      *logging.Logger
	Policy      Policy
	Clock       func() time.Time
	NewID       func() string
}

// Controller owns the booking state machine. Every transition for one booking
// runs under that booking's lock; different bookings proceed in parallel.
type Controller struct {
	store       BookingStore
	ledger      *ledger
	engine      *Engine
	broadcaster *Broadcaster
	countdown   *CountdownCoordinator
	therapists  TherapistDirectory
	chat        ChatPort
	commissions CommissionRecorder
	notify      notifier
	policy      Policy
	metrics     *metrics.DispatchMetrics
	logger      *logging.Logger
	locks       *bookingLocks
	now         func() time.Time
	newID       func() string
}

// NewController builds the controller together with its engine, broadcaster
// and countdown coordinator.
func NewController(deps Deps) *Controller {
	if deps.Store == nil {
		panic("dispatch: booking store required")
	}
	if deps.Therapists == nil {
		panic("dispatch: therapist directory required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Chat == nil {
		deps.Chat = nopChat{}
	}
	if deps.Commissions == nil {
		deps.Commissions = nopCommissions{}
	}
	if deps.Events == nil {
		deps.Events = nopEvents{}
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	policy := deps.Policy.withDefaults()

	c := &Controller{
		store:       deps.Store,
		therapists:  deps.Therapists,
		chat:        deps.Chat,
		commissions: deps.Commissions,
		policy:      policy,
		metrics:     deps.Metrics,
		logger:      logger,
		locks:       newBookingLocks(),
		now:         now,
		newID:       newID,
	}
	c.notify = notifier{
		port: deps.Notifier,
		onError: func(actorID string, n Notification, err error) {
			c.metrics.ObserveSideEffectFailure("notify")
			c.logger.Warn("notification failed",
				"booking_id", n.BookingID,
				"actor_id", actorID,
				"type", n.Type,
				"error", err,
			)
		},
	}
	c.countdown = NewCountdownCoordinator(c.handleExpiry)
	c.ledger = &ledger{
		store:   deps.Store,
		events:  deps.Events,
		metrics: deps.Metrics,
		logger:  logger,
		backoff: policy.RetryBackoff,
		now:     now,
	}
	c.broadcaster = &Broadcaster{
		ledger:     c.ledger,
		therapists: deps.Therapists,
		countdown:  c.countdown,
		notify:     c.notify,
		policy:     policy,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        now,
	}
	c.engine = &Engine{
		ledger:      c.ledger,
		therapists:  deps.Therapists,
		countdown:   c.countdown,
		broadcaster: c.broadcaster,
		notify:      c.notify,
		policy:      policy,
		metrics:     deps.Metrics,
		logger:      logger,
		now:         now,
	}
	return c
}

// Countdown exposes the coordinator for remaining-time display.
func (c *Controller) Countdown() *CountdownCoordinator { return c.countdown }

// Policy returns the effective policy after defaults.
func (c *Controller) Policy() Policy { return c.policy }

// Close cancels every live countdown.
func (c *Controller) Close() {
	c.countdown.StopAll()
	c.metrics.SetLiveCountdowns(0)
}

// Submit validates and persists the request, then starts assignment.
// A ValidationError persists nothing. NoCandidatesError and DirectoryError
// come back together with the expired booking.
func (c *Controller) Submit(ctx context.Context, req Request) (*Booking, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.submit")
	defer span.End()

	now := c.now()
	if err := req.Validate(now); err != nil {
		span.RecordError(err)
		return nil, err
	}

	b := newBooking(c.newID(), req, now, c.policy.AssignmentWindow)
	span.SetAttributes(attribute.String("booking.id", b.ID), attribute.String("booking.urgency", string(b.Urgency)))

	// Hold the lock from insert onward so a recovery sweep cannot start the
	// booking before Submit does.
	out := &outbox{}
	release := c.locks.lock(b.ID)
	if err := c.ledger.create(ctx, b); err != nil {
		release()
		span.RecordError(err)
		c.logger.Error("booking create failed", "booking_id", b.ID, "error", err)
		return nil, err
	}
	c.logger.Info("booking submitted",
		"booking_id", b.ID,
		"requester_id", b.RequesterID,
		"service", b.Service.Name,
		"urgency", b.Urgency,
		"preferred", len(b.PreferredTherapists),
	)

	updated, err := c.engine.Start(ctx, b, out)
	updated, err = c.settle(ctx, b, updated, err, out)
	release()
	out.run(ctx)

	finishSpan(span, updated, err)
	return updated, err
}

// Respond applies a therapist's accept or reject. Responses for an assignment
// that has moved on return StaleResponseError and change nothing.
func (c *Controller) Respond(ctx context.Context, bookingID, therapistID string, outcome Outcome, reason string) (*Booking, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.id", bookingID),
		attribute.String("therapist.id", therapistID),
		attribute.String("response.outcome", string(outcome)),
	)

	therapistID = strings.TrimSpace(therapistID)
	if therapistID == "" {
		return nil, &ValidationError{Field: "therapistId", Message: "is required"}
	}
	if outcome != OutcomeAccept && outcome != OutcomeReject {
		return nil, &ValidationError{Field: "outcome", Message: "must be accept or reject"}
	}

	out := &outbox{}
	release := c.locks.lock(bookingID)
	b, err := c.store.Get(ctx, bookingID)
	if err != nil {
		release()
		span.RecordError(err)
		return nil, readError(bookingID, err)
	}

	var updated *Booking
	if err = c.checkCurrent(b, therapistID, 0); err == nil {
		switch {
		case outcome == OutcomeAccept:
			updated, err = c.accept(ctx, b, therapistID, out)
		case b.State == StateBroadcasting:
			updated, err = c.broadcaster.Decline(ctx, b, therapistID, out)
		default:
			if reason == "" {
				reason = "rejected"
			}
			updated, err = c.engine.Advance(ctx, b, reason, out)
		}
		updated, err = c.settle(ctx, b, updated, err, out)
	} else {
		updated = b
	}
	release()
	out.run(ctx)

	finishSpan(span, updated, err)
	return updated, err
}

// OnCountdownExpired is an implicit reject with reason timeout for the
// assigned therapist, or the end of the round when therapistID is empty and
// the booking is broadcasting. It is ignored when the assignment moved on.
func (c *Controller) OnCountdownExpired(ctx context.Context, bookingID, therapistID string) error {
	return c.expire(ctx, bookingID, therapistID, 0)
}

func (c *Controller) handleExpiry(exp Expiry) {
	ctx, cancel := context.WithTimeout(context.Background(), expiryTimeout)
	defer cancel()
	c.metrics.SetLiveCountdowns(c.countdown.Len())

	err := c.expire(ctx, exp.BookingID, exp.CandidateID, exp.Attempt)
	switch {
	case err == nil, isNoResponse(err):
	case IsStale(err):
		c.logger.Debug("countdown expiry dropped", "booking_id", exp.BookingID, "therapist_id", exp.CandidateID)
	default:
		c.logger.Error("countdown expiry failed", "booking_id", exp.BookingID, "therapist_id", exp.CandidateID, "error", err)
	}
}

func (c *Controller) expire(ctx context.Context, bookingID, therapistID string, attempt int) error {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.countdown_expired")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID), attribute.String("therapist.id", therapistID))

	out := &outbox{}
	release := c.locks.lock(bookingID)
	b, err := c.store.Get(ctx, bookingID)
	if err != nil {
		release()
		span.RecordError(err)
		return readError(bookingID, err)
	}
	if err := c.checkCurrent(b, therapistID, attempt); err != nil {
		release()
		return err
	}

	var updated *Booking
	if b.State == StateBroadcasting {
		updated, err = c.broadcaster.Expire(ctx, b, out)
	} else {
		updated, err = c.engine.Advance(ctx, b, ReasonTimeout, out)
	}
	updated, err = c.settle(ctx, b, updated, err, out)
	release()
	out.run(ctx)

	finishSpan(span, updated, err)
	return err
}

// Cancel lets the requester withdraw a non-terminal booking. The booking ends
// in rejected-final.
func (c *Controller) Cancel(ctx context.Context, bookingID, requesterID string) (*Booking, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID))

	out := &outbox{}
	release := c.locks.lock(bookingID)
	b, err := c.store.Get(ctx, bookingID)
	if err != nil {
		release()
		return nil, readError(bookingID, err)
	}
	if b.RequesterID != requesterID {
		release()
		return nil, ErrNotOwner
	}
	if b.State.Terminal() {
		release()
		c.metrics.ObserveStale("terminal")
		return b, &StaleResponseError{BookingID: b.ID, State: b.State}
	}

	c.countdown.CancelBooking(b.ID)
	c.metrics.SetLiveCountdowns(c.countdown.Len())
	var offered []string
	switch b.State {
	case StateAssigned:
		offered = []string{b.AssignedTherapist}
	case StateBroadcasting:
		offered = cloneStrings(b.BroadcastSet)
	}

	updated, err := c.ledger.apply(ctx, b, EvCancel, "", Patch{SetCandidateQueue: true})
	if err == nil {
		msg := Notification{Type: NotifyBookingCancelled, BookingID: b.ID, Message: "The customer cancelled this booking."}
		out.add(func(ctx context.Context) { c.notify.fanout(ctx, offered, msg) })
	}
	updated, err = c.settle(ctx, b, updated, err, out)
	release()
	out.run(ctx)

	finishSpan(span, updated, err)
	return updated, err
}

// Get returns the stored booking.
func (c *Controller) Get(ctx context.Context, bookingID string) (*Booking, error) {
	b, err := c.store.Get(ctx, bookingID)
	if err != nil {
		return nil, readError(bookingID, err)
	}
	return b, nil
}

// Status returns the polling view of a booking.
func (c *Controller) Status(ctx context.Context, bookingID string) (Status, error) {
	b, err := c.Get(ctx, bookingID)
	if err != nil {
		return Status{}, err
	}
	return b.Status(c.now()), nil
}

// Subscribe forwards store changes for one booking.
func (c *Controller) Subscribe(ctx context.Context, bookingID string, onChange func(*Booking)) (func(), error) {
	return c.store.Subscribe(ctx, bookingID, onChange)
}

// Now returns the controller clock.
func (c *Controller) Now() time.Time { return c.now() }

func (c *Controller) checkCurrent(b *Booking, therapistID string, attempt int) error {
	stale := &StaleResponseError{BookingID: b.ID, TherapistID: therapistID, State: b.State}
	label := ""
	switch b.State {
	case StateAssigned:
		if therapistID == "" || b.AssignedTherapist != therapistID {
			label = "candidate-mismatch"
		}
	case StateBroadcasting:
		if therapistID != "" && !b.IsBroadcastMember(therapistID) {
			label = "candidate-mismatch"
		}
	case StatePending:
		label = "unassigned"
	default:
		label = "terminal"
	}
	if label == "" && attempt > 0 && b.Attempt != attempt {
		label = "superseded"
	}
	if label == "" {
		return nil
	}
	c.metrics.ObserveStale(label)
	c.logger.Info("stale response dropped",
		"booking_id", b.ID,
		"therapist_id", therapistID,
		"state", b.State,
		"reason", label,
	)
	return stale
}

func (c *Controller) accept(ctx context.Context, b *Booking, therapistID string, out *outbox) (*Booking, error) {
	c.countdown.CancelBooking(b.ID)
	c.metrics.SetLiveCountdowns(c.countdown.Len())

	now := c.now()
	confirmBy := now.Add(c.policy.ConfirmationWindow)
	updated, err := c.ledger.apply(ctx, b, EvAccept, therapistID, Patch{
		AssignedTherapist:    ptr(therapistID),
		AcceptedBy:           ptr(therapistID),
		AcceptedAt:           &now,
		ConfirmationDeadline: &confirmBy,
		SetCandidateQueue:    true,
	})
	if err != nil {
		return b, err
	}
	c.metrics.ObserveTimeToAccept(now.Sub(b.CreatedAt).Seconds())

	var others []string
	if b.State == StateBroadcasting {
		others = removeString(b.BroadcastSet, therapistID)
	}
	out.add(func(ctx context.Context) { c.afterAccept(ctx, updated, others) })
	return updated, nil
}

// settle force-expires the booking when a write failed even after the retry,
// so nothing is left assigned with a dangling countdown.
func (c *Controller) settle(ctx context.Context, before, after *Booking, err error, out *outbox) (*Booking, error) {
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		return after, err
	}
	c.logger.Error("booking write failed after retry, expiring", "booking_id", before.ID, "op", perr.Op, "error", perr.Err)
	c.countdown.CancelBooking(before.ID)
	c.metrics.SetLiveCountdowns(c.countdown.Len())

	current := before
	if fresh, gerr := c.store.Get(ctx, before.ID); gerr == nil {
		current = fresh
	}
	if current.State.Terminal() {
		return current, err
	}
	expired, xerr := c.ledger.apply(ctx, current, EvForceExpire, "", Patch{SetCandidateQueue: true})
	if xerr != nil {
		c.logger.Error("force expire failed, leaving booking to the recovery sweep", "booking_id", before.ID, "error", xerr)
		expired = current
	}
	requester := current.RequesterID
	out.add(func(ctx context.Context) {
		c.notify.send(ctx, requester, Notification{
			Type:      NotifyBookingError,
			BookingID: before.ID,
			Reason:    ReasonStoreFailure,
			Message:   "We could not process your booking. Please try again.",
		})
	})
	return expired, err
}

func newBooking(id string, req Request, now time.Time, window time.Duration) *Booking {
	expiresAt := now.Add(window)
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}
	return &Booking{
		ID:                  id,
		RequesterID:         req.RequesterID,
		Contact:             req.Contact,
		Service:             req.Service,
		Location:            req.Location,
		Urgency:             req.Urgency,
		ScheduledFor:        cloneTime(req.ScheduledFor),
		PreferredTherapists: cloneStrings(req.PreferredTherapists),
		State:               StatePending,
		ExpiresAt:           expiresAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func readError(bookingID string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{BookingID: bookingID, Op: "read", Err: err}
}

func finishSpan(span trace.Span, b *Booking, err error) {
	if b != nil {
		span.SetAttributes(attribute.String("booking.state", string(b.State)))
	}
	if err != nil {
		span.RecordError(err)
	}
}
