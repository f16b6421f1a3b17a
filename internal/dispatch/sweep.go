package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

// RecoveryReport summarises one Recover pass.
type RecoveryReport struct {
	Scanned   int
	Rearmed   int
	Expired   int
	Restarted int
	Skipped   int
	Failed    int
}

type recoveryOutcome int

const (
	recoverySkipped recoveryOutcome = iota
	recoveryRearmed
	recoveryExpired
	recoveryRestarted
)

// Recover reconciles stored non-terminal bookings with this process. Offers
// past their deadline are expired, offers still running get a countdown for
// the time left, and pending bookings restart assignment. Bookings that
// already have a live countdown here are left alone.
func (c *Controller) Recover(ctx context.Context) (RecoveryReport, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.recover")
	defer span.End()

	var report RecoveryReport
	active, err := c.store.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("dispatch: recover: list active: %w", err)
	}

	for _, b := range active {
		report.Scanned++
		if _, live := c.countdown.Current(b.ID); live {
			report.Skipped++
			continue
		}
		outcome, err := c.recoverOne(ctx, b.ID)
		if err != nil && !isNoResponse(err) && !errors.As(err, new(*NoCandidatesError)) && !errors.As(err, new(*DirectoryError)) {
			report.Failed++
			c.logger.Error("booking recovery failed", "booking_id", b.ID, "error", err)
			continue
		}
		switch outcome {
		case recoveryRearmed:
			report.Rearmed++
		case recoveryExpired:
			report.Expired++
		case recoveryRestarted:
			report.Restarted++
		default:
			report.Skipped++
		}
	}
	c.metrics.SetLiveCountdowns(c.countdown.Len())
	span.SetAttributes(
		attribute.Int("recovery.scanned", report.Scanned),
		attribute.Int("recovery.expired", report.Expired),
		attribute.Int("recovery.rearmed", report.Rearmed),
	)
	if report.Scanned > 0 {
		c.logger.Info("recovery sweep complete",
			"scanned", report.Scanned,
			"rearmed", report.Rearmed,
			"expired", report.Expired,
			"restarted", report.Restarted,
			"skipped", report.Skipped,
			"failed", report.Failed,
		)
	}
	return report, nil
}

func (c *Controller) recoverOne(ctx context.Context, bookingID string) (recoveryOutcome, error) {
	out := &outbox{}
	release := c.locks.lock(bookingID)
	defer func() {
		release()
		out.run(ctx)
	}()

	b, err := c.store.Get(ctx, bookingID)
	if err != nil {
		return recoverySkipped, readError(bookingID, err)
	}
	if b.State.Terminal() {
		return recoverySkipped, nil
	}
	if _, live := c.countdown.Current(b.ID); live {
		return recoverySkipped, nil
	}

	now := c.now()
	switch b.State {
	case StatePending:
		updated, err := c.engine.Start(ctx, b, out)
		_, err = c.settle(ctx, b, updated, err, out)
		return recoveryRestarted, err
	case StateAssigned, StateBroadcasting:
		if !now.Before(b.ExpiresAt) {
			updated, err := c.broadcaster.Expire(ctx, b, out)
			if isNoResponse(err) {
				return recoveryExpired, nil
			}
			_, err = c.settle(ctx, b, updated, err, out)
			return recoveryExpired, err
		}
		candidate := ""
		if b.State == StateAssigned {
			candidate = b.AssignedTherapist
		}
		c.countdown.Start(b.ID, candidate, b.Attempt, b.ExpiresAt.Sub(now))
		c.logger.Info("countdown re-armed", "booking_id", b.ID, "therapist_id", candidate, "remaining", b.ExpiresAt.Sub(now).String())
		return recoveryRearmed, nil
	}
	return recoverySkipped, nil
}

// Sweeper runs Recover once at start and then on every tick.
type Sweeper struct {
	controller *Controller
	logger     *logging.Logger
	interval   time.Duration
}

func NewSweeper(controller *Controller, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		controller: controller,
		logger:     logger,
		interval:   30 * time.Second,
	}
}

func (s *Sweeper) WithInterval(interval time.Duration) *Sweeper {
	if interval > 0 {
		s.interval = interval
	}
	return s
}

// Start blocks until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s.controller == nil {
		return
	}
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.controller.Recover(ctx); err != nil {
		s.logger.Error("recovery sweep failed", "error", err)
	}
}
