package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	outboxTable     = "booking_outbox"
	maxErrorLength  = 500
	defaultBatch    = 50
	defaultInterval = 2 * time.Second
)

var outboxColumns = []string{
	"id", "seq", "booking_id", "event_type", "from_state", "to_state", "attempt",
	"payload", "occurred_at", "delivery_attempts",
}

// OutboxEntry is one stored booking transition awaiting delivery. Seq is
// assigned by the database and orders entries across bookings.
type OutboxEntry struct {
	ID               uuid.UUID
	Seq              int64
	BookingID        string
	Type             string
	FromState        string
	ToState          string
	Attempt          int
	Payload          json.RawMessage
	OccurredAt       time.Time
	DeliveryAttempts int
}

// DeliveryHandler forwards an entry to a transport.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

type outboxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore keeps booking transitions in booking_outbox until a transport
// acknowledges them.
type OutboxStore struct {
	db outboxDB
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return newOutboxStoreWithDB(pool)
}

func newOutboxStoreWithDB(db outboxDB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Append stores a transition. A zero ID is replaced with a fresh one.
func (s *OutboxStore) Append(ctx context.Context, entry OutboxEntry) (uuid.UUID, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	query, args, err := psql.Insert(outboxTable).
		Columns("id", "booking_id", "event_type", "from_state", "to_state", "attempt", "payload", "occurred_at").
		Values(entry.ID, entry.BookingID, entry.Type, entry.FromState, entry.ToState, entry.Attempt, []byte(entry.Payload), entry.OccurredAt).
		ToSql()
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: build outbox insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return uuid.Nil, fmt.Errorf("events: append %s for booking %s: %w", entry.Type, entry.BookingID, err)
	}
	return entry.ID, nil
}

// FetchPending returns undelivered entries in sequence order.
func (s *OutboxStore) FetchPending(ctx context.Context, limit uint64) ([]OutboxEntry, error) {
	query, args, err := psql.Select(outboxColumns...).
		From(outboxTable).
		Where("delivered_at IS NULL").
		OrderBy("seq").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("events: build outbox fetch: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			entry   OutboxEntry
			payload []byte
		)
		if err := rows.Scan(
			&entry.ID, &entry.Seq, &entry.BookingID, &entry.Type, &entry.FromState, &entry.ToState,
			&entry.Attempt, &payload, &entry.OccurredAt, &entry.DeliveryAttempts,
		); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append(json.RawMessage(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkDelivered reports false when the entry was already delivered.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query, args, err := psql.Update(outboxTable).
		Set("delivered_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Where("delivered_at IS NULL").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("events: build mark delivered: %w", err)
	}
	ct, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed counts a failed delivery and keeps the last error.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := cause.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	query, args, err := psql.Update(outboxTable).
		Set("delivery_attempts", sq.Expr("delivery_attempts + 1")).
		Set("last_error", msg).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("events: build mark failed: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}

// OutboxSink is a dispatch.EventSink that appends transitions to the outbox
// for the Deliverer to forward.
type OutboxSink struct {
	store *OutboxStore
}

func NewOutboxSink(store *OutboxStore) *OutboxSink {
	return &OutboxSink{store: store}
}

func (s *OutboxSink) Publish(ctx context.Context, evt dispatch.LifecycleEvent) error {
	id := uuid.New()
	payload, err := json.Marshal(transitionFromLifecycle(id.String(), evt))
	if err != nil {
		return fmt.Errorf("events: marshal transition: %w", err)
	}
	_, err = s.store.Append(ctx, OutboxEntry{
		ID:         id,
		BookingID:  evt.BookingID,
		Type:       TransitionEventType,
		FromState:  string(evt.From),
		ToState:    string(evt.To),
		Attempt:    evt.Attempt,
		Payload:    payload,
		OccurredAt: evt.At,
	})
	return err
}

// Deliverer polls the outbox and forwards entries to the handler. A failed
// entry holds back the rest of its booking until a later pass; other
// bookings keep flowing.
type Deliverer struct {
	store     *OutboxStore
	handler   DeliveryHandler
	logger    *logging.Logger
	batchSize uint64
	interval  time.Duration
}

func NewDeliverer(store *OutboxStore, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:     store,
		handler:   handler,
		logger:    logger,
		batchSize: defaultBatch,
		interval:  defaultInterval,
	}
}

func (d *Deliverer) WithBatchSize(size uint64) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// Start blocks until ctx is done.
func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Deliverer) drain(ctx context.Context) int {
	entries, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return 0
	}
	held := make(map[string]bool)
	delivered := 0
	for _, entry := range entries {
		if held[entry.BookingID] {
			continue
		}
		if err := d.handler.Handle(ctx, entry); err != nil {
			held[entry.BookingID] = true
			d.logger.Error("booking event delivery failed",
				"error", err,
				"event_id", entry.ID,
				"booking_id", entry.BookingID,
				"seq", entry.Seq,
				"transition", entry.FromState+"->"+entry.ToState,
				"delivery_attempts", entry.DeliveryAttempts+1,
			)
			if merr := d.store.MarkFailed(ctx, entry.ID, err); merr != nil {
				d.logger.Error("failed to record outbox failure", "error", merr, "event_id", entry.ID)
			}
			continue
		}
		ok, err := d.store.MarkDelivered(ctx, entry.ID)
		if err != nil {
			// Redelivery is possible; transports dedupe on event_id.
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
			held[entry.BookingID] = true
			continue
		}
		if ok {
			delivered++
			d.logger.Debug("booking event delivered", "event_id", entry.ID, "booking_id", entry.BookingID, "seq", entry.Seq)
		}
	}
	return delivered
}
