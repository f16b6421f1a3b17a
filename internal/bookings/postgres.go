package bookings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

var (
	bookingsTracer = otel.Tracer("massage.internal.bookings")
	psql           = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
)

var bookingColumns = []string{
	"id", "requester_id", "contact_name", "contact_phone",
	"service_name", "duration_minutes", "price_cents",
	"address", "lat", "lng", "urgency", "scheduled_for", "preferred_therapists",
	"state", "legacy_status", "assigned_therapist", "assigned_at", "expires_at", "attempt",
	"candidate_queue", "offered", "broadcast_set",
	"accepted_by", "accepted_at", "confirmation_deadline", "chat_room_id", "failure_reason",
	"created_at", "updated_at",
}

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists bookings in the bookings table. When a Feed is set,
// every committed write is published to it and Subscribe reads from it.
type PostgresStore struct {
	db     DB
	feed   *Feed
	local  *hub
	logger *logging.Logger
	now    func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool, feed *Feed, logger *logging.Logger) *PostgresStore {
	if pool == nil {
		panic("bookings: pgx pool required")
	}
	return newPostgresStoreWithDB(pool, feed, logger)
}

func newPostgresStoreWithDB(db DB, feed *Feed, logger *logging.Logger) *PostgresStore {
	if db == nil {
		panic("bookings: db required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PostgresStore{
		db:     db,
		feed:   feed,
		local:  newHub(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) Create(ctx context.Context, b *dispatch.Booking) error {
	ctx, span := bookingsTracer.Start(ctx, "bookings.create")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", b.ID))

	query, args, err := psql.Insert("bookings").
		Columns(bookingColumns...).
		Values(
			b.ID, b.RequesterID, b.Contact.Name, b.Contact.Phone,
			b.Service.Name, b.Service.DurationMinutes, b.Service.PriceCents,
			b.Location.Address, b.Location.Lat, b.Location.Lng, string(b.Urgency), toPGNullableTime(b.ScheduledFor), nonNil(b.PreferredTherapists),
			string(b.State), dispatch.LegacyStatus(b.State), b.AssignedTherapist, toPGNullableTime(b.AssignedAt), b.ExpiresAt, b.Attempt,
			nonNil(b.CandidateQueue), nonNil(b.Offered), nonNil(b.BroadcastSet),
			b.AcceptedBy, toPGNullableTime(b.AcceptedAt), toPGNullableTime(b.ConfirmationDeadline), b.ChatRoomID, b.FailureReason,
			b.CreatedAt, b.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("bookings: build insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("bookings: insert %s: %w", b.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*dispatch.Booking, error) {
	query, args, err := psql.Select(bookingColumns...).
		From("bookings").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("bookings: build select: %w", err)
	}
	b, err := scanBooking(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bookings: get %s: %w", id, err)
	}
	return b, nil
}

// Update writes the patch in one statement. With ExpectState set the WHERE
// clause carries the state guard, so a lost race matches no row.
func (s *PostgresStore) Update(ctx context.Context, id string, patch dispatch.Patch) (*dispatch.Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.update")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", id))

	set := patchColumns(patch)
	set["updated_at"] = s.now()

	where := sq.Eq{"id": id}
	if patch.ExpectState != nil {
		where["state"] = string(*patch.ExpectState)
	}
	query, args, err := psql.Update("bookings").
		SetMap(set).
		Where(where).
		Suffix("RETURNING " + strings.Join(bookingColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("bookings: build update: %w", err)
	}

	b, err := scanBooking(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		if patch.ExpectState == nil {
			return nil, dispatch.ErrNotFound
		}
		if _, gerr := s.Get(ctx, id); errors.Is(gerr, dispatch.ErrNotFound) {
			return nil, dispatch.ErrNotFound
		}
		return nil, dispatch.ErrConflict
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("bookings: update %s: %w", id, err)
	}

	s.local.publish(b)
	if s.feed != nil {
		if err := s.feed.Publish(ctx, b); err != nil {
			s.logger.Warn("booking change not published", "booking_id", id, "error", err)
		}
	}
	return b, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, id string, onChange func(*dispatch.Booking)) (func(), error) {
	if s.feed != nil {
		return s.feed.Subscribe(ctx, id, onChange)
	}
	return s.local.subscribeContext(ctx, id, onChange), nil
}

// ListActive returns every non-terminal booking, oldest first.
func (s *PostgresStore) ListActive(ctx context.Context) ([]*dispatch.Booking, error) {
	query, args, err := psql.Select(bookingColumns...).
		From("bookings").
		Where(sq.Eq{"state": []string{
			string(dispatch.StatePending),
			string(dispatch.StateAssigned),
			string(dispatch.StateBroadcasting),
		}}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("bookings: build list active: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bookings: list active: %w", err)
	}
	defer rows.Close()

	var out []*dispatch.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("bookings: scan active: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func patchColumns(p dispatch.Patch) map[string]any {
	set := map[string]any{}
	if p.State != nil {
		set["state"] = string(*p.State)
		set["legacy_status"] = dispatch.LegacyStatus(*p.State)
	}
	if p.AssignedTherapist != nil {
		set["assigned_therapist"] = *p.AssignedTherapist
	}
	if p.AssignedAt != nil {
		set["assigned_at"] = toPGNullableTime(p.AssignedAt)
	}
	if p.ExpiresAt != nil {
		set["expires_at"] = *p.ExpiresAt
	}
	if p.Attempt != nil {
		set["attempt"] = *p.Attempt
	}
	if p.SetCandidateQueue {
		set["candidate_queue"] = nonNil(p.CandidateQueue)
	}
	if p.SetOffered {
		set["offered"] = nonNil(p.Offered)
	}
	if p.SetBroadcastSet {
		set["broadcast_set"] = nonNil(p.BroadcastSet)
	}
	if p.AcceptedBy != nil {
		set["accepted_by"] = *p.AcceptedBy
	}
	if p.AcceptedAt != nil {
		set["accepted_at"] = toPGNullableTime(p.AcceptedAt)
	}
	if p.ConfirmationDeadline != nil {
		set["confirmation_deadline"] = toPGNullableTime(p.ConfirmationDeadline)
	}
	if p.ChatRoomID != nil {
		set["chat_room_id"] = *p.ChatRoomID
	}
	if p.FailureReason != nil {
		set["failure_reason"] = *p.FailureReason
	}
	return set
}

func scanBooking(row pgx.Row) (*dispatch.Booking, error) {
	var (
		b                                    dispatch.Booking
		urgency, state, legacy               string
		scheduledFor, assignedAt, acceptedAt pgtype.Timestamptz
		confirmBy                            pgtype.Timestamptz
	)
	err := row.Scan(
		&b.ID, &b.RequesterID, &b.Contact.Name, &b.Contact.Phone,
		&b.Service.Name, &b.Service.DurationMinutes, &b.Service.PriceCents,
		&b.Location.Address, &b.Location.Lat, &b.Location.Lng, &urgency, &scheduledFor, &b.PreferredTherapists,
		&state, &legacy, &b.AssignedTherapist, &assignedAt, &b.ExpiresAt, &b.Attempt,
		&b.CandidateQueue, &b.Offered, &b.BroadcastSet,
		&b.AcceptedBy, &acceptedAt, &confirmBy, &b.ChatRoomID, &b.FailureReason,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Urgency = dispatch.Urgency(urgency)
	b.State = dispatch.State(state)
	b.ScheduledFor = fromPGTime(scheduledFor)
	b.AssignedAt = fromPGTime(assignedAt)
	b.AcceptedAt = fromPGTime(acceptedAt)
	b.ConfirmationDeadline = fromPGTime(confirmBy)
	return &b, nil
}

func toPGNullableTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{
		Time:  *t,
		Valid: true,
	}
}

func fromPGTime(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

// nonNil keeps text[] columns NOT NULL.
func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
