package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

var (
	psql   = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	tracer = otel.Tracer("massage.internal.commission")
)

var recordColumns = []string{"booking_id", "therapist_id", "total_cents", "admin_cents", "provider_cents", "rate_bps", "created_at"}

// DB is the subset of pgxpool.Pool the recorder needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRecorder stores commission records with a unique booking_id so a
// replayed accept never books a second split.
type PostgresRecorder struct {
	db      DB
	rateBPS int
	now     func() time.Time
}

func NewPostgresRecorder(pool *pgxpool.Pool, rateBPS int) *PostgresRecorder {
	if pool == nil {
		panic("commission: pgx pool required")
	}
	return newPostgresRecorderWithDB(pool, rateBPS)
}

func newPostgresRecorderWithDB(db DB, rateBPS int) *PostgresRecorder {
	return &PostgresRecorder{db: db, rateBPS: rateBPS, now: func() time.Time { return time.Now().UTC() }}
}

func (r *PostgresRecorder) Record(ctx context.Context, bookingID, therapistID string, totalCents int64) (dispatch.CommissionRecord, bool, error) {
	ctx, span := tracer.Start(ctx, "commission.record")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID))

	admin, provider := Split(totalCents, r.rateBPS)
	query, args, err := psql.Insert("commissions").
		Columns(recordColumns...).
		Values(bookingID, therapistID, totalCents, admin, provider, r.rateBPS, r.now()).
		Suffix("ON CONFLICT (booking_id) DO NOTHING RETURNING booking_id, therapist_id, total_cents, admin_cents, provider_cents, rate_bps, created_at").
		ToSql()
	if err != nil {
		return dispatch.CommissionRecord{}, false, fmt.Errorf("commission: build insert: %w", err)
	}

	rec, err := scanRecord(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return dispatch.CommissionRecord{}, false, fmt.Errorf("commission: insert %s: %w", bookingID, err)
	}

	// The row already existed.
	existing, err := r.Get(ctx, bookingID)
	if err != nil {
		span.RecordError(err)
		return dispatch.CommissionRecord{}, false, err
	}
	return existing, false, nil
}

func (r *PostgresRecorder) Get(ctx context.Context, bookingID string) (dispatch.CommissionRecord, error) {
	query, args, err := psql.Select(recordColumns...).
		From("commissions").
		Where(sq.Eq{"booking_id": bookingID}).
		ToSql()
	if err != nil {
		return dispatch.CommissionRecord{}, fmt.Errorf("commission: build get: %w", err)
	}
	rec, err := scanRecord(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return dispatch.CommissionRecord{}, fmt.Errorf("commission: get %s: %w", bookingID, err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (dispatch.CommissionRecord, error) {
	var rec dispatch.CommissionRecord
	err := row.Scan(&rec.BookingID, &rec.TherapistID, &rec.TotalCents, &rec.AdminCents, &rec.ProviderCents, &rec.RateBPS, &rec.CreatedAt)
	return rec, err
}
