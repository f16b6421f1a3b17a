package therapists

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// DB is the subset of pgxpool.Pool the directory needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDirectory reads the therapists table.
type PostgresDirectory struct {
	db  DB
	now func() time.Time
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	if pool == nil {
		panic("therapists: pgx pool required")
	}
	return newPostgresDirectoryWithDB(pool)
}

func newPostgresDirectoryWithDB(db DB) *PostgresDirectory {
	return &PostgresDirectory{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Eligible selects available therapists offering the service and computes
// distance to the booking location.
func (d *PostgresDirectory) Eligible(ctx context.Context, q dispatch.EligibilityQuery) ([]dispatch.Candidate, error) {
	builder := psql.Select("id", "name", "lat", "lng", "rating", "completed_bookings", "verified", "registered_at").
		From("therapists").
		Where(sq.Eq{"status": string(Available)}).
		Where("? = ANY(services)", q.Service).
		OrderBy("id")
	if len(q.Exclude) > 0 {
		builder = builder.Where(sq.NotEq{"id": q.Exclude})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("therapists: build eligible: %w", err)
	}

	rows, err := d.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("therapists: eligible: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Candidate
	for rows.Next() {
		var t Therapist
		if err := rows.Scan(&t.ID, &t.Name, &t.Lat, &t.Lng, &t.Rating, &t.CompletedBookings, &t.Verified, &t.RegisteredAt); err != nil {
			return nil, fmt.Errorf("therapists: scan eligible: %w", err)
		}
		out = append(out, t.candidate(q.Location))
	}
	return out, rows.Err()
}

// SetBusy flips between busy and available. Offline therapists are left alone.
func (d *PostgresDirectory) SetBusy(ctx context.Context, id string, busy bool) error {
	from, to := Available, Busy
	if !busy {
		from, to = Busy, Available
	}
	query, args, err := psql.Update("therapists").
		Set("status", string(to)).
		Set("updated_at", d.now()).
		Where(sq.Eq{"id": id, "status": string(from)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("therapists: build set busy: %w", err)
	}
	if _, err := d.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("therapists: set busy %s: %w", id, err)
	}
	return nil
}

func (d *PostgresDirectory) Upsert(ctx context.Context, t Therapist) error {
	now := d.now()
	if t.RegisteredAt.IsZero() {
		t.RegisteredAt = now
	}
	services := t.Services
	if services == nil {
		services = []string{}
	}
	query, args, err := psql.Insert("therapists").
		Columns("id", "name", "services", "status", "verified", "rating", "completed_bookings", "lat", "lng", "registered_at", "updated_at").
		Values(t.ID, t.Name, services, string(t.Status), t.Verified, t.Rating, t.CompletedBookings, t.Lat, t.Lng, t.RegisteredAt, now).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			services = EXCLUDED.services,
			status = EXCLUDED.status,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("therapists: build upsert: %w", err)
	}
	if _, err := d.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("therapists: upsert %s: %w", t.ID, err)
	}
	return nil
}

func (d *PostgresDirectory) Get(ctx context.Context, id string) (Therapist, error) {
	query, args, err := psql.Select("id", "name", "services", "status", "verified", "rating", "completed_bookings", "lat", "lng", "registered_at", "updated_at").
		From("therapists").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return Therapist{}, fmt.Errorf("therapists: build get: %w", err)
	}
	var (
		t      Therapist
		status string
	)
	err = d.db.QueryRow(ctx, query, args...).Scan(&t.ID, &t.Name, &t.Services, &status, &t.Verified, &t.Rating, &t.CompletedBookings, &t.Lat, &t.Lng, &t.RegisteredAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Therapist{}, ErrNotFound
	}
	if err != nil {
		return Therapist{}, fmt.Errorf("therapists: get %s: %w", id, err)
	}
	t.Status = Availability(status)
	return t, nil
}
