package commission

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecorderIsIdempotent(t *testing.T) {
	r := NewMemoryRecorder(DefaultRateBPS)

	first, created, err := r.Record(context.Background(), "b1", "t1", 12000)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(3600), first.AdminCents)
	assert.Equal(t, int64(8400), first.ProviderCents)

	again, created, err := r.Record(context.Background(), "b1", "t2", 99999)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, again)
}

func recordRows(bookingID string, at time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(recordColumns).
		AddRow(bookingID, "t1", int64(12000), int64(3600), int64(8400), 3000, at)
}

func TestPostgresRecorderInsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	r := newPostgresRecorderWithDB(mock, 3000)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO commissions (.+) ON CONFLICT \\(booking_id\\) DO NOTHING RETURNING").
		WithArgs("b1", "t1", int64(12000), int64(3600), int64(8400), 3000, pgxmock.AnyArg()).
		WillReturnRows(recordRows("b1", at))

	rec, created, err := r.Record(context.Background(), "b1", "t1", 12000)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(3600), rec.AdminCents)
	assert.Equal(t, at, rec.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorderReturnsExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	r := newPostgresRecorderWithDB(mock, 3000)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO commissions").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM commissions WHERE booking_id = \\$1").
		WithArgs("b1").
		WillReturnRows(recordRows("b1", at))

	rec, created, err := r.Record(context.Background(), "b1", "t1", 12000)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "b1", rec.BookingID)
	require.NoError(t, mock.ExpectationsWereMet())
}
