package therapists

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

func TestMemoryDirectoryEligible(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(
		Therapist{ID: "t1", Services: []string{"Swedish"}, Status: Available, Lat: 40.75, Lng: -73.99},
		Therapist{ID: "t2", Services: []string{"swedish", "deep-tissue"}, Status: Available},
		Therapist{ID: "t3", Services: []string{"swedish"}, Status: Busy},
		Therapist{ID: "t4", Services: []string{"reflexology"}, Status: Available},
		Therapist{ID: "t5", Services: []string{"swedish"}, Status: Available},
	)

	got, err := d.Eligible(ctx, dispatch.EligibilityQuery{
		Service:  "swedish",
		Location: dispatch.Location{Lat: 40.70, Lng: -74.0},
		Exclude:  []string{"t5"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TherapistID)
	assert.InDelta(t, 5.6, got[0].DistanceKm, 0.5)
	assert.Equal(t, "t2", got[1].TherapistID)
	assert.Zero(t, got[1].DistanceKm, "no coordinates means no distance penalty")
}

func TestMemoryDirectorySetBusy(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(Therapist{ID: "t1", Services: []string{"swedish"}, Status: Available})

	require.NoError(t, d.SetBusy(ctx, "t1", true))
	got, err := d.Eligible(ctx, dispatch.EligibilityQuery{Service: "swedish"})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, d.SetBusy(ctx, "t1", false))
	got, _ = d.Eligible(ctx, dispatch.EligibilityQuery{Service: "swedish"})
	assert.Len(t, got, 1)

	assert.ErrorIs(t, d.SetBusy(ctx, "ghost", true), ErrNotFound)
}

func TestMemoryDirectoryUpsertKeepsRegistration(t *testing.T) {
	ctx := context.Background()
	reg := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDirectory(Therapist{ID: "t1", RegisteredAt: reg, Status: Available})

	require.NoError(t, d.Upsert(ctx, Therapist{ID: "t1", Status: Offline}))
	got, err := d.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, reg, got.RegisteredAt)
	assert.Equal(t, Offline, got.Status)
}
