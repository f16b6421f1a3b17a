package commission

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// MemoryRecorder keeps one record per booking in process.
type MemoryRecorder struct {
	mu      sync.Mutex
	rateBPS int
	records map[string]dispatch.CommissionRecord
	now     func() time.Time
}

func NewMemoryRecorder(rateBPS int) *MemoryRecorder {
	return &MemoryRecorder{
		rateBPS: rateBPS,
		records: make(map[string]dispatch.CommissionRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRecorder) Record(_ context.Context, bookingID, therapistID string, totalCents int64) (dispatch.CommissionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[bookingID]; ok {
		return rec, false, nil
	}
	admin, provider := Split(totalCents, m.rateBPS)
	rec := dispatch.CommissionRecord{
		BookingID:     bookingID,
		TherapistID:   therapistID,
		TotalCents:    totalCents,
		AdminCents:    admin,
		ProviderCents: provider,
		RateBPS:       m.rateBPS,
		CreatedAt:     m.now(),
	}
	m.records[bookingID] = rec
	return rec, true, nil
}

// Get returns the stored record for a booking.
func (m *MemoryRecorder) Get(bookingID string) (dispatch.CommissionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[bookingID]
	return rec, ok
}
