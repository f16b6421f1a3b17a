package therapists

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// MemoryDirectory keeps therapist profiles in process.
type MemoryDirectory struct {
	mu         sync.RWMutex
	therapists map[string]Therapist
	now        func() time.Time
}

func NewMemoryDirectory(seed ...Therapist) *MemoryDirectory {
	d := &MemoryDirectory{
		therapists: make(map[string]Therapist),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, t := range seed {
		_ = d.Upsert(context.Background(), t)
	}
	return d
}

func (d *MemoryDirectory) Upsert(_ context.Context, t Therapist) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if existing, ok := d.therapists[t.ID]; ok && t.RegisteredAt.IsZero() {
		t.RegisteredAt = existing.RegisteredAt
	}
	if t.RegisteredAt.IsZero() {
		t.RegisteredAt = now
	}
	t.Services = append([]string(nil), t.Services...)
	t.UpdatedAt = now
	d.therapists[t.ID] = t
	return nil
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (Therapist, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.therapists[id]
	if !ok {
		return Therapist{}, ErrNotFound
	}
	return t, nil
}

// Eligible lists available therapists offering the service, ordered by id so
// callers see a stable input.
func (d *MemoryDirectory) Eligible(_ context.Context, q dispatch.EligibilityQuery) ([]dispatch.Candidate, error) {
	exclude := make(map[string]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		exclude[id] = struct{}{}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]dispatch.Candidate, 0, len(d.therapists))
	for id, t := range d.therapists {
		if _, skip := exclude[id]; skip {
			continue
		}
		if t.Status != Available || !t.offers(q.Service) {
			continue
		}
		out = append(out, t.candidate(q.Location))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TherapistID < out[j].TherapistID })
	return out, nil
}

func (d *MemoryDirectory) SetBusy(_ context.Context, id string, busy bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.therapists[id]
	if !ok {
		return ErrNotFound
	}
	if busy {
		t.Status = Busy
	} else {
		t.Status = Available
	}
	t.UpdatedAt = d.now()
	d.therapists[id] = t
	return nil
}
