package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memStore is an in-package BookingStore with failure injection.
type memStore struct {
	mu       sync.Mutex
	bookings map[string]*Booking
	subs     map[string]map[int]func(*Booking)
	nextSub  int

	// failUpdates makes the next n Update calls fail with errStore.
	failUpdates int
	// failAllUpdates makes every Update fail.
	failAllUpdates bool
	updateHook     func(id string, p Patch)
	// afterCreate runs once the row is visible, outside the store mutex.
	afterCreate func(b *Booking)
	// afterList runs when ListActive returns, outside the store mutex.
	afterList func()
}

var errStore = errors.New("store unavailable")

func newMemStore() *memStore {
	return &memStore{
		bookings: map[string]*Booking{},
		subs:     map[string]map[int]func(*Booking){},
	}
}

func (s *memStore) Create(_ context.Context, b *Booking) error {
	s.mu.Lock()
	if _, ok := s.bookings[b.ID]; ok {
		s.mu.Unlock()
		return errors.New("duplicate id")
	}
	s.bookings[b.ID] = b.Clone()
	hook := s.afterCreate
	s.mu.Unlock()
	if hook != nil {
		hook(b.Clone())
	}
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *memStore) Update(_ context.Context, id string, p Patch) (*Booking, error) {
	s.mu.Lock()
	if s.updateHook != nil {
		s.updateHook(id, p)
	}
	if s.failAllUpdates || s.failUpdates > 0 {
		if s.failUpdates > 0 {
			s.failUpdates--
		}
		s.mu.Unlock()
		return nil, errStore
	}
	b, ok := s.bookings[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if p.ExpectState != nil && b.State != *p.ExpectState {
		s.mu.Unlock()
		return nil, ErrConflict
	}
	p.Apply(b, time.Now().UTC())
	out := b.Clone()
	subs := make([]func(*Booking), 0, len(s.subs[id]))
	for _, fn := range s.subs[id] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(out.Clone())
	}
	return out, nil
}

func (s *memStore) Subscribe(_ context.Context, id string, fn func(*Booking)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	key := s.nextSub
	if s.subs[id] == nil {
		s.subs[id] = map[int]func(*Booking){}
	}
	s.subs[id][key] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs[id], key)
		s.mu.Unlock()
	}, nil
}

func (s *memStore) ListActive(context.Context) ([]*Booking, error) {
	s.mu.Lock()
	var out []*Booking
	for _, b := range s.bookings {
		if !b.State.Terminal() {
			out = append(out, b.Clone())
		}
	}
	hook := s.afterList
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (s *memStore) put(b *Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[b.ID] = b.Clone()
}

func (s *memStore) setFailAll(v bool) {
	s.mu.Lock()
	s.failAllUpdates = v
	s.mu.Unlock()
}

func (s *memStore) setFailNext(n int) {
	s.mu.Lock()
	s.failUpdates = n
	s.mu.Unlock()
}

// fakeDirectory returns a fixed candidate list filtered by Exclude.
type fakeDirectory struct {
	mu         sync.Mutex
	candidates []Candidate
	busy       map[string]bool
	err        error
}

func newFakeDirectory(ids ...string) *fakeDirectory {
	d := &fakeDirectory{busy: map[string]bool{}}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range ids {
		// Equal scores; registration order decides.
		d.candidates = append(d.candidates, Candidate{
			TherapistID:  id,
			DistanceKm:   1,
			Rating:       4.5,
			RegisteredAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	return d
}

func (d *fakeDirectory) Eligible(_ context.Context, q EligibilityQuery) ([]Candidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var out []Candidate
	for _, c := range d.candidates {
		if containsString(q.Exclude, c.TherapistID) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *fakeDirectory) SetBusy(_ context.Context, id string, busy bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy[id] = busy
	return nil
}

func (d *fakeDirectory) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDirectory) isBusy(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy[id]
}

type sentNotification struct {
	ActorID string
	Notification
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, actorID string, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{ActorID: actorID, Notification: msg})
	return n.err
}

func (n *recordingNotifier) ofType(typ string) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (n *recordingNotifier) recipients(typ string) []string {
	var ids []string
	for _, s := range n.ofType(typ) {
		ids = append(ids, s.ActorID)
	}
	return ids
}

type recordingChat struct {
	mu       sync.Mutex
	rooms    map[string][]string
	messages map[string][]ChatMessage
	created  int
}

func newRecordingChat() *recordingChat {
	return &recordingChat{rooms: map[string][]string{}, messages: map[string][]ChatMessage{}}
}

func (c *recordingChat) CreateRoom(_ context.Context, participants []string, rc RoomContext) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "chat_booking_" + rc.BookingID
	if _, ok := c.rooms[id]; !ok {
		c.rooms[id] = participants
		c.created++
	}
	return id, nil
}

func (c *recordingChat) PostMessage(_ context.Context, roomID string, msg ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[roomID] = append(c.messages[roomID], msg)
	return nil
}

type recordingCommissions struct {
	mu      sync.Mutex
	records map[string]CommissionRecord
}

func (r *recordingCommissions) Record(_ context.Context, bookingID, therapistID string, total int64) (CommissionRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records == nil {
		r.records = map[string]CommissionRecord{}
	}
	if rec, ok := r.records[bookingID]; ok {
		return rec, false, nil
	}
	admin := total * 3 / 10
	rec := CommissionRecord{BookingID: bookingID, TherapistID: therapistID, TotalCents: total, AdminCents: admin, ProviderCents: total - admin, RateBPS: 3000}
	r.records[bookingID] = rec
	return rec, true, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *recordingEvents) Publish(_ context.Context, evt LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingEvents) path(bookingID string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []State
	for _, e := range r.events {
		if e.BookingID != bookingID {
			continue
		}
		if len(states) == 0 {
			states = append(states, e.From)
		}
		states = append(states, e.To)
	}
	return states
}

type harness struct {
	t          *testing.T
	store      *memStore
	directory  *fakeDirectory
	notifier   *recordingNotifier
	chat       *recordingChat
	commission *recordingCommissions
	events     *recordingEvents
	controller *Controller
	ids        int
}

func newHarness(t *testing.T, policy Policy, therapists ...string) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		store:      newMemStore(),
		directory:  newFakeDirectory(therapists...),
		notifier:   &recordingNotifier{},
		chat:       newRecordingChat(),
		commission: &recordingCommissions{},
		events:     &recordingEvents{},
	}
	var idMu sync.Mutex
	h.controller = NewController(Deps{
		Store:       h.store,
		Therapists:  h.directory,
		Notifier:    h.notifier,
		Chat:        h.chat,
		Commissions: h.commission,
		Events:      h.events,
		Policy:      policy,
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			h.ids++
			return fmt.Sprintf("booking-%04d", h.ids)
		},
	})
	t.Cleanup(h.controller.Close)
	return h
}

func (h *harness) state(id string) State {
	b, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return b.State
}

func (h *harness) booking(id string) *Booking {
	b, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return b
}

func validRequest() Request {
	return Request{
		RequesterID: "cust-1",
		Contact:     Contact{Name: "Sam", Phone: "+15550100"},
		Service:     Service{Name: "deep-tissue", DurationMinutes: 60, PriceCents: 12000},
		Location:    Location{Address: "12 Harbor St", Lat: 40.7, Lng: -74.0},
		Urgency:     UrgencyNormal,
	}
}

// slowPolicy keeps timers out of the way of tests that drive responses by hand.
func slowPolicy() Policy {
	return Policy{
		AssignmentWindow:   time.Hour,
		BroadcastWindow:    time.Hour,
		ConfirmationWindow: time.Minute,
		BusyLeadTime:       45 * time.Minute,
		RetryBackoff:       time.Millisecond,
	}
}

func fastPolicy() Policy {
	return Policy{
		AssignmentWindow:   30 * time.Millisecond,
		BroadcastWindow:    40 * time.Millisecond,
		ConfirmationWindow: time.Minute,
		BusyLeadTime:       45 * time.Minute,
		RetryBackoff:       time.Millisecond,
	}
}
