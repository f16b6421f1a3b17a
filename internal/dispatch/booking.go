package dispatch

import (
	"math"
	"strings"
	"time"
)

// State is the lifecycle state of a booking.
type State string

const (
	StatePending      State = "pending"
	StateAssigned     State = "assigned"
	StateBroadcasting State = "broadcasting"
	StateAccepted     State = "accepted"
	StateRejected     State = "rejected-final"
	StateExpired      State = "expired"
)

// Terminal reports whether no further transition may be applied.
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// LegacyStatus maps a lifecycle state onto the marketplace's stored booking status.
func LegacyStatus(s State) string {
	switch s {
	case StatePending:
		return "pending"
	case StateAssigned, StateBroadcasting:
		return "searching"
	case StateAccepted:
		return "confirmed"
	case StateRejected, StateExpired:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Urgency is an ordered tier: low < normal < high < emergency.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

// Rank returns the tier position, or -1 for unknown tiers.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyLow:
		return 0
	case UrgencyNormal:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyEmergency:
		return 3
	default:
		return -1
	}
}

// Outcome is a therapist's answer to an offer.
type Outcome string

const (
	OutcomeAccept Outcome = "accept"
	OutcomeReject Outcome = "reject"
)

// Failure reasons reported to the requester.
const (
	ReasonNoCandidates = "no-candidates"
	ReasonNoResponse   = "no-response"
	ReasonTimeout      = "timeout"
	ReasonCancelled    = "cancelled"
	ReasonStoreFailure = "store-failure"
	ReasonDirectory    = "directory-unavailable"
)

// Contact is how the requester can be reached.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Service is the requested treatment.
type Service struct {
	Name            string `json:"name"`
	DurationMinutes int    `json:"durationMinutes"`
	PriceCents      int64  `json:"priceCents"`
}

// Location describes where the session takes place.
type Location struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// Request is the validated input to Submit.
type Request struct {
	RequesterID         string     `json:"requesterId"`
	Contact             Contact    `json:"contact"`
	Service             Service    `json:"service"`
	Location            Location   `json:"location"`
	Urgency             Urgency    `json:"urgency"`
	ScheduledFor        *time.Time `json:"scheduledFor,omitempty"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	PreferredTherapists []string   `json:"preferredTherapists,omitempty"`
}

// Validate checks the request against now. It normalises urgency and trims ids.
func (r *Request) Validate(now time.Time) error {
	r.RequesterID = strings.TrimSpace(r.RequesterID)
	r.Service.Name = strings.TrimSpace(r.Service.Name)
	r.Location.Address = strings.TrimSpace(r.Location.Address)
	if r.Urgency == "" {
		r.Urgency = UrgencyNormal
	}

	switch {
	case r.RequesterID == "":
		return &ValidationError{Field: "requesterId", Message: "is required"}
	case r.Service.Name == "":
		return &ValidationError{Field: "service.name", Message: "is required"}
	case r.Service.DurationMinutes <= 0:
		return &ValidationError{Field: "service.durationMinutes", Message: "must be positive"}
	case r.Service.PriceCents < 0:
		return &ValidationError{Field: "service.priceCents", Message: "must not be negative"}
	case r.Location.Address == "":
		return &ValidationError{Field: "location.address", Message: "is required"}
	case r.Urgency.Rank() < 0:
		return &ValidationError{Field: "urgency", Message: "must be one of low, normal, high, emergency"}
	case r.ExpiresAt != nil && !r.ExpiresAt.After(now):
		return &ValidationError{Field: "expiresAt", Message: "must be in the future"}
	}

	for i, id := range r.PreferredTherapists {
		id = strings.TrimSpace(id)
		if id == "" {
			return &ValidationError{Field: "preferredTherapists", Message: "must not contain empty ids"}
		}
		r.PreferredTherapists[i] = id
	}
	return nil
}

// Booking is the stored record. The store is the source of truth; in-memory
// queues and timers are rebuilt from it.
type Booking struct {
	ID                   string     `json:"id"`
	RequesterID          string     `json:"requesterId"`
	Contact              Contact    `json:"contact"`
	Service              Service    `json:"service"`
	Location             Location   `json:"location"`
	Urgency              Urgency    `json:"urgency"`
	ScheduledFor         *time.Time `json:"scheduledFor,omitempty"`
	PreferredTherapists  []string   `json:"preferredTherapists,omitempty"`
	State                State      `json:"state"`
	AssignedTherapist    string     `json:"assignedTherapist,omitempty"`
	AssignedAt           *time.Time `json:"assignedAt,omitempty"`
	ExpiresAt            time.Time  `json:"expiresAt"`
	Attempt              int        `json:"attempt"`
	CandidateQueue       []string   `json:"candidateQueue,omitempty"`
	Offered              []string   `json:"offered,omitempty"`
	BroadcastSet         []string   `json:"broadcastSet,omitempty"`
	AcceptedBy           string     `json:"acceptedBy,omitempty"`
	AcceptedAt           *time.Time `json:"acceptedAt,omitempty"`
	ConfirmationDeadline *time.Time `json:"confirmationDeadline,omitempty"`
	ChatRoomID           string     `json:"chatRoomId,omitempty"`
	FailureReason        string     `json:"failureReason,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	out := *b
	out.PreferredTherapists = cloneStrings(b.PreferredTherapists)
	out.CandidateQueue = cloneStrings(b.CandidateQueue)
	out.Offered = cloneStrings(b.Offered)
	out.BroadcastSet = cloneStrings(b.BroadcastSet)
	out.ScheduledFor = cloneTime(b.ScheduledFor)
	out.AssignedAt = cloneTime(b.AssignedAt)
	out.AcceptedAt = cloneTime(b.AcceptedAt)
	out.ConfirmationDeadline = cloneTime(b.ConfirmationDeadline)
	return &out
}

// Status is the polling view returned by getBooking.
type Status struct {
	ID                string    `json:"id"`
	State             State     `json:"state"`
	LegacyStatus      string    `json:"status"`
	AssignedTherapist string    `json:"assignedTherapist,omitempty"`
	ExpiresAt         time.Time `json:"expiresAt"`
	RemainingSeconds  int       `json:"remainingSeconds"`
	ChatRoomID        string    `json:"chatRoomId,omitempty"`
	FailureReason     string    `json:"failureReason,omitempty"`
}

// Status projects the booking for display at now.
func (b *Booking) Status(now time.Time) Status {
	st := Status{
		ID:                b.ID,
		State:             b.State,
		LegacyStatus:      LegacyStatus(b.State),
		AssignedTherapist: b.AssignedTherapist,
		ExpiresAt:         b.ExpiresAt,
		ChatRoomID:        b.ChatRoomID,
		FailureReason:     b.FailureReason,
	}
	if b.State == StateAccepted {
		st.AssignedTherapist = b.AcceptedBy
	}
	if !b.State.Terminal() {
		if left := b.ExpiresAt.Sub(now); left > 0 {
			st.RemainingSeconds = int(math.Ceil(left.Seconds()))
		}
	}
	return st
}

// IsBroadcastMember reports whether therapistID is part of the current round.
func (b *Booking) IsBroadcastMember(therapistID string) bool {
	return containsString(b.BroadcastSet, therapistID)
}

// Patch is a partial update. Nil fields are left untouched. When ExpectState is
// set the update only applies if the stored state still matches.
type Patch struct {
	ExpectState          *State
	State                *State
	AssignedTherapist    *string
	AssignedAt           *time.Time
	ExpiresAt            *time.Time
	Attempt              *int
	CandidateQueue       []string
	SetCandidateQueue    bool
	Offered              []string
	SetOffered           bool
	BroadcastSet         []string
	SetBroadcastSet      bool
	AcceptedBy           *string
	AcceptedAt           *time.Time
	ConfirmationDeadline *time.Time
	ChatRoomID           *string
	FailureReason        *string
}

// Apply writes the patch onto b. Stores share it so every flavour agrees on
// semantics.
func (p Patch) Apply(b *Booking, now time.Time) {
	if p.State != nil {
		b.State = *p.State
	}
	if p.AssignedTherapist != nil {
		b.AssignedTherapist = *p.AssignedTherapist
	}
	if p.AssignedAt != nil {
		b.AssignedAt = cloneTime(p.AssignedAt)
	}
	if p.ExpiresAt != nil {
		b.ExpiresAt = *p.ExpiresAt
	}
	if p.Attempt != nil {
		b.Attempt = *p.Attempt
	}
	if p.SetCandidateQueue {
		b.CandidateQueue = cloneStrings(p.CandidateQueue)
	}
	if p.SetOffered {
		b.Offered = cloneStrings(p.Offered)
	}
	if p.SetBroadcastSet {
		b.BroadcastSet = cloneStrings(p.BroadcastSet)
	}
	if p.AcceptedBy != nil {
		b.AcceptedBy = *p.AcceptedBy
	}
	if p.AcceptedAt != nil {
		b.AcceptedAt = cloneTime(p.AcceptedAt)
	}
	if p.ConfirmationDeadline != nil {
		b.ConfirmationDeadline = cloneTime(p.ConfirmationDeadline)
	}
	if p.ChatRoomID != nil {
		b.ChatRoomID = *p.ChatRoomID
	}
	if p.FailureReason != nil {
		b.FailureReason = *p.FailureReason
	}
	b.UpdatedAt = now
}

func ptr[T any](v T) *T { return &v }

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
