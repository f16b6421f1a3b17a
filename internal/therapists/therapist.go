package therapists

import (
	"errors"
	"strings"
	"time"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// Availability is the therapist's self-reported status.
type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

// ErrNotFound is returned for unknown therapist ids.
var ErrNotFound = errors.New("therapists: not found")

// Therapist is a provider profile as far as dispatch cares.
type Therapist struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Services          []string     `json:"services"`
	Status            Availability `json:"status"`
	Verified          bool         `json:"verified"`
	Rating            float64      `json:"rating"`
	CompletedBookings int          `json:"completedBookings"`
	Lat               float64      `json:"lat"`
	Lng               float64      `json:"lng"`
	RegisteredAt      time.Time    `json:"registeredAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

func (t Therapist) offers(service string) bool {
	for _, s := range t.Services {
		if strings.EqualFold(s, service) {
			return true
		}
	}
	return false
}

func (t Therapist) candidate(loc dispatch.Location) dispatch.Candidate {
	return dispatch.Candidate{
		TherapistID:       t.ID,
		DistanceKm:        distanceKm(t.Lat, t.Lng, loc),
		Rating:            t.Rating,
		CompletedBookings: t.CompletedBookings,
		Verified:          t.Verified,
		RegisteredAt:      t.RegisteredAt,
	}
}

// distanceKm is zero when either side has no coordinates, so an unlocated
// booking still ranks by the other signals.
func distanceKm(lat, lng float64, loc dispatch.Location) float64 {
	if (lat == 0 && lng == 0) || (loc.Lat == 0 && loc.Lng == 0) {
		return 0
	}
	return dispatch.Haversine(lat, lng, loc.Lat, loc.Lng)
}

func validAvailability(a Availability) bool {
	switch a {
	case Available, Busy, Offline:
		return true
	}
	return false
}
