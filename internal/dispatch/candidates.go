package dispatch

import (
	"math"
	"sort"
)

const (
	maxLocationPoints  = 45.0
	verifiedBonus      = 20.0
	maxCompletedPoints = 20.0
	maxRatingPoints    = 15.0
	// locationHorizonKm is where location points reach zero when no radius is configured.
	locationHorizonKm = 10.0
)

// RankCandidates orders the queue: preferred therapists first in caller order,
// then everybody else by descending score. Ties break on earlier registration,
// then on therapist id, so the order is total. Duplicates and ids outside the
// eligible set are dropped.
func RankCandidates(preferred []string, eligible []Candidate, maxDistanceKm float64) []string {
	byID := make(map[string]Candidate, len(eligible))
	for _, c := range eligible {
		if c.TherapistID == "" {
			continue
		}
		if maxDistanceKm > 0 && c.DistanceKm > maxDistanceKm {
			continue
		}
		if _, seen := byID[c.TherapistID]; !seen {
			byID[c.TherapistID] = c
		}
	}

	queue := make([]string, 0, len(byID))
	taken := make(map[string]struct{}, len(byID))
	for _, id := range preferred {
		if _, ok := byID[id]; !ok {
			continue
		}
		if _, dup := taken[id]; dup {
			continue
		}
		taken[id] = struct{}{}
		queue = append(queue, id)
	}

	horizon := locationHorizonKm
	if maxDistanceKm > 0 {
		horizon = maxDistanceKm
	}

	type scored struct {
		Candidate
		score float64
	}
	rest := make([]scored, 0, len(byID)-len(taken))
	for id, c := range byID {
		if _, ok := taken[id]; ok {
			continue
		}
		rest = append(rest, scored{Candidate: c, score: candidateScore(c, horizon)})
	}
	sort.Slice(rest, func(i, j int) bool {
		a, b := rest[i], rest[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
		return a.TherapistID < b.TherapistID
	})
	for _, c := range rest {
		queue = append(queue, c.TherapistID)
	}
	return queue
}

func candidateScore(c Candidate, horizonKm float64) float64 {
	var score float64
	if c.DistanceKm < horizonKm {
		score += maxLocationPoints * (1 - c.DistanceKm/horizonKm)
	}
	if c.Verified {
		score += verifiedBonus
	}
	if c.CompletedBookings > 0 {
		score += math.Log10(float64(c.CompletedBookings+1)) * maxCompletedPoints / math.Log10(101)
	}
	rating := math.Min(math.Max(c.Rating, 0), 5)
	score += rating / 5 * maxRatingPoints
	return score
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371
	dLat := (lat2 - lat1) * (math.Pi / 180)
	dLon := (lon2 - lon1) * (math.Pi / 180)
	lat1Rad := lat1 * (math.Pi / 180)
	lat2Rad := lat2 * (math.Pi / 180)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
