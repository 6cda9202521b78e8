package matching

import (
	"math"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
)

const (
	DefaultMaxAgeDifference = 10
	DefaultAgeWeight        = 5.0
)

// Rules parameterize compatibility. The zero value is not useful; start from
// DefaultRules.
type Rules struct {
	// Candidates whose age differs from the requester's by more than this are
	// excluded. The bound is inclusive.
	MaxAgeDifference int
	// AgeWeight multiplies |Δage| before it is added to the distance term.
	AgeWeight float64
}

func DefaultRules() Rules {
	return Rules{MaxAgeDifference: DefaultMaxAgeDifference, AgeWeight: DefaultAgeWeight}
}

// Entry is a participant waiting for a partner.
type Entry struct {
	ID     int64
	Gender store.Gender
	Age    int
	Lat    float64
	Lng    float64
}

func EntryFromParticipant(p store.Participant) Entry {
	return Entry{ID: p.ID, Gender: p.Gender, Age: p.Age, Lat: p.Lat, Lng: p.Lng}
}

// Score is lower for better matches. Distance is planar over raw degrees.
func Score(a, b Entry, rules Rules) float64 {
	dLat := a.Lat - b.Lat
	dLng := a.Lng - b.Lng
	distance := math.Sqrt(dLat*dLat + dLng*dLng)
	return distance + float64(ageDiff(a.Age, b.Age))*rules.AgeWeight
}

// Compatible reports whether candidate passes every hard filter for requester.
func Compatible(requester, candidate Entry, rules Rules) bool {
	if candidate.ID == requester.ID {
		return false
	}
	want, ok := requester.Gender.Complement()
	if !ok || candidate.Gender != want {
		return false
	}
	return ageDiff(requester.Age, candidate.Age) <= rules.MaxAgeDifference
}

// FindBestMatch returns the compatible candidate with the strictly lowest
// score. Ties keep the earliest candidate in pool order.
func FindBestMatch(requester Entry, pool []Entry, rules Rules) (Entry, bool) {
	var (
		best      Entry
		bestScore float64
		found     bool
	)
	for _, candidate := range pool {
		if !Compatible(requester, candidate, rules) {
			continue
		}
		s := Score(requester, candidate, rules)
		if !found || s < bestScore {
			best, bestScore, found = candidate, s, true
		}
	}
	return best, found
}

func ageDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
