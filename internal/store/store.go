// Package store holds the durable side of matchmaking: participant profiles
// owned by the account service, archived match sessions, and the connections
// formed by mutual matches.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

const (
	// Coordinates assigned to profiles that never shared a location.
	DefaultLat = 55.7558
	DefaultLng = 37.6173
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Complement returns the category a participant of gender g is matched with.
// Categories outside the binary set have no complement.
func (g Gender) Complement() (Gender, bool) {
	switch g {
	case GenderMale:
		return GenderFemale, true
	case GenderFemale:
		return GenderMale, true
	default:
		return "", false
	}
}

type Participant struct {
	ID     int64
	Gender Gender
	Age    int
	Lat    float64
	Lng    float64
}

// SessionRecord is the archived form of a match session.
type SessionRecord struct {
	ID        string
	User1ID   int64
	User2ID   int64
	RoomID    string
	StartedAt time.Time

	// Nil means the participant has not decided.
	User1Approval *bool
	User2Approval *bool

	Matched bool
	EndedAt *time.Time
}

func (r SessionRecord) Open() bool { return r.EndedAt == nil }

// Other returns the participant of r that is not id.
func (r SessionRecord) Other(id int64) (int64, bool) {
	switch id {
	case r.User1ID:
		return r.User2ID, true
	case r.User2ID:
		return r.User1ID, true
	default:
		return 0, false
	}
}

type Stats struct {
	TotalUsers     int64 `json:"total_users"`
	OnlineUsers    int64 `json:"online_users"`
	TotalMatches   int64 `json:"total_matches"`
	ActiveSessions int64 `json:"active_sessions"`
}

type ProfileStore interface {
	GetParticipant(ctx context.Context, id int64) (Participant, error)
	SetOnlineStatus(ctx context.Context, id int64, online bool) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSessionByRoom(ctx context.Context, roomID string) (SessionRecord, error)
	SetApproval(ctx context.Context, sessionID string, participantID int64, approved bool) error
	CompleteSession(ctx context.Context, sessionID string, matched bool, endedAt time.Time) error
	// CreateConnection records a mutual match. Implementations store the
	// lower id first regardless of argument order.
	CreateConnection(ctx context.Context, a, b int64, at time.Time) error
}

type StatsSource interface {
	Stats(ctx context.Context) (Stats, error)
}

// CanonicalPair orders a participant pair lower id first.
func CanonicalPair(a, b int64) (int64, int64) {
	if b < a {
		return b, a
	}
	return a, b
}
