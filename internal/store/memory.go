package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Connection struct {
	User1ID   int64
	User2ID   int64
	MatchedAt time.Time
}

// Memory is an in-process implementation of every store interface. It backs
// tests and single-node development runs without a database file.
type Memory struct {
	mu           sync.Mutex
	participants map[int64]Participant
	online       map[int64]bool
	sessions     map[string]*SessionRecord
	rooms        map[string]string
	connections  []Connection
}

var (
	_ ProfileStore = (*Memory)(nil)
	_ SessionStore = (*Memory)(nil)
	_ StatsSource  = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		participants: make(map[int64]Participant),
		online:       make(map[int64]bool),
		sessions:     make(map[string]*SessionRecord),
		rooms:        make(map[string]string),
	}
}

func (m *Memory) PutParticipant(p Participant) {
	m.mu.Lock()
	m.participants[p.ID] = p
	m.mu.Unlock()
}

func (m *Memory) GetParticipant(_ context.Context, id int64) (Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return Participant{}, fmt.Errorf("participant %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) SetOnlineStatus(_ context.Context, id int64, online bool) error {
	m.mu.Lock()
	m.online[id] = online
	m.mu.Unlock()
	return nil
}

func (m *Memory) Online(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[id]
}

func (m *Memory) CreateSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.ID]; ok {
		return fmt.Errorf("session %s already exists", rec.ID)
	}
	if _, ok := m.rooms[rec.RoomID]; ok {
		return fmt.Errorf("room %s already exists", rec.RoomID)
	}
	stored := rec
	m.sessions[rec.ID] = &stored
	m.rooms[rec.RoomID] = rec.ID
	return nil
}

func (m *Memory) GetSessionByRoom(_ context.Context, roomID string) (SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.rooms[roomID]
	if !ok {
		return SessionRecord{}, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	return *m.sessions[id], nil
}

func (m *Memory) SetApproval(_ context.Context, sessionID string, participantID int64, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	v := approved
	switch participantID {
	case rec.User1ID:
		rec.User1Approval = &v
	case rec.User2ID:
		rec.User2Approval = &v
	default:
		return fmt.Errorf("participant %d not in session %s: %w", participantID, sessionID, ErrNotFound)
	}
	return nil
}

func (m *Memory) CompleteSession(_ context.Context, sessionID string, matched bool, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	rec.Matched = matched
	at := endedAt
	rec.EndedAt = &at
	return nil
}

func (m *Memory) CreateConnection(_ context.Context, a, b int64, at time.Time) error {
	lo, hi := CanonicalPair(a, b)
	m.mu.Lock()
	m.connections = append(m.connections, Connection{User1ID: lo, User2ID: hi, MatchedAt: at})
	m.mu.Unlock()
	return nil
}

// Connections returns a copy of every recorded connection in insertion order.
func (m *Memory) Connections() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Connection, len(m.connections))
	copy(out, m.connections)
	return out
}

func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	st.TotalUsers = int64(len(m.participants))
	for _, on := range m.online {
		if on {
			st.OnlineUsers++
		}
	}
	st.TotalMatches = int64(len(m.connections))
	for _, rec := range m.sessions {
		if rec.Open() {
			st.ActiveSessions++
		}
	}
	return st, nil
}
