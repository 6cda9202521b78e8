// Package session implements the per-pair decision lifecycle and the
// deadlines that bound it.
//
// A Session starts Pending and leaves it exactly once, to MutualMatch,
// Rejected, Expired or Abandoned. Transitions are computed under the session
// mutex; hooks run after it is released so callers may take their own locks
// and do I/O from them.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/clock"
)

var ErrNotParticipant = errors.New("not a participant of this session")

type State int

const (
	Pending State = iota
	MutualMatch
	Rejected
	Expired
	Abandoned
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case MutualMatch:
		return "mutual_match"
	case Rejected:
		return "rejected"
	case Expired:
		return "expired"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool { return s != Pending }

type Approval int

const (
	ApprovalUnknown Approval = iota
	ApprovalApproved
	ApprovalDeclined
)

func (a Approval) String() string {
	switch a {
	case ApprovalApproved:
		return "approved"
	case ApprovalDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID        string
	RoomID    string
	A         int64
	B         int64
	CreatedAt time.Time
	ApprovalA Approval
	ApprovalB Approval
	State     State
	// EndedAt is zero while Pending.
	EndedAt time.Time
	// Actor is the participant whose reject or disconnect ended the session.
	// Zero for MutualMatch and Expired.
	Actor int64
}

// Other returns the participant that is not id.
func (s Snapshot) Other(id int64) (int64, bool) {
	switch id {
	case s.A:
		return s.B, true
	case s.B:
		return s.A, true
	default:
		return 0, false
	}
}

func (s Snapshot) Has(id int64) bool { return id == s.A || id == s.B }

type Hooks struct {
	// OnApproval runs after a participant's decision is recorded, including a
	// decline that ends the session. Duplicate approvals do not re-run it.
	OnApproval func(snap Snapshot, participant int64, approved bool)
	// OnTerminal runs exactly once, after the transition out of Pending.
	OnTerminal func(snap Snapshot)
}

type Params struct {
	ID     string
	RoomID string
	A      int64
	B      int64
	Clock  clock.Clock
	Hooks  Hooks
}

type Session struct {
	id        string
	roomID    string
	a, b      int64
	createdAt time.Time
	clock     clock.Clock
	hooks     Hooks

	mu        sync.Mutex
	approvalA Approval
	approvalB Approval
	state     State
	endedAt   time.Time
	actor     int64
}

func New(p Params) *Session {
	c := p.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Session{
		id:        p.ID,
		roomID:    p.RoomID,
		a:         p.A,
		b:         p.B,
		createdAt: c.Now(),
		clock:     c,
		hooks:     p.Hooks,
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) RoomID() string { return s.roomID }

func (s *Session) Participants() (int64, int64) { return s.a, s.b }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        s.id,
		RoomID:    s.roomID,
		A:         s.a,
		B:         s.b,
		CreatedAt: s.createdAt,
		ApprovalA: s.approvalA,
		ApprovalB: s.approvalB,
		State:     s.state,
		EndedAt:   s.endedAt,
		Actor:     s.actor,
	}
}

// RecordApproval records participant's decision. A decline ends the session
// as Rejected; the second approval ends it as MutualMatch. Once terminal the
// call has no effect. The returned state is the state after the call.
func (s *Session) RecordApproval(participant int64, approved bool) (State, error) {
	s.mu.Lock()
	slot, err := s.approvalSlotLocked(participant)
	if err != nil {
		s.mu.Unlock()
		return Pending, err
	}
	if s.state.Terminal() {
		st := s.state
		s.mu.Unlock()
		return st, nil
	}

	var onApproval, onTerminal func()
	switch {
	case !approved:
		*slot = ApprovalDeclined
		onApproval = s.approvalHookLocked(participant, false)
		onTerminal = s.finishLocked(Rejected, participant)
	case *slot == ApprovalApproved:
		// Duplicate approval.
	default:
		*slot = ApprovalApproved
		onApproval = s.approvalHookLocked(participant, true)
		if s.approvalA == ApprovalApproved && s.approvalB == ApprovalApproved {
			onTerminal = s.finishLocked(MutualMatch, 0)
		}
	}
	st := s.state
	s.mu.Unlock()

	if onApproval != nil {
		onApproval()
	}
	if onTerminal != nil {
		onTerminal()
	}
	return st, nil
}

func (s *Session) Reject(participant int64) (State, error) {
	return s.RecordApproval(participant, false)
}

// Expire ends a Pending session as Expired. It reports whether this call made
// the transition.
func (s *Session) Expire() bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	onTerminal := s.finishLocked(Expired, 0)
	s.mu.Unlock()

	if onTerminal != nil {
		onTerminal()
	}
	return true
}

// Abandon ends a Pending session because participant went away.
func (s *Session) Abandon(participant int64) (bool, error) {
	s.mu.Lock()
	if participant != s.a && participant != s.b {
		s.mu.Unlock()
		return false, ErrNotParticipant
	}
	if s.state.Terminal() {
		s.mu.Unlock()
		return false, nil
	}
	onTerminal := s.finishLocked(Abandoned, participant)
	s.mu.Unlock()

	if onTerminal != nil {
		onTerminal()
	}
	return true, nil
}

func (s *Session) approvalSlotLocked(participant int64) (*Approval, error) {
	switch participant {
	case s.a:
		return &s.approvalA, nil
	case s.b:
		return &s.approvalB, nil
	default:
		return nil, ErrNotParticipant
	}
}

func (s *Session) approvalHookLocked(participant int64, approved bool) func() {
	fn := s.hooks.OnApproval
	if fn == nil {
		return nil
	}
	snap := s.snapshotLocked()
	return func() { fn(snap, participant, approved) }
}

// finishLocked commits the terminal state and returns the terminal hook.
func (s *Session) finishLocked(state State, actor int64) func() {
	s.state = state
	s.actor = actor
	s.endedAt = s.clock.Now()

	fn := s.hooks.OnTerminal
	if fn == nil {
		return nil
	}
	snap := s.snapshotLocked()
	return func() { fn(snap) }
}
