package matchmaker

import (
	"context"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/matching"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/session"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
)

// StartSearch puts id in the waiting pool and pairs it with the best
// compatible participant already waiting, if any.
func (e *Engine) StartSearch(ctx context.Context, id int64) {
	log := e.log.With("user_id", id)

	p, err := e.profiles.GetParticipant(ctx, id)
	if err != nil {
		e.metrics.Inc(metrics.SearchNoProfile)
		log.Warn("start_search without profile", "err", err)
		return
	}
	entry := matching.EntryFromParticipant(p)

	e.mu.Lock()
	if cur := e.byParticipant[id]; cur != nil {
		if cur.State() == session.Pending {
			e.mu.Unlock()
			log.Debug("start_search ignored while a decision is pending", "room_id", cur.RoomID())
			return
		}
		// A finished session stops routing signals once either side searches
		// again.
		e.unindexLocked(cur)
	}

	partner, matched := e.pool.AddAndMatch(entry, e.rules)
	var (
		sess    *session.Session
		created chan struct{}
	)
	if matched {
		sess = session.New(session.Params{
			ID:     e.newID(),
			RoomID: e.newID(),
			A:      id,
			B:      partner.ID,
			Clock:  e.clock,
			Hooks: session.Hooks{
				OnApproval: e.onApproval,
				OnTerminal: e.onTerminal,
			},
		})
		e.indexLocked(sess)
		created = make(chan struct{})
		e.creating[sess.ID()] = created
	}
	e.mu.Unlock()

	e.metrics.Inc(metrics.SearchStarted)
	if !matched {
		log.Debug("waiting for a partner")
		e.Deliver(id, protocol.SearchStarted())
		e.Deliver(id, protocol.Searching())
		return
	}

	snap := sess.Snapshot()
	e.metrics.Inc(metrics.MatchFound)
	log.Info("match found", "partner_id", partner.ID, "room_id", snap.RoomID, "session_id", snap.ID)

	pctx, cancel := e.persistCtx()
	err = e.sessions.CreateSession(pctx, store.SessionRecord{
		ID:        snap.ID,
		User1ID:   snap.A,
		User2ID:   snap.B,
		RoomID:    snap.RoomID,
		StartedAt: snap.CreatedAt,
	})
	cancel()
	if err != nil {
		e.persistFailed("create_session", snap.ID, err)
	}

	// The deadline starts once the record exists, so Expire always has a row
	// to close.
	if sess.State() == session.Pending {
		e.scheduler.Arm(snap.ID, e.decisionWindow, func() { e.expire(sess) })
	}
	e.mu.Lock()
	delete(e.creating, snap.ID)
	e.mu.Unlock()
	close(created)

	// A failed delivery releases the participant synchronously, and that path
	// waits on created.
	e.Deliver(id, protocol.SearchStarted())
	e.Deliver(snap.A, protocol.MatchFound(snap.RoomID, snap.B))
	e.Deliver(snap.B, protocol.MatchFound(snap.RoomID, snap.A))
}

// StopSearch removes id from the pool. It is acknowledged even when id was
// not searching.
func (e *Engine) StopSearch(id int64) {
	e.mu.Lock()
	removed := e.pool.Remove(id)
	e.mu.Unlock()

	if removed {
		e.metrics.Inc(metrics.SearchStopped)
	}
	e.Deliver(id, protocol.SearchStopped())
}

func (e *Engine) expire(sess *session.Session) {
	if sess.Expire() {
		e.log.Debug("decision window elapsed", "session_id", sess.ID())
	}
}
