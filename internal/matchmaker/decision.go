package matchmaker

import (
	"context"
	"errors"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/session"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
)

func (e *Engine) Approve(ctx context.Context, id int64, roomID string) {
	e.decide(ctx, id, roomID, true)
}

func (e *Engine) Reject(ctx context.Context, id int64, roomID string) {
	e.decide(ctx, id, roomID, false)
}

func (e *Engine) decide(ctx context.Context, id int64, roomID string, approved bool) {
	e.mu.Lock()
	sess := e.byRoom[roomID]
	e.mu.Unlock()

	if sess == nil {
		e.recoverOrphan(ctx, id, roomID)
		return
	}

	if _, err := sess.RecordApproval(id, approved); err != nil {
		if errors.Is(err, session.ErrNotParticipant) {
			e.log.Warn("decision for a room the participant is not in", "user_id", id, "room_id", roomID)
			return
		}
		e.log.Error("recording decision failed", "user_id", id, "room_id", roomID, "err", err)
	}
}

// recoverOrphan closes a room that the store still has open but no live
// session owns, which happens after a restart.
func (e *Engine) recoverOrphan(ctx context.Context, id int64, roomID string) {
	log := e.log.With("user_id", id, "room_id", roomID)

	pctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()

	rec, err := e.sessions.GetSessionByRoom(pctx, roomID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.persistFailed("get_session_by_room", "", err)
		}
		log.Debug("decision for unknown room dropped")
		return
	}
	other, ok := rec.Other(id)
	if !ok || !rec.Open() {
		log.Debug("decision for closed or foreign room dropped")
		return
	}

	if err := e.sessions.CompleteSession(pctx, rec.ID, false, e.clock.Now()); err != nil {
		e.persistFailed("complete_session", rec.ID, err)
		return
	}
	e.metrics.Inc(metrics.OrphanRecovered)
	log.Info("closed orphaned session", "session_id", rec.ID)
	e.Deliver(other, protocol.TimeExpired(roomID))
}

func (e *Engine) onApproval(snap session.Snapshot, participant int64, approved bool) {
	e.awaitCreated(snap.ID)
	ctx, cancel := e.persistCtx()
	defer cancel()
	if err := e.sessions.SetApproval(ctx, snap.ID, participant, approved); err != nil {
		e.persistFailed("set_approval", snap.ID, err)
	}
}

// onTerminal runs once per session after it leaves Pending. The store record
// is closed before a Rejected, Expired or Abandoned session leaves the room
// index, so a decision arriving in between still reaches the session and is
// a no-op instead of falling through to orphan recovery.
func (e *Engine) onTerminal(snap session.Snapshot) {
	e.awaitCreated(snap.ID)
	e.scheduler.Cancel(snap.ID)

	matched := snap.State == session.MutualMatch
	ctx, cancel := e.persistCtx()
	if err := e.sessions.CompleteSession(ctx, snap.ID, matched, snap.EndedAt); err != nil {
		e.persistFailed("complete_session", snap.ID, err)
	}
	if matched {
		if err := e.sessions.CreateConnection(ctx, snap.A, snap.B, snap.EndedAt); err != nil {
			e.persistFailed("create_connection", snap.ID, err)
		}
	}
	cancel()

	if !matched {
		e.mu.Lock()
		if sess := e.byRoom[snap.RoomID]; sess != nil && sess.ID() == snap.ID {
			e.unindexLocked(sess)
		}
		e.mu.Unlock()
	}

	log := e.log.With("session_id", snap.ID, "room_id", snap.RoomID, "state", snap.State.String())
	switch snap.State {
	case session.MutualMatch:
		e.metrics.Inc(metrics.MatchMutual)
		log.Info("mutual match")
		e.Deliver(snap.A, protocol.MatchSuccess(snap.RoomID))
		e.Deliver(snap.B, protocol.MatchSuccess(snap.RoomID))
	case session.Rejected:
		e.metrics.Inc(metrics.MatchRejected)
		log.Info("match rejected", "by", snap.Actor)
		if other, ok := snap.Other(snap.Actor); ok {
			e.Deliver(other, protocol.MatchRejected(snap.RoomID, ""))
		}
	case session.Expired:
		e.metrics.Inc(metrics.MatchExpired)
		log.Info("match expired")
		e.Deliver(snap.A, protocol.TimeExpired(snap.RoomID))
		e.Deliver(snap.B, protocol.TimeExpired(snap.RoomID))
	case session.Abandoned:
		e.metrics.Inc(metrics.MatchAbandoned)
		log.Info("match abandoned", "by", snap.Actor)
		if other, ok := snap.Other(snap.Actor); ok {
			e.Deliver(other, protocol.MatchRejected(snap.RoomID, protocol.ReasonPartnerDisconnected))
		}
	}
}
