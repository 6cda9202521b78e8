package matchmaker

import (
	"encoding/json"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/protocol"
)

// Relay forwards a negotiation payload from id without inspecting it. The
// recipient is target when hasTarget is set, otherwise id's current partner.
// It reports whether the payload was delivered.
func (e *Engine) Relay(id int64, kind protocol.SignalKind, target int64, hasTarget bool, payload json.RawMessage) bool {
	partner, hasPartner := e.partnerOf(id)

	recipient := partner
	switch {
	case hasTarget && !e.relayAnyTarget && (!hasPartner || target != partner):
		return e.dropSignal(id, kind, "target is not the current partner")
	case hasTarget:
		recipient = target
	case !hasPartner:
		return e.dropSignal(id, kind, "no partner")
	}
	if recipient == id {
		return e.dropSignal(id, kind, "target is the sender")
	}

	if !e.Deliver(recipient, protocol.Relayed(kind, id, payload)) {
		return e.dropSignal(id, kind, "recipient not connected")
	}
	e.metrics.Inc(metrics.SignalRelayed)
	return true
}

func (e *Engine) partnerOf(id int64) (int64, bool) {
	e.mu.Lock()
	sess := e.byParticipant[id]
	e.mu.Unlock()
	if sess == nil {
		return 0, false
	}
	a, b := sess.Participants()
	if a == id {
		return b, true
	}
	return a, true
}

func (e *Engine) dropSignal(id int64, kind protocol.SignalKind, reason string) bool {
	e.metrics.Inc(metrics.SignalDropped)
	e.log.Debug("signal dropped", "user_id", id, "kind", kind, "reason", reason)
	return false
}
