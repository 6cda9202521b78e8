// Package protocol defines the JSON frames exchanged on /ws/{user_id}.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type Type string

// Client to server.
const (
	TypeStartSearch  Type = "start_search"
	TypeStopSearch   Type = "stop_search"
	TypeApprove      Type = "approve"
	TypeReject       Type = "reject"
	TypeOffer        Type = "webrtc_offer"
	TypeAnswer       Type = "webrtc_answer"
	TypeICECandidate Type = "ice_candidate"
)

// Server to client. Offers and answers reuse the inbound type names.
const (
	TypeSearchStarted Type = "search_started"
	TypeSearching     Type = "searching"
	TypeSearchStopped Type = "search_stopped"
	TypeMatchFound    Type = "match_found"
	TypeTimeExpired   Type = "time_expired"
	TypeMatchSuccess  Type = "match_success"
	TypeMatchRejected Type = "match_rejected"
	TypeCandidate     Type = "webrtc_candidate"
	TypeError         Type = "error"
)

// SignalKind is the negotiation payload a relayed frame carries.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// OutboundType is the frame type the peer receives for a relayed signal.
func (k SignalKind) OutboundType() Type {
	return Type("webrtc_" + string(k))
}

const ReasonPartnerDisconnected = "partner_disconnected"

// Error codes sent in error frames.
const (
	CodeBadMessage  = "bad_message"
	CodeRateLimited = "rate_limited"
)

var (
	// ErrMalformed marks frames that are not a single JSON object.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrInvalid marks well-formed frames missing a required field.
	ErrInvalid = errors.New("protocol: invalid message")
)

// UserID decodes from either a JSON number or a numeric JSON string, since
// browser clients send both.
type UserID int64

func (id *UserID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("user id %q: %w", raw, err)
	}
	*id = UserID(v)
	return nil
}

// Inbound is a client frame. Unknown fields are ignored.
type Inbound struct {
	Type         Type            `json:"type"`
	RoomID       string          `json:"room_id,omitempty"`
	TargetUserID *UserID         `json:"target_user_id,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// ParseInbound decodes exactly one JSON object. Syntax errors wrap
// ErrMalformed; missing required fields wrap ErrInvalid. Unknown types are
// returned as-is for the caller to ignore.
func ParseInbound(data []byte) (Inbound, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var msg Inbound
	if err := dec.Decode(&msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Inbound{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	if err := msg.validate(); err != nil {
		return Inbound{}, err
	}
	return msg, nil
}

func (m Inbound) validate() error {
	switch m.Type {
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalid)
	case TypeApprove, TypeReject:
		if m.RoomID == "" {
			return fmt.Errorf("%w: %s missing room_id", ErrInvalid, m.Type)
		}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if _, payload, _ := m.Signal(); len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
			return fmt.Errorf("%w: %s missing payload", ErrInvalid, m.Type)
		}
	}
	return nil
}

// Signal returns the relayed payload of an offer, answer or candidate frame.
func (m Inbound) Signal() (SignalKind, json.RawMessage, bool) {
	switch m.Type {
	case TypeOffer:
		return SignalOffer, m.Offer, true
	case TypeAnswer:
		return SignalAnswer, m.Answer, true
	case TypeICECandidate:
		return SignalCandidate, m.Candidate, true
	default:
		return "", nil, false
	}
}

// Target returns the explicit recipient, if the frame names one.
func (m Inbound) Target() (int64, bool) {
	if m.TargetUserID == nil {
		return 0, false
	}
	return int64(*m.TargetUserID), true
}

// Outbound is a server frame. Every frame carries a human readable message.
type Outbound struct {
	Type    Type   `json:"type"`
	Message string `json:"message,omitempty"`

	RoomID    string `json:"room_id,omitempty"`
	PartnerID int64  `json:"partner_id,omitempty"`
	Reason    string `json:"reason,omitempty"`

	FromUserID int64           `json:"from_user_id,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`

	Code string `json:"code,omitempty"`
}

func SearchStarted() Outbound {
	return Outbound{Type: TypeSearchStarted, Message: "Search started."}
}

func Searching() Outbound {
	return Outbound{Type: TypeSearching, Message: "Looking for a partner..."}
}

func SearchStopped() Outbound {
	return Outbound{Type: TypeSearchStopped, Message: "Search stopped."}
}

func MatchFound(roomID string, partnerID int64) Outbound {
	return Outbound{
		Type:      TypeMatchFound,
		Message:   "Partner found. Preparing the call...",
		RoomID:    roomID,
		PartnerID: partnerID,
	}
}

func TimeExpired(roomID string) Outbound {
	return Outbound{Type: TypeTimeExpired, Message: "Time is up. You can search again.", RoomID: roomID}
}

func MatchSuccess(roomID string) Outbound {
	return Outbound{
		Type:    TypeMatchSuccess,
		Message: "You liked each other. The call can continue.",
		RoomID:  roomID,
	}
}

func MatchRejected(roomID, reason string) Outbound {
	msg := "Your partner decided to keep searching."
	if reason == ReasonPartnerDisconnected {
		msg = "Your partner disconnected."
	}
	return Outbound{Type: TypeMatchRejected, Message: msg, RoomID: roomID, Reason: reason}
}

// Relayed wraps payload for delivery to the peer. The payload is copied
// through unparsed.
func Relayed(kind SignalKind, from int64, payload json.RawMessage) Outbound {
	out := Outbound{
		Type:       kind.OutboundType(),
		Message:    "Signal from partner.",
		FromUserID: from,
	}
	switch kind {
	case SignalOffer:
		out.Offer = payload
	case SignalAnswer:
		out.Answer = payload
	case SignalCandidate:
		out.Candidate = payload
	}
	return out
}

func Error(code, message string) Outbound {
	return Outbound{Type: TypeError, Code: code, Message: message}
}
