package model

import (
	"encoding/json"
	"time"
)

// CallStatus is the per-peer call lifecycle state. Values are stable
// because they show up in logs and status dumps.
type CallStatus string

const (
	CallStatusIdle    CallStatus = "idle"
	CallStatusCalling CallStatus = "calling"
	CallStatusRinging CallStatus = "ringing"
	CallStatusInCall  CallStatus = "in_call"
)

// Peer is one connected client. ConnectionID is transport-assigned and
// never reused. CounterpartID is a lookup key into the registry, empty
// whenever CallStatus is idle.
type Peer struct {
	ConnectionID  string
	DisplayName   string
	CallStatus    CallStatus
	CounterpartID string
	JoinedAt      time.Time
}

// EventKind names every message that crosses the websocket boundary.
// The router switches exhaustively over the inbound subset; adding a
// kind means adding a case there.
type EventKind string

// Inbound (client to server) kinds.
const (
	KindRegister     EventKind = "register"
	KindGetUsers     EventKind = "get_users"
	KindCallUser     EventKind = "call_user"
	KindAcceptCall   EventKind = "accept_call"
	KindRejectCall   EventKind = "reject_call"
	KindEndCall      EventKind = "end_call"
	KindOffer        EventKind = "offer"
	KindAnswer       EventKind = "answer"
	KindICECandidate EventKind = "ice_candidate"
	KindSendMessage  EventKind = "send_message"
)

// Outbound (server to client) kinds. Offer, answer and ice_candidate
// are mirrored back under their inbound names.
const (
	KindConnected      EventKind = "connected"
	KindRegistered     EventKind = "registered"
	KindUserList       EventKind = "user_list"
	KindUserJoined     EventKind = "user_joined"
	KindUserLeft       EventKind = "user_left"
	KindCallInitiated  EventKind = "call_initiated"
	KindIncomingCall   EventKind = "incoming_call"
	KindCallAccepted   EventKind = "call_accepted"
	KindCallRejected   EventKind = "call_rejected"
	KindCallEnded      EventKind = "call_ended"
	KindCallError      EventKind = "call_error"
	KindReceiveMessage EventKind = "receive_message"
)

// Event is the wire envelope. SRC is assigned by the websocket session
// from the connection identity; a value sent by the client is discarded.
// Data stays opaque until a handler picks a payload shape for it.
type Event struct {
	Kind EventKind       `json:"event"`
	SRC  string          `json:"-"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads.
type (
	RegisterPayload struct {
		DisplayName string `json:"display_name"`
	}

	CallUserPayload struct {
		TargetID string `json:"target_id"`
	}

	CallAnswerPayload struct {
		CallerID string `json:"caller_id"`
	}

	// RelayPayload is shared by offer, answer and ice_candidate.
	// Payload is forwarded byte-for-byte, never parsed.
	RelayPayload struct {
		TargetID string          `json:"target_id"`
		Payload  json.RawMessage `json:"payload"`
	}

	SendMessagePayload struct {
		TargetID string `json:"target_id"`
		Text     string `json:"text"`
	}
)

// Outbound payloads.
type (
	UserEntry struct {
		ConnectionID string `json:"connection_id"`
		DisplayName  string `json:"display_name"`
	}

	RegisteredPayload struct {
		ConnectionID string `json:"connection_id"`
	}

	UserListPayload struct {
		Users []UserEntry `json:"users"`
	}

	UserLeftPayload struct {
		ConnectionID string `json:"connection_id"`
	}

	CallInitiatedPayload struct {
		TargetID string `json:"target_id"`
	}

	IncomingCallPayload struct {
		CallerID   string `json:"caller_id"`
		CallerName string `json:"caller_name"`
	}

	CallAcceptedPayload struct {
		CalleeID string `json:"callee_id"`
	}

	CallRejectedPayload struct {
		CalleeID string `json:"callee_id"`
	}

	CallEndedPayload struct {
		PeerID string `json:"peer_id"`
	}

	CallErrorPayload struct {
		Reason string `json:"reason"`
	}

	RelayOutPayload struct {
		FromID  string          `json:"from_id"`
		Payload json.RawMessage `json:"payload"`
	}

	ReceiveMessagePayload struct {
		FromID string `json:"from_id"`
		Text   string `json:"text"`
	}
)

// NewEvent wraps payload into an envelope. Marshalling the payload
// structs above cannot fail; the error return covers anything else.
func NewEvent(kind EventKind, payload any) (Event, error) {
	if payload == nil {
		return Event{Kind: kind}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Data: b}, nil
}

// Wire is a bidirectional event pipe between one websocket session and
// the hub. RX carries client events in, TX carries hub events out.
type Wire struct {
	RX chan Event
	TX chan Event
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Event),
		TX: make(chan Event),
	}
}
