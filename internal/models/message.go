package models

import (
	"encoding/json"
	"fmt"
)

// SignalType represents the type of signaling message
type SignalType string

const (
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeICECandidate SignalType = "ice_candidate"
	SignalTypeCallEvent    SignalType = "call_event"
	SignalTypeIncomingCall SignalType = "incoming_call"
	SignalTypeSubscribe    SignalType = "subscribe"
	SignalTypeUnsubscribe  SignalType = "unsubscribe"
	SignalTypeError        SignalType = "error"
)

// Relayed reports whether messages of this type travel between peers on a
// call channel.
func (t SignalType) Relayed() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate, SignalTypeCallEvent:
		return true
	}
	return false
}

// Call events exchanged between the two participants.
const (
	CallEventEnded            = "call_ended"
	CallEventRejected         = "call_rejected"
	CallEventMuteToggled      = "mute_toggled"
	CallEventVideoToggled     = "video_toggled"
	CallEventAudioModeChanged = "audio_mode_changed"
)

// SignalMessage is the envelope carried on a call's signaling channel
type SignalMessage struct {
	Type    SignalType      `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	CallID  string          `json:"callId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewSignalMessage marshals payload into a message envelope.
func NewSignalMessage(kind SignalType, callID, from, to string, payload any) (SignalMessage, error) {
	msg := SignalMessage{Type: kind, CallID: callID, From: from, To: to}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return msg, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m SignalMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message without payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// SessionDescription is a serialized SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled network path descriptor.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallEvent is a discrete notification between the two participants.
type CallEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}
