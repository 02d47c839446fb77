package models

import (
	"errors"
	"fmt"
	"time"
)

// CallType is the media kind requested when a call is placed.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// CallStatus is the durable lifecycle status of a call record.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
	CallStatusRejected CallStatus = "rejected"
	CallStatusFailed   CallStatus = "failed"
)

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusRinging, CallStatusActive, CallStatusEnded, CallStatusRejected, CallStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further status change is allowed.
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusRejected || s == CallStatusFailed
}

// AudioMode is the client-local audio routing preference mirrored to the record.
type AudioMode string

const (
	AudioModeMic     AudioMode = "mic"
	AudioModeSpeaker AudioMode = "speaker"
)

// Valid reports whether m is a known audio mode.
func (m AudioMode) Valid() bool {
	return m == AudioModeMic || m == AudioModeSpeaker
}

// Toggle returns the other audio mode.
func (m AudioMode) Toggle() AudioMode {
	if m == AudioModeSpeaker {
		return AudioModeMic
	}
	return AudioModeSpeaker
}

var (
	ErrSDPAlreadySet     = errors.New("session description already set")
	ErrCallTerminated    = errors.New("call already terminated")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidUpdate     = errors.New("invalid call update")
)

// CallRecord is the durable row describing one call attempt
type CallRecord struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"room_id"`
	CallerID    string     `json:"caller_id"`
	ReceiverID  string     `json:"receiver_id"`
	CallType    CallType   `json:"call_type"`
	Status      CallStatus `json:"status"`
	AudioMode   AudioMode  `json:"audio_mode"`
	SDPOffer    string     `json:"sdp_offer,omitempty"`
	SDPAnswer   string     `json:"sdp_answer,omitempty"`
	InitiatedAt time.Time  `json:"initiated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Duration    int        `json:"duration,omitempty"` // seconds
}

// NewCallRecord builds a ringing record initiated at now.
func NewCallRecord(id, roomID, callerID, receiverID string, callType CallType, now time.Time) *CallRecord {
	return &CallRecord{
		ID:          id,
		RoomID:      roomID,
		CallerID:    callerID,
		ReceiverID:  receiverID,
		CallType:    callType,
		Status:      CallStatusRinging,
		AudioMode:   AudioModeMic,
		InitiatedAt: now,
		UpdatedAt:   now,
	}
}

// Participant reports whether userID is the caller or the receiver.
func (r *CallRecord) Participant(userID string) bool {
	return userID != "" && (r.CallerID == userID || r.ReceiverID == userID)
}

// PeerOf returns the other participant of the call.
func (r *CallRecord) PeerOf(userID string) string {
	if r.CallerID == userID {
		return r.ReceiverID
	}
	return r.CallerID
}

// Clone returns a deep copy of the record.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CallUpdate is a partial update of a call record. Nil fields are left alone.
type CallUpdate struct {
	Status    *CallStatus `json:"status,omitempty"`
	AudioMode *AudioMode  `json:"audio_mode,omitempty"`
	SDPOffer  *string     `json:"sdp_offer,omitempty"`
	SDPAnswer *string     `json:"sdp_answer,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Duration  *int        `json:"duration,omitempty"`
}

// StatusUpdate is shorthand for an update that only moves the status.
func StatusUpdate(status CallStatus) CallUpdate {
	return CallUpdate{Status: &status}
}

// canTransition reports whether a non-terminal status may move to next.
func (s CallStatus) canTransition(next CallStatus) bool {
	switch s {
	case CallStatusRinging:
		return next != CallStatusRinging
	case CallStatusActive:
		return next == CallStatusEnded || next == CallStatusFailed
	}
	return false
}

// Apply validates u against the record rules and applies it in place.
// Both session descriptions are write-once, terminal statuses are final and
// timestamps never move backwards. On error the record is left untouched.
func (r *CallRecord) Apply(u CallUpdate, now time.Time) error {
	next := r.Clone()

	if r.Status.Terminal() {
		if u.Status != nil && *u.Status == r.Status {
			return nil
		}
		return fmt.Errorf("%w: call %s is %s", ErrCallTerminated, r.ID, r.Status)
	}

	if u.SDPOffer != nil {
		if *u.SDPOffer == "" {
			return fmt.Errorf("%w: empty sdp_offer", ErrInvalidUpdate)
		}
		if r.SDPOffer != "" {
			return fmt.Errorf("%w: sdp_offer of call %s", ErrSDPAlreadySet, r.ID)
		}
		next.SDPOffer = *u.SDPOffer
	}
	if u.SDPAnswer != nil {
		if *u.SDPAnswer == "" {
			return fmt.Errorf("%w: empty sdp_answer", ErrInvalidUpdate)
		}
		if r.SDPAnswer != "" {
			return fmt.Errorf("%w: sdp_answer of call %s", ErrSDPAlreadySet, r.ID)
		}
		next.SDPAnswer = *u.SDPAnswer
	}
	if u.AudioMode != nil {
		if !u.AudioMode.Valid() {
			return fmt.Errorf("%w: audio_mode %q", ErrInvalidUpdate, *u.AudioMode)
		}
		next.AudioMode = *u.AudioMode
	}
	if u.Duration != nil {
		if *u.Duration < 0 {
			return fmt.Errorf("%w: negative duration", ErrInvalidUpdate)
		}
		next.Duration = *u.Duration
	}

	if u.Status != nil && *u.Status != r.Status {
		status := *u.Status
		if !status.Valid() {
			return fmt.Errorf("%w: status %q", ErrInvalidUpdate, status)
		}
		if !r.Status.canTransition(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
		}
		next.Status = status
	}

	if next.Status == CallStatusActive && next.StartedAt == nil {
		started := now
		if u.StartedAt != nil {
			started = *u.StartedAt
		}
		started = latest(started, next.InitiatedAt)
		next.StartedAt = &started
	}
	if next.Status.Terminal() && next.EndedAt == nil {
		ended := now
		if u.EndedAt != nil {
			ended = *u.EndedAt
		}
		ended = latest(ended, next.InitiatedAt)
		if next.StartedAt != nil {
			ended = latest(ended, *next.StartedAt)
		}
		next.EndedAt = &ended
	}
	next.UpdatedAt = latest(now, r.UpdatedAt)

	*r = *next
	return nil
}

func latest(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

// CreateCallRequest is the request body for creating a call record
type CreateCallRequest struct {
	ReceiverID string   `json:"receiverId" binding:"required"`
	CallType   CallType `json:"callType" binding:"required,oneof=voice video"`
}
