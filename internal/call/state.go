package call

import (
	"errors"

	"github.com/mossy-p/webrtc-calling/internal/media"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/mossy-p/webrtc-calling/internal/peer"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
)

// Events reported through Callbacks.OnCallEvent.
const (
	EventCallEnded          = "call_ended"
	EventCallRejected       = "call_rejected"
	EventCallFailed         = "call_failed"
	EventDurationUpdate     = "call_duration_update"
	EventRemoteMuteToggled  = "remote_mute_toggled"
	EventRemoteVideoToggled = "remote_video_toggled"
)

// Reasons attached to end events.
const (
	ReasonLocalHangup    = "local_hangup"
	ReasonRemoteHangup   = "remote_hangup"
	ReasonRejected       = "rejected"
	ReasonNoAnswer       = "no_answer"
	ReasonConnectionLost = "connection_lost"
	ReasonSetupFailed    = "setup_failed"
)

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrNotInCall      = errors.New("not in a call")
	ErrNoLocalStream  = errors.New("no local media stream")
	ErrSessionEnded   = errors.New("call ended during setup")
	ErrCallNotRinging = errors.New("call is not ringing")
	ErrInvalidPeer    = errors.New("invalid call peer")
	ErrSessionClosed  = errors.New("session closed")
	ErrNoOffer        = errors.New("no offer received for accepted call")
)

// Callbacks is the UI surface of a session. Every callback runs on one
// notifier goroutine in the order the session produced it; nil callbacks
// are skipped.
type Callbacks struct {
	OnCallStateChange   func(State)
	OnRemoteStream      func(*media.RemoteStream)
	OnCallQualityUpdate func(peer.Stats)
	OnCallEvent         func(name string, data map[string]any)
	OnAudioRouteChange  func(models.AudioMode)
}
