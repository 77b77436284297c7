// Package call establishes one real-time audio connection between two
// participants: it owns the peer connection, local media, the ICE
// candidate queue and the per-call signaling channel. Coupling to the
// transport is via signal.Relay only; coupling to the record store is via
// the RecordStore interface only.
package call

import "github.com/pion/webrtc/v4"

// Status is the externally observable state of a call.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusRinging // initiator only, offer sent and awaiting answer
	StatusConnected
	StatusFailed
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool { return s == StatusFailed || s == StatusEnded }

// Role determines which side produces the initial offer. Fixed at
// session construction.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Snapshot is one consistent view of a call, delivered to the observer on
// every state-affecting event. All fields reflect the same instant; the
// struct is copied out under the session lock and never mutated after.
type Snapshot struct {
	Status      Status
	Muted       bool
	LocalActive bool // local audio capture running
	RemoteTrack *webrtc.TrackRemote
	Err         string // set when Status == StatusFailed
}
