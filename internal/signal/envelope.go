// Package signal carries call-setup messages between two participants
// over a topic-scoped pub/sub relay. The wire format is a JSON envelope
// {type, data, from}; the relay provides no delivery acknowledgment and
// no cross-type ordering, so consumers must tolerate duplicates and
// early-arriving candidates.
package signal

import (
	"encoding/json"
	"fmt"
)

// Topic naming — both participants derive the same topic from the call ID
// (or peer ID for the request inbox) with no discovery step.
const (
	TopicCallPrefix = "call:"
	TopicPeerPrefix = "peer:"
)

// CallTopic returns the relay topic for one call's signaling.
func CallTopic(callID string) string { return TopicCallPrefix + callID }

// PeerTopic returns the inbox topic a participant listens on for
// incoming call requests.
func PeerTopic(participantID string) string { return TopicPeerPrefix + participantID }

// Signal type constants — value of the Type field in every envelope.
const (
	TypeRequest = "call-request"  // caller → callee inbox: invite to a call
	TypeAccept  = "call-accept"   // responder → initiator: subscribed and ready for the offer
	TypeOffer   = "call-offer"    // initiator → responder: SDP offer
	TypeAnswer  = "call-answer"   // responder → initiator: SDP answer
	TypeICE     = "ice-candidate" // either direction, trickle
	TypeHangup  = "call-hangup"   // either side, any time
)

// Envelope wraps one signaling message on the relay. From carries the
// sender's participant ID so receivers can discard their own echoes.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	From string          `json:"from"`
}

// RequestPayload invites the remote participant to join a call.
type RequestPayload struct {
	CallID string `json:"call_id"`
}

// OfferPayload carries the SDP offer from the initiator.
type OfferPayload struct {
	SDP string `json:"sdp"`
}

// AnswerPayload carries the SDP answer back to the initiator.
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// ICEPayload carries one trickle ICE candidate.
type ICEPayload struct {
	Candidate ICECandidateInit `json:"candidate"`
}

// AcceptPayload tells the initiator the responder is subscribed on the
// call topic. The relay buffers nothing for absent subscribers, so the
// offer must not be broadcast before this arrives.
type AcceptPayload struct{}

// HangupPayload ends the call. Empty on purpose; receivers treat
// duplicates as no-ops.
type HangupPayload struct{}

// Encode marshals a typed payload into an envelope ready for the relay.
func Encode(typ string, payload any, from string) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("signal: marshal %s payload: %w", typ, err)
		}
		data = b
	}
	b, err := json.Marshal(Envelope{Type: typ, Data: data, From: from})
	if err != nil {
		return nil, fmt.Errorf("signal: marshal envelope: %w", err)
	}
	return b, nil
}

// Decode parses an envelope off the wire.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("signal: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("signal: envelope without type")
	}
	return env, nil
}
