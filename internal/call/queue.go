package call

import "github.com/pion/webrtc/v4"

// candidateQueue buffers remote ICE candidates that arrive before the
// remote description is known. The relay guarantees no ordering across
// message types, so a candidate can race ahead of the offer or answer it
// belongs to; pion rejects AddICECandidate until a remote description is
// set.
//
// Not safe for concurrent use on its own — the owning session serializes
// all access behind its mutex.
type candidateQueue struct {
	pc      PeerConn
	pending []candidate
}

// candidate pairs the wire fields pion needs for AddICECandidate.
type candidate struct {
	text          string
	sdpMid        string
	sdpMLineIndex uint16
}

func newCandidateQueue(pc PeerConn) *candidateQueue {
	return &candidateQueue{pc: pc}
}

// enqueueOrApply applies cand immediately when the peer connection
// already has a remote description, otherwise buffers it for flush. The
// remote-description check happens at call time, never cached, so a
// candidate arriving after flush naturally takes the immediate path.
func (q *candidateQueue) enqueueOrApply(cand candidate) error {
	if q.pc.RemoteDescription() == nil {
		q.pending = append(q.pending, cand)
		return nil
	}
	return q.pc.AddICECandidate(cand.toInit())
}

// flush applies every buffered candidate in arrival order and clears the
// buffer. Called once, immediately after SetRemoteDescription succeeds.
// A candidate the peer connection rejects is skipped, not retried; the
// first error is reported after the rest have been applied.
func (q *candidateQueue) flush() error {
	var firstErr error
	for _, cand := range q.pending {
		if err := q.pc.AddICECandidate(cand.toInit()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.pending = nil
	return firstErr
}

func (c candidate) toInit() webrtc.ICECandidateInit {
	mid := c.sdpMid
	idx := c.sdpMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     c.text,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
