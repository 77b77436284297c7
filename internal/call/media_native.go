//go:build (linux || darwin || windows) && cgo

package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// probeNative reports whether a microphone is available by enumerating
// capture devices. Enumeration does not open a device; acquisition
// happens in Start.
func probeNative(cons MediaConstraints) MediaProvider {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			return &nativeProvider{cons: cons}
		}
	}
	return nil
}

// nativeProvider captures microphone audio with pion/mediadevices and
// encodes it as Opus. Mute is implemented by swapping the RTP sender's
// track out (ReplaceTrack does not renegotiate).
type nativeProvider struct {
	cons     MediaConstraints
	selector *mediadevices.CodecSelector

	mu     sync.Mutex
	tracks []mediadevices.Track
	audio  mediadevices.Track
	sender *webrtc.RTPSender
	muted  bool
	active bool
}

func (p *nativeProvider) Kind() ProviderKind { return ProviderNative }

func (p *nativeProvider) configure(engine *webrtc.MediaEngine) error {
	opusParams, err := opus.NewParams()
	if err != nil {
		return fmt.Errorf("call: opus params: %w", err)
	}
	p.selector = mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)
	p.selector.Populate(engine)
	return nil
}

func (p *nativeProvider) Start(pc PeerConn) error {
	// Echo cancellation, noise suppression and auto gain are capability
	// requests; the malgo capture backend exposes no toggles for them, so
	// they are accepted and left to the device/driver.
	_ = p.cons

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return fmt.Errorf("call: acquire microphone: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL: local track ended: %v", err)
			}
		})
		sender, err := pc.AddTrack(track)
		if err != nil {
			track.Close()
			return fmt.Errorf("call: add local track: %w", err)
		}
		p.tracks = append(p.tracks, track)
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			p.audio = track
			p.sender = sender
		}
	}
	if p.audio == nil {
		return fmt.Errorf("call: capture stream has no audio track")
	}
	p.active = true
	return nil
}

func (p *nativeProvider) SetMuted(muted bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || p.sender == nil {
		return false
	}
	var err error
	if muted {
		err = p.sender.ReplaceTrack(nil)
	} else {
		err = p.sender.ReplaceTrack(p.audio)
	}
	if err != nil {
		log.Printf("CALL: toggle mute: %v", err)
		return p.muted
	}
	p.muted = muted
	return p.muted
}

func (p *nativeProvider) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *nativeProvider) Stop() {
	p.mu.Lock()
	tracks := p.tracks
	p.tracks = nil
	p.active = false
	p.mu.Unlock()
	for _, t := range tracks {
		t.Close()
	}
}
