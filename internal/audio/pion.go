package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/gavelio/auctionroom/internal/protocol"
)

// PionFactory builds pion-backed peer connections.
type PionFactory struct {
	config webrtc.Configuration
}

// NewPionFactory builds a factory using the given ICE servers.
func NewPionFactory(servers []webrtc.ICEServer) *PionFactory {
	return &PionFactory{config: webrtc.Configuration{ICEServers: servers}}
}

// NewLink implements LinkFactory.
func (f *PionFactory) NewLink(remoteID int, local CaptureTrack, events LinkEvents) (Link, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}

	if local != nil {
		if _, err := pc.AddTrack(local.TrackLocal()); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		events.OnCandidate(remoteID, protocol.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		events.OnTrack(remoteID, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Int("remote_id", remoteID).Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			events.OnStateChange(remoteID, true)
		default:
			events.OnStateChange(remoteID, false)
		}
	})

	return &pionLink{pc: pc}, nil
}

type pionLink struct {
	pc *webrtc.PeerConnection
}

func (l *pionLink) Offer(ctx context.Context) (protocol.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *pionLink) Answer(ctx context.Context, remote protocol.SessionDescription) (protocol.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(remote.Type),
		SDP:  remote.SDP,
	}); err != nil {
		return protocol.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *pionLink) AcceptAnswer(remote protocol.SessionDescription) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(remote.Type),
		SDP:  remote.SDP,
	})
}

func (l *pionLink) AddCandidate(c protocol.ICECandidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

// SampleSource yields one encoded audio frame per call, blocking for
// the frame duration.
type SampleSource func() (media.Sample, error)

// opusSilence is a minimal opus frame decoding to silence, written
// while muted so the track keeps its timing.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// Silence returns a source producing 20ms opus silence frames, for
// environments without a capture device.
func Silence() SampleSource {
	return func() (media.Sample, error) {
		time.Sleep(20 * time.Millisecond)
		return media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}, nil
	}
}

// StaticMicrophone adapts a SampleSource to the Microphone interface.
type StaticMicrophone struct {
	source SampleSource
}

// NewStaticMicrophone builds a microphone backed by the given source.
// A nil source falls back to silence.
func NewStaticMicrophone(source SampleSource) *StaticMicrophone {
	if source == nil {
		source = Silence()
	}
	return &StaticMicrophone{source: source}
}

// Open implements Microphone. The returned track pumps samples until
// closed, substituting silence while disabled.
func (m *StaticMicrophone) Open(ctx context.Context) (CaptureTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "auctionroom",
	)
	if err != nil {
		return nil, err
	}
	t := &sampleTrack{
		local:   local,
		source:  m.source,
		enabled: true,
		done:    make(chan struct{}),
	}
	go t.pump()
	return t, nil
}

type sampleTrack struct {
	local  *webrtc.TrackLocalStaticSample
	source SampleSource

	mu      sync.Mutex
	enabled bool

	done      chan struct{}
	closeOnce sync.Once
}

func (t *sampleTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *sampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *sampleTrack) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *sampleTrack) pump() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		sample, err := t.source()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("capture source stopped")
			}
			return
		}

		t.mu.Lock()
		enabled := t.enabled
		t.mu.Unlock()
		if !enabled {
			sample = media.Sample{Data: opusSilence, Duration: sample.Duration}
		}

		if err := t.local.WriteSample(sample); err != nil {
			log.Debug().Err(err).Msg("sample write failed")
			return
		}
	}
}
