// Package audio maintains the peer voice mesh: one connection per other
// connected participant, with signaling exchanged over the room channel.
package audio

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/gavelio/auctionroom/internal/protocol"
)

// Link is one negotiated peer connection. The production implementation
// wraps pion; tests substitute fakes so peer lifecycle is checkable
// without a network.
type Link interface {
	// Offer creates and installs the local offer.
	Offer(ctx context.Context) (protocol.SessionDescription, error)
	// Answer installs the remote offer and returns the local answer.
	Answer(ctx context.Context, remote protocol.SessionDescription) (protocol.SessionDescription, error)
	// AcceptAnswer installs the remote answer to a sent offer.
	AcceptAnswer(remote protocol.SessionDescription) error
	// AddCandidate adds one remote ICE candidate.
	AddCandidate(c protocol.ICECandidate) error
	Close() error
}

// LinkEvents receives the asynchronous per-peer connection events.
type LinkEvents interface {
	OnCandidate(remoteID int, c protocol.ICECandidate)
	OnTrack(remoteID int, track RemoteTrack)
	// OnStateChange fires on lifecycle transitions; terminal means
	// failed, closed or disconnected.
	OnStateChange(remoteID int, terminal bool)
}

// LinkFactory builds one Link per remote participant, with the local
// capture track attached when present.
type LinkFactory interface {
	NewLink(remoteID int, local CaptureTrack, events LinkEvents) (Link, error)
}

// RemoteTrack is the received media track of one peer.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
}

// CaptureTrack is the locally captured outgoing audio. SetEnabled is the
// mute switch: disabling must take effect immediately and locally,
// independent of any remote acknowledgement.
type CaptureTrack interface {
	TrackLocal() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Close() error
}

// Microphone acquires the local audio capture device.
type Microphone interface {
	Open(ctx context.Context) (CaptureTrack, error)
}

// Sender is the write half of the room channel, used for signaling and
// mute broadcasts.
type Sender interface {
	Send(frame string) error
}
