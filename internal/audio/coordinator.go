package audio

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/gavelio/auctionroom/internal/protocol"
	"github.com/gavelio/auctionroom/internal/session"
)

// PeerState is one peer entry's lifecycle.
type PeerState string

const (
	PeerConnecting PeerState = "connecting"
	PeerConnected  PeerState = "connected"
	PeerClosed     PeerState = "closed"
)

// Config carries the coordinator knobs.
type Config struct {
	SelfID int
	// Grace is how long after joining the coordinator waits before it
	// starts reaping peers that fell off the roster, so connections are
	// not torn down mid-negotiation.
	Grace time.Duration
}

type peer struct {
	id    int
	link  Link
	state PeerState
	track RemoteTrack
}

// Coordinator keeps exactly one peer connection per other connected
// roster entry. The side with the numerically lower identity initiates
// the offer, which keeps both ends of a pair from racing to originate.
type Coordinator struct {
	cfg     Config
	factory LinkFactory
	mic     Microphone
	out     Sender
	clock   clockwork.Clock

	mu          sync.Mutex
	peers       map[int]*peer
	roster      map[int]bool
	remoteMuted map[int]bool
	joined      bool
	joinedAt    time.Time
	muted       bool
	capture     CaptureTrack
	micErr      error
	closed      bool
}

// NewCoordinator builds a coordinator. It does nothing until Join.
func NewCoordinator(cfg Config, factory LinkFactory, mic Microphone, out Sender, clock clockwork.Clock) *Coordinator {
	if cfg.Grace <= 0 {
		cfg.Grace = 1500 * time.Millisecond
	}
	return &Coordinator{
		cfg:         cfg,
		factory:     factory,
		mic:         mic,
		out:         out,
		clock:       clock,
		peers:       make(map[int]*peer),
		roster:      make(map[int]bool),
		remoteMuted: make(map[int]bool),
	}
}

// Join acquires the microphone and opens connections to every connected
// participant already on the roster. A capture failure leaves the
// coordinator unjoined with a persistent error; auction state is
// unaffected.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.joined {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	capture, err := c.mic.Open(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.micErr = err
		log.Error().Err(err).Msg("microphone acquisition failed, audio disabled")
		return err
	}
	if c.closed {
		capture.Close()
		return nil
	}
	c.capture = capture
	c.capture.SetEnabled(!c.muted)
	c.micErr = nil
	c.joined = true
	c.joinedAt = c.clock.Now()
	c.ensurePeersLocked()
	log.Info().Int("self_id", c.cfg.SelfID).Msg("joined audio room")
	return nil
}

// Leave tears down every peer connection and releases the capture
// device. Idempotent.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	links := make([]Link, 0, len(c.peers))
	for id, p := range c.peers {
		links = append(links, p.link)
		p.state = PeerClosed
		delete(c.peers, id)
	}
	capture := c.capture
	c.capture = nil
	c.joined = false
	c.mu.Unlock()

	for _, link := range links {
		link.Close()
	}
	if capture != nil {
		capture.Close()
	}
}

// ToggleMute flips the local mute, enacts it on the outgoing track
// immediately, and broadcasts the new state. Returns the new muted
// value.
func (c *Coordinator) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	if c.capture != nil {
		c.capture.SetEnabled(!muted)
	}
	c.mu.Unlock()

	if frame, err := protocol.MuteFrame(c.cfg.SelfID, muted); err == nil {
		if err := c.out.Send(string(frame)); err != nil {
			log.Debug().Err(err).Msg("mute broadcast dropped, channel not open")
		}
	}
	return muted
}

// HandleSignal routes one addressed signaling frame. Frames not
// addressed to the local participant are ignored.
func (c *Coordinator) HandleSignal(sig protocol.Signal) {
	if sig.To != c.cfg.SelfID {
		return
	}

	switch sig.Type {
	case protocol.SignalOffer:
		c.handleOffer(sig)
	case protocol.SignalAnswer:
		c.handleAnswer(sig)
	case protocol.SignalICECandidate:
		c.handleCandidate(sig)
	}
}

// HandleMute records a broadcast mute announcement.
func (c *Coordinator) HandleMute(mc protocol.MuteChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteMuted[mc.ParticipantID] = mc.Muted
}

// RosterChanged reconciles the peer set against the roster: new
// connected participants get a connection, and participants gone from
// the roster are reaped once the post-join grace window has passed.
func (c *Coordinator) RosterChanged(peers []session.PeerInfo) {
	c.mu.Lock()
	c.roster = make(map[int]bool, len(peers))
	for _, p := range peers {
		c.roster[p.ID] = p.Connected
	}
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.ensurePeersLocked()

	var reap []int
	if c.clock.Since(c.joinedAt) > c.cfg.Grace {
		for id := range c.peers {
			if !c.roster[id] {
				reap = append(reap, id)
			}
		}
	}
	c.mu.Unlock()

	for _, id := range reap {
		log.Info().Int("remote_id", id).Msg("reaping peer for inactive participant")
		c.closePeer(id)
	}
}

// Shutdown is Leave plus a latch against re-joining.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Leave()
}

// Joined reports whether local capture is live.
func (c *Coordinator) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Muted reports the local mute state.
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// MicError returns the persistent capture-acquisition error, if any.
func (c *Coordinator) MicError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micErr
}

// RemoteMuted returns a copy of the broadcast mute map.
func (c *Coordinator) RemoteMuted() map[int]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]bool, len(c.remoteMuted))
	for id, m := range c.remoteMuted {
		out[id] = m
	}
	return out
}

// PeerSnapshot is one peer entry's observable state.
type PeerSnapshot struct {
	ID    int
	State PeerState
	Track RemoteTrack
}

// Peers returns the current peer entries.
func (c *Coordinator) Peers() []PeerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerSnapshot, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, PeerSnapshot{ID: p.id, State: p.state, Track: p.track})
	}
	return out
}

// ensurePeersLocked opens a connection for every connected roster entry
// that lacks one. Only the lower-identity side initiates the offer.
func (c *Coordinator) ensurePeersLocked() {
	for id, connected := range c.roster {
		if !connected || id == c.cfg.SelfID {
			continue
		}
		if _, exists := c.peers[id]; exists {
			continue
		}
		p := c.createPeerLocked(id)
		if p != nil && c.cfg.SelfID < id {
			go c.negotiateOffer(id, p.link)
		}
	}
}

func (c *Coordinator) createPeerLocked(id int) *peer {
	link, err := c.factory.NewLink(id, c.capture, c)
	if err != nil {
		log.Error().Err(err).Int("remote_id", id).Msg("failed to create peer connection")
		return nil
	}
	p := &peer{id: id, link: link, state: PeerConnecting}
	c.peers[id] = p
	log.Info().Int("remote_id", id).Msg("peer connection created")
	return p
}

// negotiateOffer runs off the caller's goroutine so a slow negotiation
// for one peer never delays anything else.
func (c *Coordinator) negotiateOffer(id int, link Link) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sd, err := link.Offer(ctx)
	if err != nil {
		log.Error().Err(err).Int("remote_id", id).Msg("offer negotiation failed")
		c.closePeer(id)
		return
	}
	c.sendSignal(protocol.SignalOffer, id, sd)
}

func (c *Coordinator) handleOffer(sig protocol.Signal) {
	var sd protocol.SessionDescription
	if err := json.Unmarshal(sig.Payload, &sd); err != nil || sd.SDP == "" {
		log.Debug().Int("from", sig.From).Msg("dropping malformed offer")
		return
	}

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		log.Debug().Int("from", sig.From).Msg("offer before audio join, dropping")
		return
	}
	p, ok := c.peers[sig.From]
	if !ok {
		p = c.createPeerLocked(sig.From)
	}
	c.mu.Unlock()
	if p == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		answer, err := p.link.Answer(ctx, sd)
		if err != nil {
			log.Error().Err(err).Int("remote_id", sig.From).Msg("answer negotiation failed")
			c.closePeer(sig.From)
			return
		}
		c.sendSignal(protocol.SignalAnswer, sig.From, answer)
	}()
}

func (c *Coordinator) handleAnswer(sig protocol.Signal) {
	var sd protocol.SessionDescription
	if err := json.Unmarshal(sig.Payload, &sd); err != nil || sd.SDP == "" {
		return
	}

	c.mu.Lock()
	p, ok := c.peers[sig.From]
	c.mu.Unlock()
	if !ok {
		log.Warn().Int("from", sig.From).Msg("answer for unknown peer")
		return
	}
	if err := p.link.AcceptAnswer(sd); err != nil {
		log.Error().Err(err).Int("remote_id", sig.From).Msg("failed to accept answer")
		c.closePeer(sig.From)
	}
}

func (c *Coordinator) handleCandidate(sig protocol.Signal) {
	var cand protocol.ICECandidate
	if err := json.Unmarshal(sig.Payload, &cand); err != nil || cand.Candidate == "" {
		return
	}

	c.mu.Lock()
	p, ok := c.peers[sig.From]
	c.mu.Unlock()
	if !ok {
		log.Warn().Int("from", sig.From).Msg("ice candidate for unknown peer")
		return
	}
	if err := p.link.AddCandidate(cand); err != nil {
		log.Debug().Err(err).Int("remote_id", sig.From).Msg("failed to add ice candidate")
	}
}

// OnCandidate implements LinkEvents: locally gathered candidates go to
// the remote side over the room channel.
func (c *Coordinator) OnCandidate(remoteID int, cand protocol.ICECandidate) {
	c.sendSignal(protocol.SignalICECandidate, remoteID, cand)
}

// OnTrack implements LinkEvents: the first remote media track marks the
// peer connected.
func (c *Coordinator) OnTrack(remoteID int, track RemoteTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[remoteID]
	if !ok {
		return
	}
	p.state = PeerConnected
	p.track = track
	log.Info().Int("remote_id", remoteID).Msg("remote audio track attached")
}

// OnStateChange implements LinkEvents: terminal transitions tear the
// single peer down; the entry may be recreated later if the roster
// re-qualifies it.
func (c *Coordinator) OnStateChange(remoteID int, terminal bool) {
	if terminal {
		c.closePeer(remoteID)
	}
}

// closePeer removes and closes one entry. The map removal happens under
// the lock and the link close outside it, so a Close that synchronously
// re-enters OnStateChange cannot deadlock.
func (c *Coordinator) closePeer(id int) {
	c.mu.Lock()
	p, ok := c.peers[id]
	if ok {
		p.state = PeerClosed
		delete(c.peers, id)
	}
	c.mu.Unlock()
	if ok {
		p.link.Close()
		log.Info().Int("remote_id", id).Msg("peer connection closed")
	}
}

func (c *Coordinator) sendSignal(typ string, to int, payload any) {
	sig := protocol.NewSignal(typ, c.cfg.SelfID, to, payload)
	data, err := json.Marshal(sig)
	if err != nil {
		return
	}
	if err := c.out.Send(string(data)); err != nil {
		log.Debug().Err(err).Str("type", typ).Int("to", to).Msg("signal dropped, channel not open")
	}
}
