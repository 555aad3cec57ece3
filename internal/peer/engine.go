package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Engine runs perfect negotiation against every remote peer of the local
// session. Links are created lazily: when the orchestrator wants a peer, or
// when an offer arrives from one.
type Engine struct {
	localID        string
	sender         SignalSender
	sink           MediaSink
	newTransport   TransportFactory
	reconnectDelay time.Duration

	mu          sync.Mutex
	links       map[string]*link
	localTracks []webrtc.TrackLocal
}

func NewEngine(localID string, sender SignalSender, sink MediaSink, factory TransportFactory, reconnectDelay time.Duration) *Engine {
	return &Engine{
		localID:        localID,
		sender:         sender,
		sink:           sink,
		newTransport:   factory,
		reconnectDelay: reconnectDelay,
		links:          make(map[string]*link),
	}
}

// SetLocalTracks replaces the set of local tracks attached to every new or
// renegotiated link. Existing links pick them up on their next negotiation.
func (e *Engine) SetLocalTracks(tracks []webrtc.TrackLocal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localTracks = tracks
}

func (e *Engine) lookup(peerID string) *link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[peerID]
}

// ensure returns the link for peerID, creating transport and callbacks on
// first use.
func (e *Engine) ensure(peerID string) (*link, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.links[peerID]; ok {
		return l, nil
	}

	t, err := e.newTransport(peerID)
	if err != nil {
		return nil, fmt.Errorf("transport for %s: %w", peerID, err)
	}
	l := newLink(peerID, t, e.localID < peerID)
	e.links[peerID] = l

	t.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		if err := e.sender.SendCandidate(peerID, cand); err != nil {
			log.Warn().Err(err).Str("module", "peer.engine").Str("peer", peerID).Msg("send candidate")
		}
	})
	t.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "peer.engine").Str("peer", peerID).Str("kind", track.Kind().String()).Msg("remote track")
		e.sink.AttachRemoteMedia(peerID, track)
	})
	t.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.onConnectionState(l, s)
	})

	log.Info().Str("module", "peer.engine").Str("peer", peerID).Bool("polite", l.polite).Msg("link created")
	return l, nil
}

// Connect ensures a link to peerID, attaches the local tracks and starts a
// negotiation. Used on call start and when a member joins mid-call.
func (e *Engine) Connect(peerID string) error {
	l, err := e.ensure(peerID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.attachTracksLocked(l)
	return e.negotiateLocked(l, nil)
}

// negotiateLocked creates and sends an offer. makingOffer is cleared on
// every exit path so a failed offer cannot wedge glare detection.
func (e *Engine) negotiateLocked(l *link, opts *webrtc.OfferOptions) error {
	if l.state == linkClosed {
		return nil
	}
	l.makingOffer = true
	defer func() { l.makingOffer = false }()

	offer, err := l.transport.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", l.peerID, err)
	}
	if err := l.transport.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", l.peerID, err)
	}
	l.state = linkOffering
	return e.sender.SendOffer(l.peerID, offer)
}

// HandleOffer runs the inbound half of perfect negotiation. On glare the
// polite side rolls back its own in-flight offer and accepts; the impolite
// side drops the frame entirely and lets the remote's politeness resolve it.
func (e *Engine) HandleOffer(caller string, sdp webrtc.SessionDescription) error {
	l, err := e.ensure(caller)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == linkClosed {
		return nil
	}

	collision := l.makingOffer || l.transport.SignalingState() != webrtc.SignalingStateStable
	l.ignoreOffer = !l.polite && collision
	if l.ignoreOffer {
		log.Info().Str("module", "peer.engine").Str("peer", caller).Msg("glare: impolite side ignoring offer")
		return nil
	}
	if collision {
		log.Info().Str("module", "peer.engine").Str("peer", caller).Msg("glare: polite side rolling back")
		if err := l.transport.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rollback for %s: %w", caller, err)
		}
	}

	if err := l.transport.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote offer from %s: %w", caller, err)
	}
	e.attachTracksLocked(l)
	for _, ferr := range l.flushCandidatesLocked() {
		log.Warn().Err(ferr).Str("module", "peer.engine").Str("peer", caller).Msg("flush candidate")
	}

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", caller, err)
	}
	if err := l.transport.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", caller, err)
	}
	l.state = linkStable
	return e.sender.SendAnswer(caller, answer)
}

// HandleAnswer completes a negotiation this side initiated. An answer with
// no pending local offer is logged and ignored.
func (e *Engine) HandleAnswer(caller string, sdp webrtc.SessionDescription) error {
	l := e.lookup(caller)
	if l == nil {
		log.Warn().Str("module", "peer.engine").Str("peer", caller).Msg("answer for unknown peer, dropping")
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == linkClosed {
		return nil
	}
	if l.transport.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Warn().Str("module", "peer.engine").Str("peer", caller).Msg("answer without pending offer, dropping")
		return nil
	}

	if err := l.transport.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote answer from %s: %w", caller, err)
	}
	l.state = linkStable
	for _, ferr := range l.flushCandidatesLocked() {
		log.Warn().Err(ferr).Str("module", "peer.engine").Str("peer", caller).Msg("flush candidate")
	}
	return nil
}

// HandleCandidate applies a remote candidate, buffering it while no remote
// description exists yet. Candidates for unknown peers are dropped: a
// candidate never creates a link.
func (e *Engine) HandleCandidate(caller string, cand webrtc.ICECandidateInit) {
	l := e.lookup(caller)
	if l == nil {
		log.Warn().Str("module", "peer.engine").Str("peer", caller).Msg("candidate for unknown peer, dropping")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == linkClosed {
		return
	}

	if l.transport.RemoteDescription() == nil {
		l.bufferCandidateLocked(cand)
		return
	}
	if err := l.transport.AddICECandidate(cand); err != nil {
		// Candidates from an offer we deliberately ignored may fail to
		// apply; that is part of glare resolution, not an error.
		if !l.ignoreOffer {
			log.Warn().Err(err).Str("module", "peer.engine").Str("peer", caller).Msg("add candidate")
		}
	}
}

// onConnectionState reacts to transport connectivity reports. A short timer
// absorbs brief blips before an ICE restart; failed restarts immediately;
// closed tears the link down.
func (e *Engine) onConnectionState(l *link, s webrtc.PeerConnectionState) {
	l.mu.Lock()
	l.lastConn = s
	if l.state == linkClosed {
		l.mu.Unlock()
		return
	}
	log.Info().Str("module", "peer.engine").Str("peer", l.peerID).Str("state", s.String()).Msg("connection state")

	switch s {
	case webrtc.PeerConnectionStateDisconnected:
		l.cancelReconnectLocked()
		l.reconnect = time.AfterFunc(e.reconnectDelay, func() { e.tryRecover(l) })
		l.mu.Unlock()
	case webrtc.PeerConnectionStateFailed:
		l.cancelReconnectLocked()
		l.mu.Unlock()
		e.tryRecover(l)
	case webrtc.PeerConnectionStateClosed:
		l.mu.Unlock()
		e.ClosePeer(l.peerID)
	default:
		l.cancelReconnectLocked()
		l.mu.Unlock()
	}
}

// tryRecover sends an ICE-restart offer if the link is still degraded.
func (e *Engine) tryRecover(l *link) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == linkClosed {
		return
	}
	if l.lastConn != webrtc.PeerConnectionStateDisconnected && l.lastConn != webrtc.PeerConnectionStateFailed {
		return
	}
	log.Info().Str("module", "peer.engine").Str("peer", l.peerID).Msg("attempting ice restart")
	if err := e.negotiateLocked(l, &webrtc.OfferOptions{ICERestart: true}); err != nil {
		log.Error().Err(err).Str("module", "peer.engine").Str("peer", l.peerID).Msg("ice restart")
	}
}

// attachTracksLocked adds the engine's local tracks to the link, once each.
func (e *Engine) attachTracksLocked(l *link) {
	e.mu.Lock()
	tracks := e.localTracks
	e.mu.Unlock()

	for _, track := range tracks {
		if l.attached[track.ID()] {
			continue
		}
		if _, err := l.transport.AddTrack(track); err != nil {
			log.Error().Err(err).Str("module", "peer.engine").Str("peer", l.peerID).Msg("add track")
			continue
		}
		l.attached[track.ID()] = true
	}
}

// ClosePeer tears down the link to one peer: pending recovery cancelled
// synchronously, transport released, sink detached. Idempotent.
func (e *Engine) ClosePeer(peerID string) {
	e.mu.Lock()
	l, ok := e.links[peerID]
	if ok {
		delete(e.links, peerID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	l.mu.Lock()
	if l.state == linkClosed {
		l.mu.Unlock()
		return
	}
	l.state = linkClosed
	l.cancelReconnectLocked()
	l.pendingRemote = nil
	l.mu.Unlock()

	if err := l.transport.Close(); err != nil {
		log.Warn().Err(err).Str("module", "peer.engine").Str("peer", peerID).Msg("transport close")
	}
	e.sink.DetachRemoteMedia(peerID)
	log.Info().Str("module", "peer.engine").Str("peer", peerID).Msg("link closed")
}

// CloseAll tears down every link; used on call end and channel shutdown.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.links))
	for id := range e.links {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.ClosePeer(id)
	}
}

// Peers reports the ids of the currently linked peers.
func (e *Engine) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.links))
	for id := range e.links {
		out = append(out, id)
	}
	return out
}
