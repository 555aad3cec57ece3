package peer

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// CallOrchestrator keeps the engine's peer set equal to the room roster
// while the local user is in-call. It owns the local media lifecycle; the
// engine owns the links.
type CallOrchestrator struct {
	engine *Engine
	media  LocalMedia

	mu     sync.Mutex
	inCall bool
	roster map[string]struct{}
}

func NewCallOrchestrator(engine *Engine, media LocalMedia) *CallOrchestrator {
	return &CallOrchestrator{
		engine: engine,
		media:  media,
		roster: make(map[string]struct{}),
	}
}

// SetRoster seeds the membership from the joined reply.
func (o *CallOrchestrator) SetRoster(users []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.roster = make(map[string]struct{}, len(users))
	for _, u := range users {
		o.roster[u] = struct{}{}
	}
}

// OnUserJoined tracks a new member and, while in-call, connects to it.
func (o *CallOrchestrator) OnUserJoined(peerID string) {
	o.mu.Lock()
	o.roster[peerID] = struct{}{}
	inCall := o.inCall
	o.mu.Unlock()

	if !inCall {
		return
	}
	if err := o.engine.Connect(peerID); err != nil {
		log.Error().Err(err).Str("module", "peer.call").Str("peer", peerID).Msg("connect to joiner")
	}
}

// OnUserLeft forgets the member and unconditionally tears its link down.
func (o *CallOrchestrator) OnUserLeft(peerID string) {
	o.mu.Lock()
	delete(o.roster, peerID)
	o.mu.Unlock()
	o.engine.ClosePeer(peerID)
}

// StartCall acquires local media and negotiates with every current member.
// Idempotent: a second call while in-call does nothing.
func (o *CallOrchestrator) StartCall() error {
	o.mu.Lock()
	if o.inCall {
		o.mu.Unlock()
		return nil
	}
	o.inCall = true
	members := make([]string, 0, len(o.roster))
	for id := range o.roster {
		members = append(members, id)
	}
	o.mu.Unlock()

	tracks, err := o.media.AcquireTracks()
	if err != nil {
		o.mu.Lock()
		o.inCall = false
		o.mu.Unlock()
		return err
	}
	o.engine.SetLocalTracks(tracks)

	for _, id := range members {
		if err := o.engine.Connect(id); err != nil {
			log.Error().Err(err).Str("module", "peer.call").Str("peer", id).Msg("connect")
		}
	}
	log.Info().Str("module", "peer.call").Int("peers", len(members)).Msg("call started")
	return nil
}

// EndCall releases local media and tears down every link. Idempotent.
func (o *CallOrchestrator) EndCall() {
	o.mu.Lock()
	if !o.inCall {
		o.mu.Unlock()
		return
	}
	o.inCall = false
	o.mu.Unlock()

	o.engine.CloseAll()
	o.engine.SetLocalTracks(nil)
	o.media.Release()
	log.Info().Str("module", "peer.call").Msg("call ended")
}

// InCall reports whether the local user currently participates in the call.
func (o *CallOrchestrator) InCall() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inCall
}
