package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/leaspb/Realtime-Messenger/internal/domain"
	"github.com/leaspb/Realtime-Messenger/internal/protocol"
)

// handleRelay forwards an offer, answer or candidate to its target channel,
// stamping caller with the authenticated sender id. A candidate aimed at a
// peer that already left gets no error reply: the remote side cannot act on
// an error about a stale candidate, so it is logged and dropped instead.
// Every other routing failure is answered, candidates included.
func (ch *channel) handleRelay(env protocol.Envelope) {
	ctl := ch.ctl
	candidate := env.Type == protocol.TypeCandidate

	fail := func(code string) {
		if candidate && code == protocol.ErrTargetNotFound {
			log.Warn().Str("module", "signal").Str("sid", string(ch.sid)).Str("target", env.Target).Str("reason", code).Msg("candidate dropped")
			return
		}
		log.Warn().Str("module", "signal").Str("sid", string(ch.sid)).Str("target", env.Target).Str("reason", code).Str("type", env.Type).Msg("relay rejected")
		ctl.sendJSON(ch.conn, protocol.NewError(code))
	}

	if env.Target == "" {
		fail(protocol.ErrUnknownTarget)
		return
	}

	sender, ok := ctl.reg.Lookup(ch.sid)
	if !ok {
		ctl.sendJSON(ch.conn, protocol.NewError(protocol.ErrNotJoined))
		return
	}
	target, ok := ctl.reg.Lookup(domain.SessionID(env.Target))
	if !ok {
		fail(protocol.ErrTargetNotFound)
		return
	}
	if target.Session.RoomID != sender.Session.RoomID {
		fail(protocol.ErrCrossRoom)
		return
	}

	// Forward the envelope verbatim except for the caller stamp.
	env.Caller = string(ch.sid)
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("relay marshal")
		return
	}
	if err := target.Channel.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("target", env.Target).Msg("relay send failed, pruning")
		ctl.eject(target.Session.ID)
	}
}
