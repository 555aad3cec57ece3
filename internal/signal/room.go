package signal

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leaspb/Realtime-Messenger/internal/domain"
	"github.com/leaspb/Realtime-Messenger/internal/protocol"
)

func (ch *channel) handleJoin(env protocol.Envelope) {
	ctl := ch.ctl

	sid, err := ctl.reg.Register(ch.conn, env.Username, env.RoomID)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("room", env.RoomID).Msg("join rejected")
		ctl.sendJSON(ch.conn, protocol.NewError(protocol.ErrInvalidInput))
		return
	}
	ch.sid = sid
	room := domain.RoomID(env.RoomID)

	// Joined sessions are swept over ping/pong instead.
	_ = ch.conn.conn.SetReadDeadline(time.Time{})

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", env.RoomID).Str("username", env.Username).Msg("join")

	// The reply lists the membership as it was just before this join.
	others := ctl.reg.MembersOf(room, sid)
	users := make([]string, 0, len(others))
	for _, m := range others {
		users = append(users, string(m.Session.ID))
	}
	ctl.sendJSON(ch.conn, protocol.NewJoined(string(sid), users))

	ctl.broadcast(room, sid, protocol.NewUserJoined(string(sid), env.Username))
}

// broadcast fans a frame out to every room member except excluding. A member
// whose channel rejects the send is stale: it is logged, ejected and the
// fan-out continues with the remaining members.
func (ctl *Controller) broadcast(room domain.RoomID, excluding domain.SessionID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}

	var stale []domain.SessionID
	for _, m := range ctl.reg.MembersOf(room, excluding) {
		if err := m.Channel.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(m.Session.ID)).Msg("broadcast send failed, pruning")
			stale = append(stale, m.Session.ID)
		}
	}
	for _, sid := range stale {
		ctl.eject(sid)
	}
}

// eject removes a session and tells its room. All ejection paths (channel
// close, heartbeat failure, broadcast prune) funnel through here; the
// unregister result decides which caller broadcasts user_left, so concurrent
// ejections of the same session notify the room exactly once.
func (ctl *Controller) eject(sid domain.SessionID) {
	m, ok := ctl.reg.Lookup(sid)
	if !ok {
		return
	}
	if !ctl.reg.Unregister(sid) {
		return
	}
	m.Channel.Close()
	ctl.broadcast(m.Session.RoomID, sid, protocol.NewUserLeft(string(sid)))
}
