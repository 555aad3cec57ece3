package signal

import (
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/leaspb/Realtime-Messenger/internal/protocol"
)

// handleChat broadcasts a chat frame to the sender's whole room, sender
// included: clients rely on the echo for ordering and delivery confirmation.
// The room and sender id come from the session, never from the frame.
func (ch *channel) handleChat(env protocol.Envelope) {
	ctl := ch.ctl

	// Content is bounded in characters; the frame gate bounds bytes.
	if utf8.RuneCountInString(env.Content) > ctl.cfg.MaxContentLen {
		log.Warn().Str("module", "signal").Str("sid", string(ch.sid)).Int("len", utf8.RuneCountInString(env.Content)).Msg("chat content too long")
		ctl.sendJSON(ch.conn, protocol.NewError(protocol.ErrInvalidInput))
		return
	}

	m, ok := ctl.reg.Lookup(ch.sid)
	if !ok {
		ctl.sendJSON(ch.conn, protocol.NewError(protocol.ErrNotJoined))
		return
	}

	ctl.broadcast(m.Session.RoomID, "", protocol.Chat{
		Type:     protocol.TypeMessage,
		RoomID:   string(m.Session.RoomID),
		Content:  env.Content,
		SenderID: string(ch.sid),
		Username: m.Session.Username,
		IsSystem: env.IsSystem,
	})
}
