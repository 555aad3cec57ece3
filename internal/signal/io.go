package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/leaspb/Realtime-Messenger/internal/protocol"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ch *channel) readPump(ctx context.Context) {
	defer ch.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := ch.conn.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("sid", string(ch.sid)).Msg("readPump closing")
				return
			}
			ch.handleFrame(data)
		}
	}
}

// handleFrame applies boundary checks and dispatches one inbound frame.
// Every failure is answered with an error frame and drops only the frame;
// the channel is never closed here.
func (ch *channel) handleFrame(data []byte) {
	ctl := ch.ctl

	// Size guard runs before any parsing.
	if len(data) > ctl.cfg.MaxFrameBytes {
		log.Warn().Str("module", "signal").Str("sid", string(ch.sid)).Int("bytes", len(data)).Msg("oversized frame")
		ctl.sendJSON(ch.conn, protocol.NewError(protocol.ErrFrameTooLarge))
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendJSON(ch.conn, protocol.NewError(protocol.ErrBadPayload))
		return
	}

	if env.Type == protocol.TypeJoin {
		if ch.sid != "" {
			ctl.sendJSON(ch.conn, protocol.NewError(protocol.ErrAlreadyJoined))
			return
		}
		ch.handleJoin(env)
		return
	}

	if ch.sid == "" {
		ctl.sendJSON(ch.conn, protocol.NewError(protocol.ErrNotJoined))
		return
	}

	// Soft throttling applies to every frame once joined. A rejected
	// frame never ejects the session.
	if !ch.limiter.Allow() {
		log.Warn().Str("module", "signal").Str("sid", string(ch.sid)).Msg("rate limited")
		ctl.sendJSON(ch.conn, protocol.NewError(protocol.ErrRateLimited))
		return
	}

	switch env.Type {
	case protocol.TypeMessage:
		ch.handleChat(env)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
		ch.handleRelay(env)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendJSON(ch.conn, protocol.NewError(protocol.ErrInvalidInput))
	}
}

// teardown moves the channel to its terminal state. Safe against the
// heartbeat sweeper ejecting the same session concurrently: whoever wins the
// unregister race broadcasts user_left.
func (ch *channel) teardown() {
	ch.conn.Close()
	if ch.sid == "" {
		return
	}
	ch.ctl.eject(ch.sid)
}
