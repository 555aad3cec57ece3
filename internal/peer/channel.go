package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/leaspb/Realtime-Messenger/internal/protocol"
)

// Handlers receives decoded server frames. Nil callbacks are skipped.
type Handlers struct {
	OnJoined     func(sessionID string, users []string)
	OnUserJoined func(sessionID, username string)
	OnUserLeft   func(sessionID string)
	OnChat       func(senderID, username, content string, isSystem bool)
	OnOffer      func(caller string, sdp webrtc.SessionDescription)
	OnAnswer     func(caller string, sdp webrtc.SessionDescription)
	OnCandidate  func(caller string, cand webrtc.ICECandidateInit)
	OnError      func(message string)
}

// Channel is the client end of the signaling stream. Writes are serialized
// by a mutex; Run owns the single read loop. The server's liveness pings are
// answered by gorilla's default ping handler.
type Channel struct {
	conn     *websocket.Conn
	handlers Handlers

	wmu sync.Mutex
}

func Dial(ctx context.Context, url string, handlers Handlers) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Channel{conn: conn, handlers: handlers}, nil
}

func (c *Channel) writeJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Channel) Join(roomID, username string) error {
	return c.writeJSON(protocol.Envelope{Type: protocol.TypeJoin, RoomID: roomID, Username: username})
}

func (c *Channel) SendChat(roomID, content string) error {
	return c.writeJSON(protocol.Envelope{Type: protocol.TypeMessage, RoomID: roomID, Content: content})
}

func (c *Channel) SendOffer(target string, sdp webrtc.SessionDescription) error {
	return c.sendSDP(protocol.TypeOffer, target, sdp)
}

func (c *Channel) SendAnswer(target string, sdp webrtc.SessionDescription) error {
	return c.sendSDP(protocol.TypeAnswer, target, sdp)
}

func (c *Channel) sendSDP(frameType, target string, sdp webrtc.SessionDescription) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return fmt.Errorf("marshal sdp: %w", err)
	}
	return c.writeJSON(protocol.Envelope{Type: frameType, Target: target, SDP: raw})
}

func (c *Channel) SendCandidate(target string, cand webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	return c.writeJSON(protocol.Envelope{Type: protocol.TypeCandidate, Target: target, Candidate: raw})
}

func (c *Channel) Close() {
	_ = c.conn.Close()
}

// Run reads frames until the connection drops or ctx ends, dispatching each
// to the registered handler. Returns the read error that ended the loop.
func (c *Channel) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env protocol.Envelope) {
	h := c.handlers
	switch env.Type {
	case protocol.TypeJoined:
		if h.OnJoined != nil {
			h.OnJoined(env.SessionID, env.Users)
		}
	case protocol.TypeUserJoined:
		if h.OnUserJoined != nil {
			h.OnUserJoined(env.SessionID, env.Username)
		}
	case protocol.TypeUserLeft:
		if h.OnUserLeft != nil {
			h.OnUserLeft(env.SessionID)
		}
	case protocol.TypeMessage:
		if h.OnChat != nil {
			h.OnChat(env.SenderID, env.Username, env.Content, env.IsSystem)
		}
	case protocol.TypeOffer, protocol.TypeAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(env.SDP, &sdp); err != nil {
			log.Warn().Err(err).Str("module", "peer.channel").Str("type", env.Type).Msg("bad sdp payload")
			return
		}
		if env.Type == protocol.TypeOffer && h.OnOffer != nil {
			h.OnOffer(env.Caller, sdp)
		}
		if env.Type == protocol.TypeAnswer && h.OnAnswer != nil {
			h.OnAnswer(env.Caller, sdp)
		}
	case protocol.TypeCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Candidate, &cand); err != nil {
			log.Warn().Err(err).Str("module", "peer.channel").Msg("bad candidate payload")
			return
		}
		if h.OnCandidate != nil {
			h.OnCandidate(env.Caller, cand)
		}
	case protocol.TypeError:
		if h.OnError != nil {
			h.OnError(env.Message)
		}
	default:
		log.Warn().Str("module", "peer.channel").Str("type", env.Type).Msg("unknown frame")
	}
}
