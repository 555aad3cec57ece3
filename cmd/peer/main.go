// Command peer is a headless mesh participant: it joins a room over the
// signaling channel, logs chat and roster events, and optionally takes part
// in the audio call with a silent local track. Useful for soak-testing a
// deployment without a browser.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/leaspb/Realtime-Messenger/internal/config"
	"github.com/leaspb/Realtime-Messenger/internal/peer"
	"github.com/leaspb/Realtime-Messenger/internal/peer/rtc"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "signaling server websocket URL")
	room := flag.String("room", "lobby", "room to join")
	name := flag.String("name", "headless", "display name")
	call := flag.Bool("call", false, "join the audio call after joining the room")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	a := &app{cfg: cfg, joinCall: *call, room: *room}

	ch, err := peer.Dial(ctx, *addr, peer.Handlers{
		OnJoined:     a.onJoined,
		OnUserJoined: a.onUserJoined,
		OnUserLeft:   a.onUserLeft,
		OnChat: func(senderID, username, content string, isSystem bool) {
			log.Info().Str("sender", senderID).Str("username", username).Bool("system", isSystem).Msg(content)
		},
		OnOffer:     a.onOffer,
		OnAnswer:    a.onAnswer,
		OnCandidate: a.onCandidate,
		OnError: func(message string) {
			log.Warn().Str("server_error", message).Msg("error frame")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("dial signaling server")
	}
	a.ch = ch
	defer ch.Close()

	if err := ch.Join(*room, *name); err != nil {
		log.Fatal().Err(err).Msg("join")
	}

	if err := ch.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("channel closed")
	}
	if a.orch != nil {
		a.orch.EndCall()
	}
}

type app struct {
	cfg      *config.Config
	ch       *peer.Channel
	engine   *peer.Engine
	orch     *peer.CallOrchestrator
	room     string
	joinCall bool
}

// onJoined arrives exactly once and carries the server-minted session id the
// engine derives negotiation roles from, so the client stack is built here.
func (a *app) onJoined(sessionID string, users []string) {
	log.Info().Str("sid", sessionID).Strs("users", users).Str("room", a.room).Msg("joined")

	factory := rtc.Factory(rtc.Config(a.cfg.STUNServers))
	a.engine = peer.NewEngine(sessionID, a.ch, discardSink{}, factory, a.cfg.ReconnectDelay)
	a.orch = peer.NewCallOrchestrator(a.engine, &silentMedia{})
	a.orch.SetRoster(users)

	if a.joinCall {
		if err := a.orch.StartCall(); err != nil {
			log.Error().Err(err).Msg("start call")
		}
	}
}

func (a *app) onUserJoined(sessionID, username string) {
	log.Info().Str("sid", sessionID).Str("username", username).Msg("user joined")
	if a.orch != nil {
		a.orch.OnUserJoined(sessionID)
	}
}

func (a *app) onUserLeft(sessionID string) {
	log.Info().Str("sid", sessionID).Msg("user left")
	if a.orch != nil {
		a.orch.OnUserLeft(sessionID)
	}
}

func (a *app) onOffer(caller string, sdp webrtc.SessionDescription) {
	if a.engine == nil {
		return
	}
	if err := a.engine.HandleOffer(caller, sdp); err != nil {
		log.Error().Err(err).Str("peer", caller).Msg("handle offer")
	}
}

func (a *app) onAnswer(caller string, sdp webrtc.SessionDescription) {
	if a.engine == nil {
		return
	}
	if err := a.engine.HandleAnswer(caller, sdp); err != nil {
		log.Error().Err(err).Str("peer", caller).Msg("handle answer")
	}
}

func (a *app) onCandidate(caller string, cand webrtc.ICECandidateInit) {
	if a.engine != nil {
		a.engine.HandleCandidate(caller, cand)
	}
}

// discardSink drains remote audio so RTCP keeps flowing, rendering nothing.
type discardSink struct{}

func (discardSink) AttachRemoteMedia(peerID string, track *webrtc.TrackRemote) {
	log.Info().Str("peer", peerID).Str("kind", track.Kind().String()).Msg("remote media attached")
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (discardSink) DetachRemoteMedia(peerID string) {
	log.Info().Str("peer", peerID).Msg("remote media detached")
}

// silentMedia offers one opus track that never produces samples; enough to
// negotiate audio in both directions.
type silentMedia struct {
	track *webrtc.TrackLocalStaticSample
}

func (m *silentMedia) AcquireTracks() ([]webrtc.TrackLocal, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "headless",
	)
	if err != nil {
		return nil, err
	}
	m.track = track
	return []webrtc.TrackLocal{track}, nil
}

func (m *silentMedia) Release() {
	m.track = nil
}
