// Package rtc implements the peer.Transport capability on a pion
// PeerConnection.
package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/leaspb/Realtime-Messenger/internal/peer"
)

type Connection struct {
	pc     *webrtc.PeerConnection
	peerID string
}

// Config builds a webrtc.Configuration from STUN server URLs.
func Config(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	}
}

// Factory returns a peer.TransportFactory creating one Connection per peer.
func Factory(cfg webrtc.Configuration) peer.TransportFactory {
	return func(peerID string) (peer.Transport, error) {
		return New(cfg, peerID)
	}
}

func New(cfg webrtc.Configuration, peerID string) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, peerID: peerID}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", peerID).Str("ice_state", s.String()).Msg("ICE state")
	})
	return c, nil
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(opts)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *Connection) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *Connection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *Connection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.pc.OnTrack(fn)
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", c.peerID).Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Str("peer", c.peerID).Msg("closed")
	return nil
}
