// Package peer is the client side of the mesh: one negotiation engine per
// local session drives a direct audio connection to every other room member
// through an opaque transport capability.
package peer

import "github.com/pion/webrtc/v4"

// Transport is the negotiation surface of one peer-to-peer connection. The
// engine never touches the transport stack below this interface; internal/
// peer/rtc implements it on a pion PeerConnection and tests use a fake.
type Transport interface {
	SignalingState() webrtc.SignalingState
	CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(cand webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// TransportFactory builds one Transport per remote peer.
type TransportFactory func(peerID string) (Transport, error)

// SignalSender carries outbound negotiation frames to the signaling server.
// The channel client implements it.
type SignalSender interface {
	SendOffer(target string, sdp webrtc.SessionDescription) error
	SendAnswer(target string, sdp webrtc.SessionDescription) error
	SendCandidate(target string, cand webrtc.ICECandidateInit) error
}

// MediaSink is the remote output surface, owned by the embedder (a UI, or a
// logger in the headless peer). The engine stays renderer-agnostic.
type MediaSink interface {
	AttachRemoteMedia(peerID string, track *webrtc.TrackRemote)
	DetachRemoteMedia(peerID string)
}

// LocalMedia supplies the local tracks sent to every peer while in-call.
type LocalMedia interface {
	AcquireTracks() ([]webrtc.TrackLocal, error)
	Release()
}
