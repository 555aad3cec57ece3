package peer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// fakeTransport emulates the signaling-state machine of a real peer
// connection without any networking.
type fakeTransport struct {
	mu         sync.Mutex
	signaling  webrtc.SignalingState
	remote     *webrtc.SessionDescription
	added      []webrtc.ICECandidateInit
	remoteSets int
	rollbacks  int
	closed     bool
	trackIDs   []string

	offerCount    int
	lastOfferOpts *webrtc.OfferOptions

	onICE  func(webrtc.ICECandidateInit)
	onConn func(webrtc.PeerConnectionState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{signaling: webrtc.SignalingStateStable}
}

func (f *fakeTransport) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakeTransport) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerCount++
	f.lastOfferOpts = opts
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake offer"}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeRollback:
		f.rollbacks++
		f.signaling = webrtc.SignalingStateStable
	case webrtc.SDPTypeOffer:
		f.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		f.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSets++
	f.remote = &desc
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		f.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeTransport) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeTransport) AddICECandidate(cand webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, cand)
	return nil
}

func (f *fakeTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackIDs = append(f.trackIDs, track.ID())
	return nil, nil
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onICE = fn }
func (f *fakeTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onConn = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) fireConn(s webrtc.PeerConnectionState) { f.onConn(s) }

func (f *fakeTransport) offers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offerCount
}

type sent struct {
	kind   string
	target string
	sdp    webrtc.SessionDescription
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recordingSender) SendOffer(target string, sdp webrtc.SessionDescription) error {
	return r.record("offer", target, sdp)
}

func (r *recordingSender) SendAnswer(target string, sdp webrtc.SessionDescription) error {
	return r.record("answer", target, sdp)
}

func (r *recordingSender) SendCandidate(target string, _ webrtc.ICECandidateInit) error {
	return r.record("candidate", target, webrtc.SessionDescription{})
}

func (r *recordingSender) record(kind, target string, sdp webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{kind: kind, target: target, sdp: sdp})
	return nil
}

func (r *recordingSender) byKind(kind string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, m := range r.msgs {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type recordingSink struct {
	mu       sync.Mutex
	detached []string
}

func (s *recordingSink) AttachRemoteMedia(string, *webrtc.TrackRemote) {}

func (s *recordingSink) DetachRemoteMedia(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, peerID)
}

type testRig struct {
	engine     *Engine
	sender     *recordingSender
	sink       *recordingSink
	mu         sync.Mutex
	transports map[string]*fakeTransport
}

func newTestRig(localID string, reconnectDelay time.Duration) *testRig {
	rig := &testRig{
		sender:     &recordingSender{},
		sink:       &recordingSink{},
		transports: make(map[string]*fakeTransport),
	}
	factory := func(peerID string) (Transport, error) {
		ft := newFakeTransport()
		rig.mu.Lock()
		rig.transports[peerID] = ft
		rig.mu.Unlock()
		return ft, nil
	}
	rig.engine = NewEngine(localID, rig.sender, rig.sink, factory, reconnectDelay)
	return rig
}

func (rig *testRig) transport(peerID string) *fakeTransport {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	return rig.transports[peerID]
}

func TestConnectSendsOffer(t *testing.T) {
	rig := newTestRig("aaa", time.Second)
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}
	offers := rig.sender.byKind("offer")
	if len(offers) != 1 || offers[0].target != "bbb" {
		t.Fatalf("expected one offer to bbb, got %+v", offers)
	}
	if got := rig.transport("bbb").SignalingState(); got != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("signaling state after offer: %v", got)
	}
}

func TestInboundOfferAnswered(t *testing.T) {
	rig := newTestRig("aaa", time.Second)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"}
	if err := rig.engine.HandleOffer("bbb", offer); err != nil {
		t.Fatal(err)
	}
	answers := rig.sender.byKind("answer")
	if len(answers) != 1 || answers[0].target != "bbb" {
		t.Fatalf("expected one answer to bbb, got %+v", answers)
	}
	if rig.transport("bbb").rollbacks != 0 {
		t.Fatalf("no rollback expected without glare")
	}
}

func TestGlarePoliteRollsBackAndAccepts(t *testing.T) {
	// Local id sorts lower, so the local side is polite and must yield.
	rig := newTestRig("aaa", time.Second)
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"}
	if err := rig.engine.HandleOffer("bbb", offer); err != nil {
		t.Fatal(err)
	}

	ft := rig.transport("bbb")
	if ft.rollbacks != 1 {
		t.Fatalf("polite side must roll back its in-flight offer, rollbacks=%d", ft.rollbacks)
	}
	if ft.remote == nil || ft.remote.SDP != "v=0 remote" {
		t.Fatalf("remote offer not accepted after rollback")
	}
	if len(rig.sender.byKind("answer")) != 1 {
		t.Fatalf("polite side must answer the winning offer")
	}
	if got := ft.SignalingState(); got != webrtc.SignalingStateStable {
		t.Fatalf("expected stable after glare resolution, got %v", got)
	}
}

func TestGlareImpoliteDropsOffer(t *testing.T) {
	// Local id sorts higher: impolite, never backs down.
	rig := newTestRig("zzz", time.Second)
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"}
	if err := rig.engine.HandleOffer("bbb", offer); err != nil {
		t.Fatal(err)
	}

	ft := rig.transport("bbb")
	if ft.rollbacks != 0 {
		t.Fatalf("impolite side must not roll back")
	}
	if ft.remote != nil {
		t.Fatalf("impolite side must drop the colliding offer entirely")
	}
	if len(rig.sender.byKind("answer")) != 0 {
		t.Fatalf("no answer expected for a dropped offer")
	}
	// Our own offer must still be in flight.
	if got := ft.SignalingState(); got != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("local offer abandoned: %v", got)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	rig := newTestRig("aaa", time.Second)
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		rig.engine.HandleCandidate("bbb", webrtc.ICECandidateInit{Candidate: fmt.Sprintf("cand-%d", i)})
	}
	ft := rig.transport("bbb")
	if len(ft.added) != 0 {
		t.Fatalf("candidates applied before remote description: %d", len(ft.added))
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	if err := rig.engine.HandleAnswer("bbb", answer); err != nil {
		t.Fatal(err)
	}
	if len(ft.added) != 3 {
		t.Fatalf("buffered candidates not flushed, got %d", len(ft.added))
	}
	for i, cand := range ft.added {
		if want := fmt.Sprintf("cand-%d", i); cand.Candidate != want {
			t.Fatalf("flush order broken at %d: %s", i, cand.Candidate)
		}
	}

	// After a remote description exists, candidates apply immediately.
	rig.engine.HandleCandidate("bbb", webrtc.ICECandidateInit{Candidate: "late"})
	if len(ft.added) != 4 || ft.added[3].Candidate != "late" {
		t.Fatalf("late candidate not applied directly")
	}
}

func TestCandidateQueueDropsOldestOnOverflow(t *testing.T) {
	rig := newTestRig("aaa", time.Second)
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}

	total := maxPendingCandidates + 6
	for i := 0; i < total; i++ {
		rig.engine.HandleCandidate("bbb", webrtc.ICECandidateInit{Candidate: fmt.Sprintf("cand-%d", i)})
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	if err := rig.engine.HandleAnswer("bbb", answer); err != nil {
		t.Fatal(err)
	}

	ft := rig.transport("bbb")
	if len(ft.added) != maxPendingCandidates {
		t.Fatalf("expected %d retained candidates, got %d", maxPendingCandidates, len(ft.added))
	}
	if want := fmt.Sprintf("cand-%d", total-maxPendingCandidates); ft.added[0].Candidate != want {
		t.Fatalf("oldest not evicted: first retained is %s, want %s", ft.added[0].Candidate, want)
	}
}

func TestAnswerWithoutPendingOfferIgnored(t *testing.T) {
	rig := newTestRig("aaa", time.Second)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 stray"}
	if err := rig.engine.HandleAnswer("ghost", answer); err != nil {
		t.Fatal(err)
	}
	if len(rig.engine.Peers()) != 0 {
		t.Fatalf("stray answer must not create a link")
	}

	// A link in stable state has no pending offer either.
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"}
	if err := rig.engine.HandleOffer("bbb", offer); err != nil {
		t.Fatal(err)
	}
	ft := rig.transport("bbb")
	before := ft.remoteSets
	if err := rig.engine.HandleAnswer("bbb", answer); err != nil {
		t.Fatal(err)
	}
	if ft.remoteSets != before {
		t.Fatalf("answer applied despite no pending offer")
	}
}

func TestCandidateForUnknownPeerDropped(t *testing.T) {
	rig := newTestRig("aaa", time.Second)
	rig.engine.HandleCandidate("ghost", webrtc.ICECandidateInit{Candidate: "c"})
	if len(rig.engine.Peers()) != 0 {
		t.Fatalf("candidate must never create a link")
	}
}

func TestDisconnectedTriggersDelayedRestart(t *testing.T) {
	rig := newTestRig("aaa", 20*time.Millisecond)
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}
	ft := rig.transport("bbb")

	ft.fireConn(webrtc.PeerConnectionStateDisconnected)
	if ft.offers() != 1 {
		t.Fatalf("restart must not fire before the delay")
	}

	deadline := time.Now().Add(time.Second)
	for ft.offers() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("ice restart never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ft.mu.Lock()
	opts := ft.lastOfferOpts
	ft.mu.Unlock()
	if opts == nil || !opts.ICERestart {
		t.Fatalf("recovery offer must request an ice restart")
	}
}

func TestBriefBlipDoesNotRestart(t *testing.T) {
	rig := newTestRig("aaa", 30*time.Millisecond)
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}
	ft := rig.transport("bbb")

	ft.fireConn(webrtc.PeerConnectionStateDisconnected)
	ft.fireConn(webrtc.PeerConnectionStateConnected)

	time.Sleep(90 * time.Millisecond)
	if ft.offers() != 1 {
		t.Fatalf("recovered blip must not trigger a restart, offers=%d", ft.offers())
	}
}

func TestFailedRestartsImmediately(t *testing.T) {
	rig := newTestRig("aaa", time.Hour)
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}
	ft := rig.transport("bbb")

	ft.fireConn(webrtc.PeerConnectionStateFailed)
	if ft.offers() != 2 {
		t.Fatalf("failed state must restart without delay, offers=%d", ft.offers())
	}
}

func TestClosePeerCancelsPendingRecovery(t *testing.T) {
	rig := newTestRig("aaa", 20*time.Millisecond)
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}
	ft := rig.transport("bbb")

	ft.fireConn(webrtc.PeerConnectionStateDisconnected)
	rig.engine.ClosePeer("bbb")

	time.Sleep(60 * time.Millisecond)
	if ft.offers() != 1 {
		t.Fatalf("recovery fired against a torn-down link")
	}
	if !ft.closed {
		t.Fatalf("transport not released on teardown")
	}
	rig.sink.mu.Lock()
	defer rig.sink.mu.Unlock()
	if len(rig.sink.detached) != 1 || rig.sink.detached[0] != "bbb" {
		t.Fatalf("sink not detached: %v", rig.sink.detached)
	}
}

func TestTransportClosedStateTearsDownLink(t *testing.T) {
	rig := newTestRig("aaa", time.Second)
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}
	rig.transport("bbb").fireConn(webrtc.PeerConnectionStateClosed)
	if len(rig.engine.Peers()) != 0 {
		t.Fatalf("closed transport must remove the link")
	}
}

func TestLocalTracksAttachedOnce(t *testing.T) {
	rig := newTestRig("aaa", time.Second)
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "test",
	)
	if err != nil {
		t.Fatal(err)
	}
	rig.engine.SetLocalTracks([]webrtc.TrackLocal{track})

	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}
	if err := rig.engine.Connect("bbb"); err != nil {
		t.Fatal(err)
	}
	ft := rig.transport("bbb")
	if len(ft.trackIDs) != 1 {
		t.Fatalf("track attached %d times, want 1", len(ft.trackIDs))
	}
}
