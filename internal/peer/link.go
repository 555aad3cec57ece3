package peer

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// maxPendingCandidates bounds the per-link candidate queue; a peer that
// never completes a handshake must not accumulate candidates forever. On
// overflow the oldest entry is dropped.
const maxPendingCandidates = 64

type linkState int

const (
	linkIdle linkState = iota
	linkOffering
	linkStable
	linkClosed
)

// link is the negotiation state for one remote peer. Its mutex serializes
// all negotiation steps for that peer; steps for different peers interleave
// freely.
type link struct {
	mu sync.Mutex

	peerID    string
	transport Transport

	// polite is derived from comparing session ids: the lexicographically
	// lower id is polite and rolls back on glare, the higher id never
	// backs down. Both sides compute the same answer with no coordinator.
	polite bool

	state       linkState
	makingOffer bool
	ignoreOffer bool

	// pendingRemote buffers candidates that arrived before a remote
	// description was set. Drained FIFO once one is.
	pendingRemote []webrtc.ICECandidateInit

	// attached guards against adding the same local track twice.
	attached map[string]bool

	lastConn  webrtc.PeerConnectionState
	reconnect *time.Timer
}

func newLink(peerID string, t Transport, polite bool) *link {
	return &link{
		peerID:    peerID,
		transport: t,
		polite:    polite,
		attached:  make(map[string]bool),
	}
}

// bufferCandidateLocked appends to the pending queue, evicting the oldest
// entry on overflow.
func (l *link) bufferCandidateLocked(cand webrtc.ICECandidateInit) {
	if len(l.pendingRemote) >= maxPendingCandidates {
		l.pendingRemote = l.pendingRemote[1:]
	}
	l.pendingRemote = append(l.pendingRemote, cand)
}

// flushCandidatesLocked applies the buffered candidates in arrival order.
// Only called after a remote description has been set.
func (l *link) flushCandidatesLocked() []error {
	var errs []error
	for _, cand := range l.pendingRemote {
		if err := l.transport.AddICECandidate(cand); err != nil {
			errs = append(errs, err)
		}
	}
	l.pendingRemote = nil
	return errs
}

// cancelReconnectLocked stops a pending recovery timer so it cannot fire
// against a torn-down transport.
func (l *link) cancelReconnectLocked() {
	if l.reconnect != nil {
		l.reconnect.Stop()
		l.reconnect = nil
	}
}
