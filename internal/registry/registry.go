// Package registry holds the in-memory session table and the room index.
// It is the only shared mutable state on the server; one mutex guards both
// structures so no two mutations interleave.
package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/leaspb/Realtime-Messenger/internal/domain"
)

// Channel is the duplex stream a session owns. The signal adapter implements
// it; the registry never closes channels itself.
type Channel interface {
	TrySend(data []byte) error
	Ping() error
	Close()
}

// Member is a read-only snapshot handed out to the router for fan-out.
type Member struct {
	Session domain.Session
	Channel Channel
}

type entry struct {
	sess  domain.Session
	ch    Channel
	alive bool
}

type Registry struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*entry
	rooms    map[domain.RoomID]map[domain.SessionID]struct{}
}

func New() *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*entry),
		rooms:    make(map[domain.RoomID]map[domain.SessionID]struct{}),
	}
}

// Register validates the join parameters, mints an unguessable session id and
// inserts the session. The new member is visible to MembersOf immediately.
func (r *Registry) Register(ch Channel, username, roomID string) (domain.SessionID, error) {
	if err := domain.ValidateUsername(username); err != nil {
		return "", err
	}
	if err := domain.ValidateRoomID(roomID); err != nil {
		return "", err
	}

	sid := domain.SessionID(uuid.NewString())
	room := domain.RoomID(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &entry{
		sess:  domain.Session{ID: sid, Username: username, RoomID: room},
		ch:    ch,
		alive: true,
	}
	idx, ok := r.rooms[room]
	if !ok {
		idx = make(map[domain.SessionID]struct{})
		r.rooms[room] = idx
	}
	idx[sid] = struct{}{}

	log.Info().Str("module", "registry").Str("sid", string(sid)).Str("room", roomID).Msg("session registered")
	return sid, nil
}

// Unregister removes the session and updates the room index, reporting
// whether the session was actually present. Idempotent: the close handler
// and the heartbeat sweeper may both invoke it for the same session, and
// exactly one of them observes true.
func (r *Registry) Unregister(sid domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	delete(r.sessions, sid)
	if idx, ok := r.rooms[e.sess.RoomID]; ok {
		delete(idx, sid)
		if len(idx) == 0 {
			delete(r.rooms, e.sess.RoomID)
		}
	}
	log.Info().Str("module", "registry").Str("sid", string(sid)).Str("room", string(e.sess.RoomID)).Msg("session unregistered")
	return true
}

func (r *Registry) Lookup(sid domain.SessionID) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return Member{}, false
	}
	return Member{Session: e.sess, Channel: e.ch}, true
}

// MembersOf returns the current members of a room, sorted by session id so
// the order is stable within a call. excluding may be empty.
func (r *Registry) MembersOf(roomID domain.RoomID, excluding domain.SessionID) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.rooms[roomID]
	out := make([]Member, 0, len(idx))
	for sid := range idx {
		if sid == excluding {
			continue
		}
		if e, ok := r.sessions[sid]; ok {
			out = append(out, Member{Session: e.sess, Channel: e.ch})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.ID < out[j].Session.ID })
	return out
}

// MarkAlive resets the liveness flag; called from the pong handler.
func (r *Registry) MarkAlive(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok {
		e.alive = true
	}
}

// Sweep partitions sessions on the liveness flag. Members still flagged dead
// since the previous sweep are returned in dead; every survivor is flipped to
// provisionally dead and returned in alive so the caller can ping it. Sweep
// does not unregister anything: ejection goes through the same close path as
// a transport disconnect.
func (r *Registry) Sweep() (dead, alive []Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions {
		m := Member{Session: e.sess, Channel: e.ch}
		if !e.alive {
			dead = append(dead, m)
			continue
		}
		e.alive = false
		alive = append(alive, m)
	}
	return dead, alive
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
