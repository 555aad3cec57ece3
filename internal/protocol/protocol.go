// Package protocol defines the JSON signaling frames exchanged over the
// websocket channel. Every frame is a tagged union discriminated by "type".
package protocol

import "encoding/json"

const (
	TypeJoin       = "join"
	TypeJoined     = "joined"
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypeMessage    = "message"
	TypeError      = "error"
)

// Envelope is the superset of all inbound frames. Peer-to-peer frames
// (offer/answer/candidate) are re-marshalled from this envelope on
// forwarding, with Caller overwritten to the authenticated sender id:
// the server, not the client, is the source of truth for who sent a frame.
type Envelope struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Target    string          `json:"target,omitempty"`
	Caller    string          `json:"caller,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Content   string          `json:"content,omitempty"`
	SenderID  string          `json:"senderId,omitempty"`
	IsSystem  bool            `json:"isSystem,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Users     []string        `json:"users,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Joined is the reply to a successful join. Users lists the other members
// already in the room and is always present, even when empty.
type Joined struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	Users     []string `json:"users"`
}

func NewJoined(sessionID string, users []string) Joined {
	if users == nil {
		users = []string{}
	}
	return Joined{Type: TypeJoined, SessionID: sessionID, Users: users}
}

type UserJoined struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
}

func NewUserJoined(sessionID, username string) UserJoined {
	return UserJoined{Type: TypeUserJoined, SessionID: sessionID, Username: username}
}

type UserLeft struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func NewUserLeft(sessionID string) UserLeft {
	return UserLeft{Type: TypeUserLeft, SessionID: sessionID}
}

// Chat is a room-wide text message. SenderID is stamped by the server; the
// sender receives its own message back and relies on the echo for ordering.
type Chat struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	Content  string `json:"content"`
	SenderID string `json:"senderId"`
	Username string `json:"username,omitempty"`
	IsSystem bool   `json:"isSystem,omitempty"`
}
