// Package domain contains entities without logic, just meta-data and bounds.
package domain

import (
	"errors"
	"unicode/utf8"
)

// Length bounds are in characters, not bytes.
const (
	MaxUsernameLen = 50
	MaxRoomIDLen   = 100
)

var (
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameTooLong = errors.New("username too long")
	ErrRoomIDEmpty     = errors.New("room id empty")
	ErrRoomIDTooLong   = errors.New("room id too long")
)

// SessionID is a server-minted opaque identifier. One per open channel.
type SessionID string

// Session is the server-side record for one joined participant.
// Liveness and rate-limit state are owned by the registry, not here.
type Session struct {
	ID       SessionID
	Username string
	RoomID   RoomID
}

// ValidateUsername enforces the join-time bound on display names.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if utf8.RuneCountInString(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}

// ValidateRoomID enforces the join-time bound on room names.
func ValidateRoomID(id string) error {
	if len(id) == 0 {
		return ErrRoomIDEmpty
	}
	if utf8.RuneCountInString(id) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}
