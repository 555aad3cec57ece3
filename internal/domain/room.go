package domain

// RoomID names an implicit room. Rooms are never materialized: they exist
// while at least one session carries the id and vanish when the last leaves.
type RoomID string
