package types

import (
	"time"
)

// Room is the live, in-memory state of one collaborative session. It is owned
// exclusively by the hub's event loop, everything outside the loop only ever
// sees copies.
type Room struct {
	Id           string         `json:"id"`
	Code         string         `json:"code"`
	Language     string         `json:"language"`
	Clients      []*Participant `json:"clients"`
	Messages     []ChatMessage  `json:"messages"`
	Whiteboard   Whiteboard     `json:"whiteboard"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	IsActive     bool           `json:"isActive"`

	// Generation is bumped on every mutation. Mirror writes carry the value
	// they observed so the session store can reject writes that raced with a
	// newer one (f.e. a code mirror completing after the room was evicted).
	Generation uint64 `json:"-"`
}

// Participant is one live connection's membership in a room, unique by
// ConnectionId.
type Participant struct {
	ConnectionId string    `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
	JoinedAt     time.Time `json:"joinedAt"`
}

type Whiteboard struct {
	Actions []DrawAction `json:"actions"`
}

// Roster returns a copy of the client list suitable for broadcasting.
func (r *Room) Roster() []*Participant {
	roster := make([]*Participant, len(r.Clients))
	copy(roster, r.Clients)
	return roster
}

// Member returns the participant entry for the given connection, or nil.
func (r *Room) Member(connectionId string) *Participant {
	for _, p := range r.Clients {
		if p.ConnectionId == connectionId {
			return p
		}
	}
	return nil
}

// RoomSnapshot is the durable, best-effort mirror of a room kept in the
// session store. The chat and whiteboard logs are stored as JSON columns.
type RoomSnapshot struct {
	Id           string          `json:"id" gorm:"primaryKey"`
	Code         string          `json:"code"`
	Language     string          `json:"language"`
	Messages     ChatMessageList `json:"messages"`
	Actions      DrawActionList  `json:"actions"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	IsActive     bool            `json:"is_active"`
	Generation   uint64          `json:"generation"`
}
