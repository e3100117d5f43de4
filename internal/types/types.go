package types

import (
	"encoding/json"
	"time"
)

type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Presence is one joined identity in one room. A room never holds two
// presences with the same UserId.
type Presence struct {
	UserId      string          `json:"userId"`
	Name        string          `json:"name"`
	Identity    json.RawMessage `json:"identity,omitempty"`
	Location    *Location       `json:"location,omitempty"`
	ConnectedAt time.Time       `json:"connectedAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type Message struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"roomId"`
	UserId    string    `json:"userId"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type PatchType string

const (
	PatchUpsert PatchType = "upsert"
	PatchRemove PatchType = "remove"
)

// Patch is a presence delta. Upserts carry the full presence in User,
// removals only the UserId.
type Patch struct {
	Type   PatchType `json:"type"`
	UserId string    `json:"userId"`
	User   *Presence `json:"user,omitempty"`
	At     time.Time `json:"at"`
}

func UpsertPatch(p Presence, at time.Time) Patch {
	return Patch{
		Type:   PatchUpsert,
		UserId: p.UserId,
		User:   &p,
		At:     at,
	}
}

func RemovePatch(userId string, at time.Time) Patch {
	return Patch{
		Type:   PatchRemove,
		UserId: userId,
		At:     at,
	}
}

// PresenceBatch is the payload of a presence:batch event.
type PresenceBatch struct {
	RoomId  string    `json:"roomId"`
	Patches []Patch   `json:"patches"`
	At      time.Time `json:"at"`
}

// PresenceList is the payload of a presence:update event.
type PresenceList struct {
	RoomId string     `json:"roomId"`
	Users  []Presence `json:"users"`
}
