package session

import "time"

// Messages pushed to viewers. The wire format is flat JSON objects
// discriminated by a "type" field.

type MessageType string

const (
	MsgState    MessageType = "state"
	MsgCleared  MessageType = "cleared"
	MsgPresence MessageType = "presence"
	MsgError    MessageType = "error"
)

// System identity sentinels shown as updatedBy when no user authored the
// current content.
const (
	SystemUser  = "Système"
	SystemPurge = "Système (purge TTL)"
)

// StateMessage is the full snapshot, sent on attach and after every
// accepted mutation or expiry.
type StateMessage struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	UpdatedBy string      `json:"updatedBy"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Users     int         `json:"users"`
}

// ClearedMessage is a transient notification sent after the state message
// on an explicit clear, so clients can show who emptied the pad.
type ClearedMessage struct {
	Type MessageType `json:"type"`
	By   string      `json:"by"`
	At   time.Time   `json:"at"`
}

// PresenceMessage announces the viewer count to remaining viewers after a
// detach.
type PresenceMessage struct {
	Type  MessageType `json:"type"`
	Users int         `json:"users"`
}

// ErrorMessage is sent only to the connection whose edit was rejected.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}
