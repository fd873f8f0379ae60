package model

import (
	"encoding/json"
	"errors"
	"time"
)

// Message types.
const (
	MessageTypeText   = "text"
	MessageTypeFile   = "file"
	MessageTypeImage  = "image"
	MessageTypeAudio  = "audio"
	MessageTypeSystem = "system"
)

type targetKind uint8

const (
	targetRoom targetKind = iota + 1
	targetUser
)

// Target is where a message is delivered: exactly one room or exactly one
// recipient. The zero value is invalid; use RoomTarget or UserTarget.
type Target struct {
	kind targetKind
	id   int64
}

// RoomTarget addresses a room.
func RoomTarget(roomID int64) Target {
	return Target{kind: targetRoom, id: roomID}
}

// UserTarget addresses a single recipient.
func UserTarget(userID int64) Target {
	return Target{kind: targetUser, id: userID}
}

// Room returns the room id when the target is a room.
func (t Target) Room() (int64, bool) {
	return t.id, t.kind == targetRoom
}

// Recipient returns the user id when the target is a private recipient.
func (t Target) Recipient() (int64, bool) {
	return t.id, t.kind == targetUser
}

// Valid reports whether the target was built by a constructor with a positive id.
func (t Target) Valid() bool {
	return t.kind != 0 && t.id > 0
}

// Message is an immutable chat message.
type Message struct {
	ID             int64
	SenderID       int64
	SenderUsername string
	Target         Target
	Content        string
	Type           string
	ReplyToID      *int64
	Encrypted      bool
	Edited         bool
	Timestamp      time.Time
}

var (
	errInvalidTarget = errors.New("message target must be exactly one room or recipient")
	errEmptyContent  = errors.New("message content is required")
)

// NewRoomMessage builds a text message for a room.
func NewRoomMessage(senderID, roomID int64, content string, replyTo *int64) (*Message, error) {
	return newMessage(senderID, RoomTarget(roomID), content, replyTo)
}

// NewPrivateMessage builds a text message for a single recipient.
func NewPrivateMessage(senderID, recipientID int64, content string) (*Message, error) {
	return newMessage(senderID, UserTarget(recipientID), content, nil)
}

func newMessage(senderID int64, target Target, content string, replyTo *int64) (*Message, error) {
	if !target.Valid() {
		return nil, errInvalidTarget
	}
	if content == "" {
		return nil, errEmptyContent
	}
	return &Message{
		SenderID:  senderID,
		Target:    target,
		Content:   content,
		Type:      MessageTypeText,
		ReplyToID: replyTo,
		Timestamp: time.Now().UTC(),
	}, nil
}

// MarshalJSON flattens the target back into room_id / recipient_id for clients.
func (m Message) MarshalJSON() ([]byte, error) {
	out := struct {
		ID             int64     `json:"id"`
		SenderID       int64     `json:"sender_id"`
		SenderUsername string    `json:"sender_username,omitempty"`
		RoomID         *int64    `json:"room_id,omitempty"`
		RecipientID    *int64    `json:"recipient_id,omitempty"`
		Content        string    `json:"content"`
		Type           string    `json:"message_type"`
		ReplyToID      *int64    `json:"reply_to_id,omitempty"`
		Encrypted      bool      `json:"encrypted"`
		Edited         bool      `json:"edited"`
		Timestamp      time.Time `json:"timestamp"`
	}{
		ID:             m.ID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		Type:           m.Type,
		ReplyToID:      m.ReplyToID,
		Encrypted:      m.Encrypted,
		Edited:         m.Edited,
		Timestamp:      m.Timestamp,
	}
	if id, ok := m.Target.Room(); ok {
		out.RoomID = &id
	}
	if id, ok := m.Target.Recipient(); ok {
		out.RecipientID = &id
	}
	return json.Marshal(out)
}
