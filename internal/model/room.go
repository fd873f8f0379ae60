package model

import "time"

// Membership roles.
const (
	MemberRoleAdmin  = "admin"
	MemberRoleMember = "member"
)

// DefaultMaxMembers is the room capacity used when none is given.
const DefaultMaxMembers = 100

// Room is a named group channel.
type Room struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	PasswordHash string    `json:"-"`
	OwnerID      int64     `json:"created_by"`
	IsPrivate    bool      `json:"is_private"`
	MaxMembers   int       `json:"max_members"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasPassword reports whether joining requires a password.
func (r *Room) HasPassword() bool {
	return r.PasswordHash != ""
}

// NewRoom is the input for creating a room.
type NewRoom struct {
	Name        string
	Description string
	Password    string
	IsPrivate   bool
	OwnerID     int64
	MaxMembers  int
}

// Membership relates a user to a room. Unique per (UserID, RoomID).
type Membership struct {
	UserID   int64     `json:"user_id"`
	RoomID   int64     `json:"room_id"`
	Role     string    `json:"role"`
	Muted    bool      `json:"is_muted"`
	JoinedAt time.Time `json:"joined_at"`
}
