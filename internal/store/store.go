// Package store is the persistence collaborator: users, rooms, memberships,
// messages, notifications, file transfers and the connection audit log.
// Memory keeps everything in process; Postgres backs the same contract with
// database/sql and lib/pq.
package store

import (
	"context"
	"time"

	"github.com/Tyrowin/gochat/internal/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// UserStore persists accounts. Password hashing happens here.
type UserStore interface {
	// CreateUser hashes password and inserts the user. Username or email
	// conflicts return a duplicate error.
	CreateUser(ctx context.Context, username, email, password string) (*model.User, error)
	// Authenticate returns the user when the password matches, otherwise an
	// auth-invalid error. Unknown usernames cost the same bcrypt comparison.
	Authenticate(ctx context.Context, username, password string) (*model.User, error)
	// FindUserByID returns a not-found error when no such user exists.
	FindUserByID(ctx context.Context, id int64) (*model.User, error)
	// UpdateUserStatus sets status and last_seen.
	UpdateUserStatus(ctx context.Context, id int64, status string) error
}

// RoomStore persists rooms and memberships.
type RoomStore interface {
	// CreateRoom inserts the room and the owner's admin membership together.
	CreateRoom(ctx context.Context, in model.NewRoom) (*model.Room, error)
	FindRoom(ctx context.Context, id int64) (*model.Room, error)
	// ListRooms returns public rooms plus every room userID belongs to.
	ListRooms(ctx context.Context, userID int64) ([]*model.Room, error)
	// JoinRoom checks the room password and capacity, then adds a member.
	// An existing membership is a duplicate error.
	JoinRoom(ctx context.Context, userID, roomID int64, password string) (*model.Membership, error)
	// LeaveRoom removes the membership or returns a not-a-member error.
	LeaveRoom(ctx context.Context, userID, roomID int64) error
	// UserRooms returns the ids of every room userID belongs to.
	UserRooms(ctx context.Context, userID int64) ([]int64, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	// SaveMessage assigns msg.ID. With encrypt set the content is sealed at
	// rest and msg.Encrypted is set; msg.Content stays plaintext.
	SaveMessage(ctx context.Context, msg *model.Message, encrypt bool) error
	// RoomMessages returns newest first.
	RoomMessages(ctx context.Context, roomID int64, limit, offset int) ([]*model.Message, error)
	// PrivateMessages returns the conversation between a and b, newest first.
	PrivateMessages(ctx context.Context, a, b int64, limit int) ([]*model.Message, error)
}

// NotificationStore persists notices for users who were offline.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, userID int64, limit int) ([]*model.Notification, error)
}

// FileTransferStore persists file transfer records. Payloads live on disk.
type FileTransferStore interface {
	CreateFileTransfer(ctx context.Context, t *model.FileTransfer) error
	FindFileTransfer(ctx context.Context, id string) (*model.FileTransfer, error)
	// ListFileTransfers returns transfers sent or received by userID, newest first.
	ListFileTransfers(ctx context.Context, userID int64, limit int) ([]*model.FileTransfer, error)
	// CompleteFileTransfer marks the transfer delivered.
	CompleteFileTransfer(ctx context.Context, id string) error
}

// AuditStore records connection lifecycle events.
type AuditStore interface {
	LogConnection(ctx context.Context, userID int64, action, address string) error
}

// Store is the full persistence contract.
type Store interface {
	UserStore
	RoomStore
	MessageStore
	NotificationStore
	FileTransferStore
	AuditStore
	Close() error
}

// ConnectionLog is one audit record.
type ConnectionLog struct {
	UserID    int64
	Action    string
	Address   string
	Timestamp time.Time
}

// File transfer statuses.
const (
	TransferPending   = "pending"
	TransferCompleted = "completed"
)

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func pageOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
