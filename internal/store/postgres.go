package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Tyrowin/gochat/internal/model"
)

const uniqueViolation = "23505"

// Postgres is the database/sql backed Store.
type Postgres struct {
	db     *sql.DB
	hasher *PasswordHasher
	sealer *Sealer
}

// Open opens a PostgreSQL connection pool. sql.Open does not dial; callers
// should Ping before serving.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// NewPostgres wraps an open pool.
func NewPostgres(db *sql.DB, hasher *PasswordHasher, sealer *Sealer) *Postgres {
	return &Postgres{db: db, hasher: hasher, sealer: sealer}
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CreateUser implements UserStore.
func (p *Postgres) CreateUser(ctx context.Context, username, email, password string) (*model.User, error) {
	hash, err := p.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	u := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleUser,
		Status:       model.StatusOffline,
	}
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, password_hash, role, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		u.Username, u.Email, u.PasswordHash, u.Role, u.Status,
	).Scan(&u.ID, &u.CreatedAt)
	if isUniqueViolation(err) {
		return nil, model.NewDuplicateError("Username or email already exists")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return u, nil
}

// Authenticate implements UserStore.
func (p *Postgres) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	u, err := p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, role, status, last_seen, created_at
		 FROM users WHERE username = $1`,
		username,
	))
	if errors.Is(err, sql.ErrNoRows) {
		p.hasher.VerifyMissing(password)
		return nil, model.NewAuthInvalidError("Invalid credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by username: %w", err)
	}
	if !p.hasher.Verify(password, u.PasswordHash) {
		return nil, model.NewAuthInvalidError("Invalid credentials")
	}
	return u, nil
}

// FindUserByID implements UserStore.
func (p *Postgres) FindUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, role, status, last_seen, created_at
		 FROM users WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("User")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return u, nil
}

func (p *Postgres) scanUser(row *sql.Row) (*model.User, error) {
	u := &model.User{}
	var lastSeen sql.NullTime
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.Status, &lastSeen, &u.CreatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		u.LastSeen = &lastSeen.Time
	}
	return u, nil
}

// UpdateUserStatus implements UserStore.
func (p *Postgres) UpdateUserStatus(ctx context.Context, id int64, status string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE users SET status = $1, last_seen = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	return expectRow(result, "User")
}

// CreateRoom implements RoomStore.
func (p *Postgres) CreateRoom(ctx context.Context, in model.NewRoom) (*model.Room, error) {
	var hash sql.NullString
	if in.Password != "" {
		h, err := p.hasher.Hash(in.Password)
		if err != nil {
			return nil, err
		}
		hash = sql.NullString{String: h, Valid: true}
	}
	if in.MaxMembers <= 0 {
		in.MaxMembers = model.DefaultMaxMembers
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	r := &model.Room{
		Name:         in.Name,
		Description:  in.Description,
		PasswordHash: hash.String,
		OwnerID:      in.OwnerID,
		IsPrivate:    in.IsPrivate,
		MaxMembers:   in.MaxMembers,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO rooms (name, description, password_hash, created_by, is_private, max_members)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		r.Name, r.Description, hash, r.OwnerID, r.IsPrivate, r.MaxMembers,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert room: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO room_memberships (user_id, room_id, role) VALUES ($1, $2, $3)`,
		r.OwnerID, r.ID, model.MemberRoleAdmin,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return r, nil
}

const roomColumns = `r.id, r.name, r.description, COALESCE(r.password_hash, ''), r.created_by, r.is_private, r.max_members, r.created_at`

func scanRoom(s interface{ Scan(...any) error }) (*model.Room, error) {
	r := &model.Room{}
	err := s.Scan(&r.ID, &r.Name, &r.Description, &r.PasswordHash, &r.OwnerID, &r.IsPrivate, &r.MaxMembers, &r.CreatedAt)
	return r, err
}

// FindRoom implements RoomStore.
func (p *Postgres) FindRoom(ctx context.Context, id int64) (*model.Room, error) {
	r, err := scanRoom(p.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms r WHERE r.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("Room")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	return r, nil
}

// ListRooms implements RoomStore.
func (p *Postgres) ListRooms(ctx context.Context, userID int64) ([]*model.Room, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+roomColumns+`
		 FROM rooms r
		 WHERE r.is_private = FALSE
		    OR EXISTS (SELECT 1 FROM room_memberships m WHERE m.room_id = r.id AND m.user_id = $1)
		 ORDER BY r.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*model.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// JoinRoom implements RoomStore. The capacity check and insert run in one
// transaction holding a row lock on the room.
func (p *Postgres) JoinRoom(ctx context.Context, userID, roomID int64, password string) (*model.Membership, error) {
	room, err := p.FindRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := checkRoomPassword(p.hasher, room.PasswordHash, password); err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxMembers, count int
	err = tx.QueryRowContext(ctx,
		`SELECT max_members FROM rooms WHERE id = $1 FOR UPDATE`, roomID,
	).Scan(&maxMembers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("Room")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock room: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM room_memberships WHERE room_id = $1`, roomID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count members: %w", err)
	}

	ms := &model.Membership{UserID: userID, RoomID: roomID, Role: model.MemberRoleMember}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO room_memberships (user_id, room_id, role) VALUES ($1, $2, $3)
		 RETURNING joined_at`,
		userID, roomID, ms.Role,
	).Scan(&ms.JoinedAt)
	if isUniqueViolation(err) {
		return nil, model.NewDuplicateError("Already a member of this room")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert membership: %w", err)
	}
	if count >= maxMembers {
		return nil, model.NewForbiddenError("Room is full")
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ms, nil
}

// LeaveRoom implements RoomStore.
func (p *Postgres) LeaveRoom(ctx context.Context, userID, roomID int64) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM room_memberships WHERE user_id = $1 AND room_id = $2`,
		userID, roomID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := p.FindRoom(ctx, roomID); err != nil {
			return err
		}
		return model.NewNotAMemberError()
	}
	return nil
}

// UserRooms implements RoomStore.
func (p *Postgres) UserRooms(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT room_id FROM room_memberships WHERE user_id = $1 ORDER BY room_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user rooms: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveMessage implements MessageStore.
func (p *Postgres) SaveMessage(ctx context.Context, msg *model.Message, encrypt bool) error {
	var roomID, recipientID sql.NullInt64
	if id, ok := msg.Target.Room(); ok && msg.Target.Valid() {
		roomID = sql.NullInt64{Int64: id, Valid: true}
	} else if id, ok := msg.Target.Recipient(); ok && msg.Target.Valid() {
		recipientID = sql.NullInt64{Int64: id, Valid: true}
	} else {
		return model.NewValidationError("Message must target exactly one room or recipient")
	}

	content := msg.Content
	if encrypt {
		sealed, err := p.sealer.Seal(content)
		if err != nil {
			return err
		}
		content = sealed
	}

	var replyTo sql.NullInt64
	if msg.ReplyToID != nil {
		replyTo = sql.NullInt64{Int64: *msg.ReplyToID, Valid: true}
	}
	if msg.Type == "" {
		msg.Type = model.MessageTypeText
	}

	err := p.db.QueryRowContext(ctx,
		`WITH inserted AS (
		     INSERT INTO messages (sender_id, room_id, recipient_id, content, message_type, encrypted, reply_to_id)
		     VALUES ($1, $2, $3, $4, $5, $6, $7)
		     RETURNING id, sender_id, created_at
		 )
		 SELECT i.id, i.created_at, u.username FROM inserted i JOIN users u ON u.id = i.sender_id`,
		msg.SenderID, roomID, recipientID, content, msg.Type, encrypt, replyTo,
	).Scan(&msg.ID, &msg.Timestamp, &msg.SenderUsername)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	msg.Encrypted = encrypt
	return nil
}

const messageColumns = `m.id, m.sender_id, u.username, m.room_id, m.recipient_id, m.content, m.message_type,
	m.encrypted, m.edited, m.reply_to_id, m.created_at`

// RoomMessages implements MessageStore.
func (p *Postgres) RoomMessages(ctx context.Context, roomID int64, limit, offset int) ([]*model.Message, error) {
	return p.queryMessages(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = $1
		 ORDER BY m.id DESC
		 LIMIT $2 OFFSET $3`,
		roomID, pageSize(limit), pageOffset(offset),
	)
}

// PrivateMessages implements MessageStore.
func (p *Postgres) PrivateMessages(ctx context.Context, a, b int64, limit int) ([]*model.Message, error) {
	return p.queryMessages(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE (m.sender_id = $1 AND m.recipient_id = $2)
		    OR (m.sender_id = $2 AND m.recipient_id = $1)
		 ORDER BY m.id DESC
		 LIMIT $3`,
		a, b, pageSize(limit),
	)
}

func (p *Postgres) queryMessages(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var msg model.Message
		var roomID, recipient, replyTo sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.SenderUsername, &roomID, &recipient,
			&msg.Content, &msg.Type, &msg.Encrypted, &msg.Edited, &replyTo, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if roomID.Valid {
			msg.Target = model.RoomTarget(roomID.Int64)
		} else {
			msg.Target = model.UserTarget(recipient.Int64)
		}
		if replyTo.Valid {
			id := replyTo.Int64
			msg.ReplyToID = &id
		}
		if msg.Encrypted {
			plain, err := p.sealer.Open(msg.Content)
			if err != nil {
				return nil, err
			}
			msg.Content = plain
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// CreateNotification implements NotificationStore.
func (p *Postgres) CreateNotification(ctx context.Context, n *model.Notification) error {
	var data []byte
	if n.Data != nil {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("failed to encode notification data: %w", err)
		}
		data = b
	}

	err := p.db.QueryRowContext(ctx,
		`INSERT INTO notifications (user_id, type, title, message, data)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		n.UserID, n.Type, n.Title, n.Message, data,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications implements NotificationStore.
func (p *Postgres) ListNotifications(ctx context.Context, userID int64, limit int) ([]*model.Notification, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, type, title, message, data, read, created_at
		 FROM notifications WHERE user_id = $1
		 ORDER BY id DESC LIMIT $2`,
		userID, pageSize(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*model.Notification
	for rows.Next() {
		n := &model.Notification{}
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("failed to decode notification data: %w", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CreateFileTransfer implements FileTransferStore.
func (p *Postgres) CreateFileTransfer(ctx context.Context, t *model.FileTransfer) error {
	if t.Status == "" {
		t.Status = TransferPending
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO file_transfers (transfer_id, sender_id, recipient_id, file_name, file_path, file_size, file_type, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING started_at`,
		t.ID, t.SenderID, t.RecipientID, t.FileName, t.FilePath, t.FileSize, t.FileType, t.Status,
	).Scan(&t.StartedAt)
	if isUniqueViolation(err) {
		return model.NewDuplicateError("Transfer already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert file transfer: %w", err)
	}
	return nil
}

const transferColumns = `transfer_id, sender_id, recipient_id, file_name, file_path, file_size, file_type, status, started_at, completed_at`

func scanTransfer(s interface{ Scan(...any) error }) (*model.FileTransfer, error) {
	t := &model.FileTransfer{}
	var completed sql.NullTime
	err := s.Scan(&t.ID, &t.SenderID, &t.RecipientID, &t.FileName, &t.FilePath, &t.FileSize,
		&t.FileType, &t.Status, &t.StartedAt, &completed)
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return t, err
}

// FindFileTransfer implements FileTransferStore.
func (p *Postgres) FindFileTransfer(ctx context.Context, id string) (*model.FileTransfer, error) {
	t, err := scanTransfer(p.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM file_transfers WHERE transfer_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("Transfer")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find file transfer: %w", err)
	}
	return t, nil
}

// ListFileTransfers implements FileTransferStore.
func (p *Postgres) ListFileTransfers(ctx context.Context, userID int64, limit int) ([]*model.FileTransfer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+transferColumns+`
		 FROM file_transfers
		 WHERE sender_id = $1 OR recipient_id = $1
		 ORDER BY started_at DESC LIMIT $2`,
		userID, pageSize(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list file transfers: %w", err)
	}
	defer rows.Close()

	var out []*model.FileTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file transfer: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompleteFileTransfer implements FileTransferStore.
func (p *Postgres) CompleteFileTransfer(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE file_transfers SET status = $1, completed_at = $2 WHERE transfer_id = $3`,
		TransferCompleted, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete file transfer: %w", err)
	}
	return expectRow(result, "Transfer")
}

// LogConnection implements AuditStore.
func (p *Postgres) LogConnection(ctx context.Context, userID int64, action, address string) error {
	var uid sql.NullInt64
	if userID > 0 {
		uid = sql.NullInt64{Int64: userID, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO connection_logs (user_id, action, ip_address) VALUES ($1, $2, $3)`,
		uid, action, address,
	)
	if err != nil {
		return fmt.Errorf("failed to insert connection log: %w", err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func expectRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(what)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
