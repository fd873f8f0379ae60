package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/gochat/internal/model"
)

// Memory is an in-process Store. It is used when no DATABASE_URL is
// configured and by tests.
type Memory struct {
	hasher *PasswordHasher
	sealer *Sealer
	now    func() time.Time

	mu            sync.RWMutex
	nextUserID    int64
	nextRoomID    int64
	nextMessageID int64
	nextNoticeID  int64
	users         map[int64]*model.User
	usernames     map[string]int64
	emails        map[string]int64
	rooms         map[int64]*model.Room
	members       map[int64]map[int64]*model.Membership // room -> user -> membership
	messages      []*model.Message
	notifications []*model.Notification
	transfers     map[string]*model.FileTransfer
	connLogs      []ConnectionLog
}

// NewMemory creates an empty in-memory store.
func NewMemory(hasher *PasswordHasher, sealer *Sealer) *Memory {
	return &Memory{
		hasher:    hasher,
		sealer:    sealer,
		now:       func() time.Time { return time.Now().UTC() },
		users:     make(map[int64]*model.User),
		usernames: make(map[string]int64),
		emails:    make(map[string]int64),
		rooms:     make(map[int64]*model.Room),
		members:   make(map[int64]map[int64]*model.Membership),
		transfers: make(map[string]*model.FileTransfer),
	}
}

// CreateUser implements UserStore.
func (m *Memory) CreateUser(_ context.Context, username, email, password string) (*model.User, error) {
	hash, err := m.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usernames[username]; ok {
		return nil, model.NewDuplicateError("Username or email already exists")
	}
	if _, ok := m.emails[email]; ok {
		return nil, model.NewDuplicateError("Username or email already exists")
	}

	m.nextUserID++
	u := &model.User{
		ID:           m.nextUserID,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleUser,
		Status:       model.StatusOffline,
		CreatedAt:    m.now(),
	}
	m.users[u.ID] = u
	m.usernames[username] = u.ID
	m.emails[email] = u.ID

	cp := *u
	return &cp, nil
}

// Authenticate implements UserStore.
func (m *Memory) Authenticate(_ context.Context, username, password string) (*model.User, error) {
	m.mu.RLock()
	var found *model.User
	if id, ok := m.usernames[username]; ok {
		cp := *m.users[id]
		found = &cp
	}
	m.mu.RUnlock()

	if found == nil {
		m.hasher.VerifyMissing(password)
		return nil, model.NewAuthInvalidError("Invalid credentials")
	}
	if !m.hasher.Verify(password, found.PasswordHash) {
		return nil, model.NewAuthInvalidError("Invalid credentials")
	}
	return found, nil
}

// FindUserByID implements UserStore.
func (m *Memory) FindUserByID(_ context.Context, id int64) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, model.NewNotFoundError("User")
	}
	cp := *u
	return &cp, nil
}

// UpdateUserStatus implements UserStore.
func (m *Memory) UpdateUserStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return model.NewNotFoundError("User")
	}
	now := m.now()
	u.Status = status
	u.LastSeen = &now
	return nil
}

// CreateRoom implements RoomStore.
func (m *Memory) CreateRoom(_ context.Context, in model.NewRoom) (*model.Room, error) {
	var hash string
	if in.Password != "" {
		h, err := m.hasher.Hash(in.Password)
		if err != nil {
			return nil, err
		}
		hash = h
	}
	if in.MaxMembers <= 0 {
		in.MaxMembers = model.DefaultMaxMembers
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[in.OwnerID]; !ok {
		return nil, model.NewNotFoundError("User")
	}

	now := m.now()
	m.nextRoomID++
	r := &model.Room{
		ID:           m.nextRoomID,
		Name:         in.Name,
		Description:  in.Description,
		PasswordHash: hash,
		OwnerID:      in.OwnerID,
		IsPrivate:    in.IsPrivate,
		MaxMembers:   in.MaxMembers,
		CreatedAt:    now,
	}
	m.rooms[r.ID] = r
	m.members[r.ID] = map[int64]*model.Membership{
		in.OwnerID: {UserID: in.OwnerID, RoomID: r.ID, Role: model.MemberRoleAdmin, JoinedAt: now},
	}

	cp := *r
	return &cp, nil
}

// FindRoom implements RoomStore.
func (m *Memory) FindRoom(_ context.Context, id int64) (*model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[id]
	if !ok {
		return nil, model.NewNotFoundError("Room")
	}
	cp := *r
	return &cp, nil
}

// ListRooms implements RoomStore.
func (m *Memory) ListRooms(_ context.Context, userID int64) ([]*model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]*model.Room, 0, len(m.rooms))
	for id, r := range m.rooms {
		_, member := m.members[id][userID]
		if r.IsPrivate && !member {
			continue
		}
		cp := *r
		rooms = append(rooms, &cp)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

// JoinRoom implements RoomStore.
func (m *Memory) JoinRoom(_ context.Context, userID, roomID int64, password string) (*model.Membership, error) {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	var hash string
	if ok {
		hash = r.PasswordHash
	}
	m.mu.RUnlock()

	if !ok {
		return nil, model.NewNotFoundError("Room")
	}
	if err := checkRoomPassword(m.hasher, hash, password); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.members[roomID]
	if _, ok := members[userID]; ok {
		return nil, model.NewDuplicateError("Already a member of this room")
	}
	if len(members) >= m.rooms[roomID].MaxMembers {
		return nil, model.NewForbiddenError("Room is full")
	}

	ms := &model.Membership{UserID: userID, RoomID: roomID, Role: model.MemberRoleMember, JoinedAt: m.now()}
	members[userID] = ms

	cp := *ms
	return &cp, nil
}

// LeaveRoom implements RoomStore.
func (m *Memory) LeaveRoom(_ context.Context, userID, roomID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomID]; !ok {
		return model.NewNotFoundError("Room")
	}
	if _, ok := m.members[roomID][userID]; !ok {
		return model.NewNotAMemberError()
	}
	delete(m.members[roomID], userID)
	return nil
}

// UserRooms implements RoomStore.
func (m *Memory) UserRooms(_ context.Context, userID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []int64
	for roomID, members := range m.members {
		if _, ok := members[userID]; ok {
			ids = append(ids, roomID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SaveMessage implements MessageStore.
func (m *Memory) SaveMessage(_ context.Context, msg *model.Message, encrypt bool) error {
	if !msg.Target.Valid() {
		return model.NewValidationError("Message must target exactly one room or recipient")
	}

	stored := *msg
	if encrypt {
		sealed, err := m.sealer.Seal(msg.Content)
		if err != nil {
			return err
		}
		stored.Content = sealed
		stored.Encrypted = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextMessageID++
	stored.ID = m.nextMessageID
	if stored.Timestamp.IsZero() {
		stored.Timestamp = m.now()
	}
	if u, ok := m.users[stored.SenderID]; ok {
		stored.SenderUsername = u.Username
	}
	m.messages = append(m.messages, &stored)

	msg.ID = stored.ID
	msg.Encrypted = stored.Encrypted
	msg.Timestamp = stored.Timestamp
	msg.SenderUsername = stored.SenderUsername
	return nil
}

// RoomMessages implements MessageStore.
func (m *Memory) RoomMessages(_ context.Context, roomID int64, limit, offset int) ([]*model.Message, error) {
	return m.collectMessages(pageSize(limit), pageOffset(offset), func(msg *model.Message) bool {
		id, ok := msg.Target.Room()
		return ok && id == roomID
	})
}

// PrivateMessages implements MessageStore.
func (m *Memory) PrivateMessages(_ context.Context, a, b int64, limit int) ([]*model.Message, error) {
	return m.collectMessages(pageSize(limit), 0, func(msg *model.Message) bool {
		to, ok := msg.Target.Recipient()
		if !ok {
			return false
		}
		return (msg.SenderID == a && to == b) || (msg.SenderID == b && to == a)
	})
}

func (m *Memory) collectMessages(limit, offset int, match func(*model.Message) bool) ([]*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Message, 0, limit)
	skipped := 0
	for i := len(m.messages) - 1; i >= 0 && len(out) < limit; i-- {
		msg := m.messages[i]
		if !match(msg) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *msg
		if cp.Encrypted {
			plain, err := m.sealer.Open(cp.Content)
			if err != nil {
				return nil, err
			}
			cp.Content = plain
		}
		out = append(out, &cp)
	}
	return out, nil
}

// CreateNotification implements NotificationStore.
func (m *Memory) CreateNotification(_ context.Context, n *model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextNoticeID++
	n.ID = m.nextNoticeID
	n.CreatedAt = m.now()
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

// ListNotifications implements NotificationStore.
func (m *Memory) ListNotifications(_ context.Context, userID int64, limit int) ([]*model.Notification, error) {
	limit = pageSize(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if n := m.notifications[i]; n.UserID == userID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CreateFileTransfer implements FileTransferStore.
func (m *Memory) CreateFileTransfer(_ context.Context, t *model.FileTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transfers[t.ID]; ok {
		return model.NewDuplicateError("Transfer already exists")
	}
	if t.Status == "" {
		t.Status = TransferPending
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = m.now()
	}
	cp := *t
	m.transfers[t.ID] = &cp
	return nil
}

// FindFileTransfer implements FileTransferStore.
func (m *Memory) FindFileTransfer(_ context.Context, id string) (*model.FileTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transfers[id]
	if !ok {
		return nil, model.NewNotFoundError("Transfer")
	}
	cp := *t
	return &cp, nil
}

// ListFileTransfers implements FileTransferStore.
func (m *Memory) ListFileTransfers(_ context.Context, userID int64, limit int) ([]*model.FileTransfer, error) {
	limit = pageSize(limit)

	m.mu.RLock()
	out := make([]*model.FileTransfer, 0)
	for _, t := range m.transfers {
		if t.SenderID == userID || t.RecipientID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CompleteFileTransfer implements FileTransferStore.
func (m *Memory) CompleteFileTransfer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[id]
	if !ok {
		return model.NewNotFoundError("Transfer")
	}
	now := m.now()
	t.Status = TransferCompleted
	t.CompletedAt = &now
	return nil
}

// LogConnection implements AuditStore.
func (m *Memory) LogConnection(_ context.Context, userID int64, action, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connLogs = append(m.connLogs, ConnectionLog{
		UserID:    userID,
		Action:    action,
		Address:   address,
		Timestamp: m.now(),
	})
	return nil
}

// ConnectionLogs returns a copy of the audit log.
func (m *Memory) ConnectionLogs() []ConnectionLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConnectionLog(nil), m.connLogs...)
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}

func checkRoomPassword(hasher *PasswordHasher, hash, password string) error {
	if hash == "" {
		return nil
	}
	if password == "" {
		return model.NewForbiddenError("Room password required")
	}
	if !hasher.Verify(password, hash) {
		return model.NewForbiddenError("Invalid room password")
	}
	return nil
}

var _ Store = (*Memory)(nil)
