package store

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/gochat/internal/model"
)

type storeFactory func(t *testing.T) Store

func newTestHasher() *PasswordHasher {
	return NewPasswordHasher(bcrypt.MinCost)
}

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer("")
	require.NoError(t, err)
	return s
}

func newMemoryStore(t *testing.T) Store {
	return NewMemory(newTestHasher(), newTestSealer(t))
}

func newPostgresStore(t *testing.T) Store {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres store tests")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("test database not reachable: %v", err)
	}

	_, err = db.Exec(`
		DROP TABLE IF EXISTS connection_logs CASCADE;
		DROP TABLE IF EXISTS file_transfers CASCADE;
		DROP TABLE IF EXISTS notifications CASCADE;
		DROP TABLE IF EXISTS messages CASCADE;
		DROP TABLE IF EXISTS room_memberships CASCADE;
		DROP TABLE IF EXISTS rooms CASCADE;
		DROP TABLE IF EXISTS users CASCADE;
		DROP TABLE IF EXISTS schema_migrations CASCADE;
	`)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(dbURL))

	s := NewPostgres(db, newTestHasher(), newTestSealer(t))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, newMemoryStore)
}

func TestPostgresStoreContract(t *testing.T) {
	runStoreContract(t, newPostgresStore)
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("rooms", func(t *testing.T) { testRooms(t, newStore(t)) })
	t.Run("room passwords", func(t *testing.T) { testRoomPasswords(t, newStore(t)) })
	t.Run("room capacity", func(t *testing.T) { testRoomCapacity(t, newStore(t)) })
	t.Run("messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("notifications", func(t *testing.T) { testNotifications(t, newStore(t)) })
	t.Run("file transfers", func(t *testing.T) { testFileTransfers(t, newStore(t)) })
	t.Run("connection log", func(t *testing.T) { testConnectionLog(t, newStore(t)) })
}

func mustCreateUser(t *testing.T, s Store, name string) *model.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), name, name+"@example.com", "Aa1!aaaa")
	require.NoError(t, err)
	return u
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "alice", "a@x.com", "Aa1!aaaa")
	require.NoError(t, err)
	assert.Positive(t, alice.ID)
	assert.Equal(t, model.RoleUser, alice.Role)
	assert.Equal(t, model.StatusOffline, alice.Status)
	assert.NotEqual(t, "Aa1!aaaa", alice.PasswordHash)

	_, err = s.CreateUser(ctx, "alice", "other@x.com", "Aa1!aaaa")
	assert.ErrorIs(t, err, model.ErrDuplicate)
	_, err = s.CreateUser(ctx, "alice2", "a@x.com", "Aa1!aaaa")
	assert.ErrorIs(t, err, model.ErrDuplicate)

	got, err := s.Authenticate(ctx, "alice", "Aa1!aaaa")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, model.ErrAuthInvalid)
	_, err = s.Authenticate(ctx, "nobody", "Aa1!aaaa")
	assert.ErrorIs(t, err, model.ErrAuthInvalid)

	require.NoError(t, s.UpdateUserStatus(ctx, alice.ID, model.StatusOnline))
	got, err = s.FindUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, got.Status)
	assert.NotNil(t, got.LastSeen)

	_, err = s.FindUserByID(ctx, 9999)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.UpdateUserStatus(ctx, 9999, model.StatusOnline), model.ErrNotFound)
}

func testRooms(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	general, err := s.CreateRoom(ctx, model.NewRoom{Name: "general", OwnerID: alice.ID})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultMaxMembers, general.MaxMembers)
	assert.False(t, general.HasPassword())

	secret, err := s.CreateRoom(ctx, model.NewRoom{Name: "secret", OwnerID: alice.ID, IsPrivate: true})
	require.NoError(t, err)

	rooms, err := s.UserRooms(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{general.ID, secret.ID}, rooms, "creator is a member of both")

	visible, err := s.ListRooms(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, general.ID, visible[0].ID)

	ms, err := s.JoinRoom(ctx, bob.ID, general.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.MemberRoleMember, ms.Role)

	_, err = s.JoinRoom(ctx, bob.ID, general.ID, "")
	assert.ErrorIs(t, err, model.ErrDuplicate, "re-joining is rejected")

	_, err = s.JoinRoom(ctx, bob.ID, 9999, "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.LeaveRoom(ctx, bob.ID, general.ID))
	assert.ErrorIs(t, s.LeaveRoom(ctx, bob.ID, general.ID), model.ErrNotAMember)
	assert.ErrorIs(t, s.LeaveRoom(ctx, bob.ID, 9999), model.ErrNotFound)

	rooms, err = s.UserRooms(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func testRoomPasswords(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	room, err := s.CreateRoom(ctx, model.NewRoom{Name: "locked", OwnerID: alice.ID, Password: "hunter2"})
	require.NoError(t, err)
	assert.True(t, room.HasPassword())

	_, err = s.JoinRoom(ctx, bob.ID, room.ID, "")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = s.JoinRoom(ctx, bob.ID, room.ID, "wrong")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = s.JoinRoom(ctx, bob.ID, room.ID, "hunter2")
	assert.NoError(t, err)
}

func testRoomCapacity(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	carol := mustCreateUser(t, s, "carol")

	room, err := s.CreateRoom(ctx, model.NewRoom{Name: "pair", OwnerID: alice.ID, MaxMembers: 2})
	require.NoError(t, err)

	_, err = s.JoinRoom(ctx, bob.ID, room.ID, "")
	require.NoError(t, err)
	_, err = s.JoinRoom(ctx, carol.ID, room.ID, "")
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func testMessages(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	room, err := s.CreateRoom(ctx, model.NewRoom{Name: "general", OwnerID: alice.ID})
	require.NoError(t, err)

	var ids []int64
	for _, content := range []string{"one", "two", "three"} {
		msg, err := model.NewRoomMessage(alice.ID, room.ID, content, nil)
		require.NoError(t, err)
		require.NoError(t, s.SaveMessage(ctx, msg, false))
		assert.Equal(t, "alice", msg.SenderUsername)
		ids = append(ids, msg.ID)
	}

	got, err := s.RoomMessages(ctx, room.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[0].Content, "newest first")
	assert.Equal(t, "two", got[1].Content)

	got, err = s.RoomMessages(ctx, room.ID, 10, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[0], got[0].ID)

	reply, err := model.NewRoomMessage(bob.ID, room.ID, "re: one", &ids[0])
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(ctx, reply, false))
	got, err = s.RoomMessages(ctx, room.ID, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, got[0].ReplyToID)
	assert.Equal(t, ids[0], *got[0].ReplyToID)

	secret, err := model.NewPrivateMessage(alice.ID, bob.ID, "psst")
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(ctx, secret, true))
	assert.True(t, secret.Encrypted)
	assert.Equal(t, "psst", secret.Content)

	back, err := model.NewPrivateMessage(bob.ID, alice.ID, "hi")
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(ctx, back, false))

	conv, err := s.PrivateMessages(ctx, bob.ID, alice.ID, 0)
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, "hi", conv[0].Content)
	assert.Equal(t, "psst", conv[1].Content, "encrypted content is opened on read")
	assert.True(t, conv[1].Encrypted)
	to, ok := conv[1].Target.Recipient()
	assert.True(t, ok)
	assert.Equal(t, bob.ID, to)

	assert.Error(t, s.SaveMessage(ctx, &model.Message{SenderID: alice.ID, Content: "x"}, false))
}

func testNotifications(t *testing.T, s Store) {
	ctx := context.Background()
	bob := mustCreateUser(t, s, "bob")

	n := &model.Notification{
		UserID:  bob.ID,
		Type:    "private_message",
		Title:   "New message from alice",
		Message: "hi",
		Data:    map[string]any{"sender_id": float64(1)},
	}
	require.NoError(t, s.CreateNotification(ctx, n))
	assert.Positive(t, n.ID)

	list, err := s.ListNotifications(ctx, bob.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "private_message", list[0].Type)
	assert.Equal(t, float64(1), list[0].Data["sender_id"])
	assert.False(t, list[0].Read)
}

func testFileTransfers(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	carol := mustCreateUser(t, s, "carol")

	tr := &model.FileTransfer{
		ID:          "abc123",
		SenderID:    alice.ID,
		RecipientID: bob.ID,
		FileName:    "notes.txt",
		FilePath:    "/tmp/uploads/documents/abc123.txt",
		FileSize:    42,
		FileType:    "documents",
	}
	require.NoError(t, s.CreateFileTransfer(ctx, tr))
	assert.Equal(t, TransferPending, tr.Status)
	assert.ErrorIs(t, s.CreateFileTransfer(ctx, tr), model.ErrDuplicate)

	got, err := s.FindFileTransfer(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, tr.FilePath, got.FilePath)

	for _, id := range []int64{alice.ID, bob.ID} {
		list, err := s.ListFileTransfers(ctx, id, 0)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	}
	list, err := s.ListFileTransfers(ctx, carol.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.CompleteFileTransfer(ctx, "abc123"))
	got, err = s.FindFileTransfer(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	_, err = s.FindFileTransfer(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.CompleteFileTransfer(ctx, "missing"), model.ErrNotFound)
}

func testConnectionLog(t *testing.T, s Store) {
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	assert.NoError(t, s.LogConnection(ctx, alice.ID, "login", "127.0.0.1"))
	assert.NoError(t, s.LogConnection(ctx, 0, "connect", "127.0.0.1"))

	if m, ok := s.(*Memory); ok {
		logs := m.ConnectionLogs()
		require.Len(t, logs, 2)
		assert.Equal(t, "login", logs[0].Action)
	}
}
