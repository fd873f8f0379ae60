package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/config"
	"github.com/Tyrowin/gochat/internal/files"
	"github.com/Tyrowin/gochat/internal/logger"
	"github.com/Tyrowin/gochat/internal/ratelimit"
	"github.com/Tyrowin/gochat/internal/server"
	"github.com/Tyrowin/gochat/internal/store"
	"github.com/Tyrowin/gochat/test/testhelpers"
)

const (
	password  = "Passw0rd!"
	quietWait = 300 * time.Millisecond
)

type env struct {
	srv   *server.Server
	http  *httptest.Server
	store *store.Memory
	auth  *auth.Service
}

// testRules keep the login rule at its production value and relax the rest
// so that scenarios can register several users from one address.
func testRules() ratelimit.Rules {
	return ratelimit.Rules{
		ratelimit.ClassLogin:      {MaxRequests: 5, Window: 300 * time.Second},
		ratelimit.ClassRegister:   {MaxRequests: 100, Window: time.Hour},
		ratelimit.ClassMessage:    {MaxRequests: 100, Window: time.Minute},
		ratelimit.ClassFileUpload: {MaxRequests: 5, Window: 300 * time.Second},
		ratelimit.ClassRoomCreate: {MaxRequests: 100, Window: time.Hour},
		ratelimit.ClassDefault:    {MaxRequests: 1000, Window: time.Minute},
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithBurst(t, 500)
}

// newEnvWithBurst sets the per-connection frame burst. Zero keeps the
// default.
func newEnvWithBurst(t *testing.T, burst int) *env {
	t.Helper()

	sealer, err := store.NewSealer("")
	require.NoError(t, err)
	mem := store.NewMemory(store.NewPasswordHasher(bcrypt.MinCost), sealer)

	sessions, err := auth.NewSessions("scenario-secret")
	require.NoError(t, err)
	svc := auth.NewService(mem, sessions, auth.NewGuard(10, time.Hour, time.Hour), time.Hour)

	disk, err := files.NewDisk(t.TempDir())
	require.NoError(t, err)
	fileSvc, err := files.NewService(disk, mem, 1<<20, logger.Discard())
	require.NoError(t, err)

	cfg := config.Default()
	if burst > 0 {
		cfg.RateLimit.Burst = burst
	}

	srv, err := server.New(server.Deps{
		Config:  cfg,
		Auth:    svc,
		Store:   mem,
		Limiter: ratelimit.NewMemory(testRules()),
		Files:   fileSvc,
		Logger:  logger.Discard(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Shutdown(2 * time.Second) })

	return &env{srv: srv, http: ts, store: mem, auth: svc}
}

type user struct {
	conn  *testhelpers.Conn
	id    int64
	name  string
	token string
}

func (e *env) register(t *testing.T, name string) *user {
	t.Helper()
	c := testhelpers.Dial(t, e.http.URL)
	resp := c.Call(server.ActionRegister, map[string]any{
		"username": name,
		"email":    name + "@example.com",
		"password": password,
	})
	require.True(t, resp.Success(), "register %s: %v", name, resp)
	return &user{conn: c, id: resp.Int("user_id"), name: name, token: resp.String("token")}
}

// disconnect closes u's socket and waits until the server has finished
// tearing the connection down.
func (e *env) disconnect(t *testing.T, u *user) {
	t.Helper()
	before := e.srv.Hub().ClientCount()
	u.conn.Close()
	require.Eventually(t, func() bool {
		return !e.srv.Hub().IsOnline(u.id) && e.srv.Hub().ClientCount() == before-1
	}, 2*time.Second, 10*time.Millisecond)
}

func createRoom(t *testing.T, owner *user, name string) int64 {
	t.Helper()
	resp := owner.conn.Call(server.ActionCreateRoom, map[string]any{"name": name})
	require.True(t, resp.Success(), "create_room: %v", resp)
	return resp.Int("room_id")
}

func TestScenario_RegisterLoginAndTokenLogin(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	assert.NotEmpty(t, alice.token)
	assert.True(t, e.srv.Hub().IsOnline(alice.id))

	dup := testhelpers.Dial(t, e.http.URL)
	resp := dup.Call(server.ActionRegister, map[string]any{"username": "alice", "email": "other@example.com", "password": password})
	assert.False(t, resp.Success())
	assert.Equal(t, "duplicate", resp.String("error"))

	weak := dup.Call(server.ActionRegister, map[string]any{"username": "bobby", "email": "bobby@example.com", "password": "short"})
	assert.Equal(t, "validation", weak.String("error"))
	assert.NotEmpty(t, weak["issues"])

	second := testhelpers.Dial(t, e.http.URL)
	login := second.Call(server.ActionLogin, map[string]any{"username": "alice", "password": password})
	require.True(t, login.Success(), login)
	assert.Equal(t, alice.id, login.Int("user_id"))
	assert.Equal(t, "alice@example.com", login.String("email"))
	assert.Equal(t, "user", login.String("role"))

	third := testhelpers.Dial(t, e.http.URL)
	tok := third.Call(server.ActionTokenLogin, map[string]any{"token": login.String("token")})
	require.True(t, tok.Success(), tok)
	assert.Equal(t, "alice", tok.String("username"))

	bad := testhelpers.Dial(t, e.http.URL).Call(server.ActionLogin, map[string]any{"username": "alice", "password": "Wr0ngPassword"})
	assert.Equal(t, "auth_invalid", bad.String("error"))
	assert.Equal(t, "Invalid credentials", bad.String("message"))
}

func TestScenario_ProtectedActionBeforeLogin(t *testing.T) {
	e := newEnv(t)
	c := testhelpers.Dial(t, e.http.URL)

	resp := c.Call(server.ActionGetRooms, nil)
	assert.False(t, resp.Success())
	assert.Equal(t, "auth_required", resp.String("error"))

	ping := c.Call(server.ActionPing, nil)
	assert.True(t, ping.Success())
	assert.Equal(t, "pong", ping.String("message"))

	c.SendRaw([]byte("not json"))
	invalid := c.NextReply()
	assert.Equal(t, "Invalid JSON format", invalid.String("message"))
}

func TestScenario_LoginRateLimit(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.CreateUser(context.Background(), "frank", "frank@example.com", password)
	require.NoError(t, err)

	c := testhelpers.Dial(t, e.http.URL)
	for i := 1; i <= 5; i++ {
		resp := c.Call(server.ActionLogin, map[string]any{"username": "frank", "password": password})
		require.True(t, resp.Success(), "attempt %d: %v", i, resp)
	}

	resp := c.Call(server.ActionLogin, map[string]any{"username": "frank", "password": password})
	assert.False(t, resp.Success())
	assert.Equal(t, "rate_limited", resp.String("error"))
	assert.Greater(t, resp.Int("retry_after"), int64(0))
}

func TestScenario_WrongPasswordsThenCorrectLoginIsRateLimited(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.CreateUser(context.Background(), "gina", "gina@example.com", password)
	require.NoError(t, err)

	c := testhelpers.Dial(t, e.http.URL)
	for i := 1; i <= 5; i++ {
		resp := c.Call(server.ActionLogin, map[string]any{"username": "gina", "password": "Wr0ngPassword"})
		require.Equal(t, "auth_invalid", resp.String("error"), "attempt %d", i)
	}

	resp := c.Call(server.ActionLogin, map[string]any{"username": "gina", "password": password})
	assert.False(t, resp.Success())
	assert.Equal(t, "rate_limited", resp.String("error"))
	assert.Greater(t, resp.Int("retry_after"), int64(0))
}

func TestScenario_RequestBurstIsAnswered(t *testing.T) {
	e := newEnvWithBurst(t, 0)
	c := testhelpers.Dial(t, e.http.URL)

	for i := 0; i < 30; i++ {
		c.Send(server.ActionPing, nil)
	}
	for i := 0; i < 30; i++ {
		assert.Equal(t, "pong", c.NextReply().String("message"), "ping %d", i+1)
	}

	burst := config.Default().RateLimit.Burst
	for i := 0; i < burst+5; i++ {
		c.Send(server.ActionGetRooms, nil)
	}
	limited := 0
	for i := 0; i < burst+5; i++ {
		resp := c.NextReply()
		assert.False(t, resp.Success())
		if resp.String("error") == "rate_limited" {
			limited++
			assert.Greater(t, resp.Int("retry_after"), int64(0))
		}
	}
	assert.GreaterOrEqual(t, limited, 1, "frames over the burst are answered with rate_limited")
}

func TestScenario_ReloginOnSameConnectionRevokesOldToken(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")

	login := alice.conn.Call(server.ActionLogin, map[string]any{"username": "alice", "password": password})
	require.True(t, login.Success(), login)
	assert.Equal(t, int64(1), login.Int("active_sessions"))
	assert.NotEqual(t, alice.token, login.String("token"))

	other := testhelpers.Dial(t, e.http.URL)
	stale := other.Call(server.ActionTokenLogin, map[string]any{"token": alice.token})
	assert.Equal(t, "auth_invalid", stale.String("error"))
}

func TestScenario_RoomBroadcast(t *testing.T) {
	e := newEnv(t)
	alice, bob, carol := e.register(t, "alice"), e.register(t, "bob"), e.register(t, "carol")

	roomID := createRoom(t, alice, "general")

	join := bob.conn.Call(server.ActionJoinRoom, map[string]any{"room_id": roomID})
	require.True(t, join.Success(), join)
	assert.Equal(t, "member", join.String("role"))

	joined := alice.conn.NextPush(server.PushUserJoined)
	assert.Equal(t, bob.id, joined.Int("user_id"))
	assert.Equal(t, "bob", joined.String("username"))
	assert.Equal(t, roomID, joined.Int("room_id"))

	sent := alice.conn.Call(server.ActionSendMessage, map[string]any{"room_id": roomID, "content": "hello <b>room</b>"})
	require.True(t, sent.Success(), sent)

	got := bob.conn.NextPush(server.PushNewMessage)
	assert.Equal(t, "hello room", got.String("content"))
	assert.Equal(t, "alice", got.String("sender_username"))
	assert.Equal(t, sent.Int("message_id"), got.Int("message_id"))

	echo := alice.conn.NextPush(server.PushNewMessage)
	assert.Equal(t, sent.Int("message_id"), echo.Int("message_id"))

	carol.conn.NoPush(server.PushNewMessage, quietWait)

	history := bob.conn.Call(server.ActionGetMessages, map[string]any{"room_id": roomID})
	require.True(t, history.Success(), history)
	messages, _ := history["messages"].([]any)
	assert.Len(t, messages, 1)
}

func TestScenario_NonMemberCannotSend(t *testing.T) {
	e := newEnv(t)
	alice, carol := e.register(t, "alice"), e.register(t, "carol")
	roomID := createRoom(t, alice, "private-ish")

	resp := carol.conn.Call(server.ActionSendMessage, map[string]any{"room_id": roomID, "content": "let me in"})
	assert.False(t, resp.Success())
	assert.Equal(t, "not_a_member", resp.String("error"))

	history := carol.conn.Call(server.ActionGetMessages, map[string]any{"room_id": roomID})
	assert.Equal(t, "not_a_member", history.String("error"))

	typing := carol.conn.Call(server.ActionStartTyping, map[string]any{"room_id": roomID})
	assert.Equal(t, "not_a_member", typing.String("error"))

	alice.conn.NoPush(server.PushNewMessage, quietWait)
}

func TestScenario_TypingIndicators(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register(t, "alice"), e.register(t, "bob")
	roomID := createRoom(t, alice, "general")
	require.True(t, bob.conn.Call(server.ActionJoinRoom, map[string]any{"room_id": roomID}).Success())

	require.True(t, bob.conn.Call(server.ActionStartTyping, map[string]any{"room_id": roomID}).Success())
	started := alice.conn.NextPush(server.PushTypingStarted)
	assert.Equal(t, bob.id, started.Int("user_id"))

	require.True(t, bob.conn.Call(server.ActionStopTyping, map[string]any{"room_id": roomID}).Success())
	alice.conn.NextPush(server.PushTypingStopped)
	bob.conn.NoPush(server.PushTypingStarted, quietWait)
}

func TestScenario_PrivateMessageToOfflineUserNotifiesOnce(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register(t, "alice"), e.register(t, "bob")
	e.disconnect(t, bob)

	resp := alice.conn.Call(server.ActionSendPrivate, map[string]any{"recipient_id": bob.id, "content": "are you there?"})
	require.True(t, resp.Success(), resp)
	assert.Equal(t, false, resp["delivered"])

	back := testhelpers.Dial(t, e.http.URL)
	require.True(t, back.Call(server.ActionTokenLogin, map[string]any{"token": bob.token}).Success())

	list := back.Call(server.ActionGetNotifications, nil)
	require.True(t, list.Success(), list)
	notifications, _ := list["notifications"].([]any)
	require.Len(t, notifications, 1)
	n, _ := notifications[0].(map[string]any)
	assert.Equal(t, "private_message", n["type"])
	assert.Equal(t, "You have a new message from alice", n["message"])

	online := alice.conn.Call(server.ActionSendPrivate, map[string]any{"recipient_id": bob.id, "content": "welcome back"})
	require.True(t, online.Success(), online)
	assert.Equal(t, true, online["delivered"])

	push := back.NextPush(server.PushNewPrivateMessage)
	assert.Equal(t, "welcome back", push.String("content"))
	assert.Equal(t, alice.id, push.Int("sender_id"))

	again := back.Call(server.ActionGetNotifications, nil)
	notifications, _ = again["notifications"].([]any)
	assert.Len(t, notifications, 1, "a delivered message creates no notification")

	conversation := alice.conn.Call(server.ActionGetPrivateMessages, map[string]any{"other_user_id": bob.id})
	messages, _ := conversation["messages"].([]any)
	assert.Len(t, messages, 2)
}

func TestScenario_PrivateMessageToUnknownUser(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")

	resp := alice.conn.Call(server.ActionSendPrivate, map[string]any{"recipient_id": 999, "content": "hi"})
	assert.Equal(t, "not_found", resp.String("error"))
}

func TestScenario_DisconnectLeavesEachRoomOnce(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register(t, "alice"), e.register(t, "bob")
	first := createRoom(t, alice, "first")
	second := createRoom(t, alice, "second")
	for _, roomID := range []int64{first, second} {
		require.True(t, bob.conn.Call(server.ActionJoinRoom, map[string]any{"room_id": roomID}).Success())
		alice.conn.NextPush(server.PushUserJoined)
	}

	e.disconnect(t, bob)

	rooms := map[int64]bool{}
	for i := 0; i < 2; i++ {
		left := alice.conn.NextPush(server.PushUserLeft)
		assert.Equal(t, bob.id, left.Int("user_id"))
		rooms[left.Int("room_id")] = true
	}
	assert.Equal(t, map[int64]bool{first: true, second: true}, rooms)
	alice.conn.NoPush(server.PushUserLeft, quietWait)

	assert.Empty(t, e.srv.Hub().RoomsOf(bob.id))
	u, err := e.store.FindUserByID(context.Background(), bob.id)
	require.NoError(t, err)
	assert.Equal(t, "offline", u.Status)
}

func TestScenario_RejoinAfterReconnectRestoresRooms(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register(t, "alice"), e.register(t, "bob")
	roomID := createRoom(t, alice, "general")
	require.True(t, bob.conn.Call(server.ActionJoinRoom, map[string]any{"room_id": roomID}).Success())
	e.disconnect(t, bob)

	back := testhelpers.Dial(t, e.http.URL)
	require.True(t, back.Call(server.ActionTokenLogin, map[string]any{"token": bob.token}).Success())

	assert.True(t, e.srv.Hub().IsMember(roomID, bob.id))
	require.True(t, alice.conn.Call(server.ActionSendMessage, map[string]any{"room_id": roomID, "content": "hi again"}).Success())
	back.NextPush(server.PushNewMessage)
}

func TestScenario_LeaveRoom(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register(t, "alice"), e.register(t, "bob")
	roomID := createRoom(t, alice, "general")
	require.True(t, bob.conn.Call(server.ActionJoinRoom, map[string]any{"room_id": roomID}).Success())

	again := bob.conn.Call(server.ActionJoinRoom, map[string]any{"room_id": roomID})
	assert.Equal(t, "duplicate", again.String("error"))

	require.True(t, bob.conn.Call(server.ActionLeaveRoom, map[string]any{"room_id": roomID}).Success())
	left := alice.conn.NextPush(server.PushUserLeft)
	assert.Equal(t, bob.id, left.Int("user_id"))

	twice := bob.conn.Call(server.ActionLeaveRoom, map[string]any{"room_id": roomID})
	assert.Equal(t, "not_a_member", twice.String("error"))
}

func TestScenario_PasswordProtectedRoom(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register(t, "alice"), e.register(t, "bob")

	created := alice.conn.Call(server.ActionCreateRoom, map[string]any{"name": "vault", "password": "s3cret"})
	require.True(t, created.Success(), created)
	roomID := created.Int("room_id")

	denied := bob.conn.Call(server.ActionJoinRoom, map[string]any{"room_id": roomID, "password": "guess"})
	assert.False(t, denied.Success())

	allowed := bob.conn.Call(server.ActionJoinRoom, map[string]any{"room_id": roomID, "password": "s3cret"})
	assert.True(t, allowed.Success(), allowed)

	rooms := bob.conn.Call(server.ActionGetRooms, nil)
	list, _ := rooms["rooms"].([]any)
	require.Len(t, list, 1)
	room, _ := list[0].(map[string]any)
	assert.Equal(t, true, room["has_password"])
	assert.Equal(t, true, room["is_member"])
	assert.NotContains(t, room, "password_hash")
}

func TestScenario_LogoutRevokesToken(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")

	require.True(t, alice.conn.Call(server.ActionLogout, nil).Success())
	assert.False(t, e.srv.Hub().IsOnline(alice.id))

	after := alice.conn.Call(server.ActionGetRooms, nil)
	assert.Equal(t, "auth_required", after.String("error"))

	again := alice.conn.Call(server.ActionLogout, nil)
	assert.True(t, again.Success(), "logout is idempotent")

	other := testhelpers.Dial(t, e.http.URL)
	resp := other.Call(server.ActionTokenLogin, map[string]any{"token": alice.token})
	assert.Equal(t, "auth_invalid", resp.String("error"))
}

func TestScenario_SecondLoginReplacesConnection(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")

	second := testhelpers.Dial(t, e.http.URL)
	require.True(t, second.Call(server.ActionLogin, map[string]any{"username": "alice", "password": password}).Success())

	alice.conn.NextPush(server.PushSessionReplaced)
	assert.True(t, alice.conn.WaitClosed(2*time.Second))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, e.srv.Hub().IsOnline(alice.id), "the replacing connection keeps the user online")
	assert.True(t, second.Call(server.ActionPing, nil).Success())
}

func TestScenario_OnlineUsers(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register(t, "alice"), e.register(t, "bob")

	resp := alice.conn.Call(server.ActionGetOnlineUsers, nil)
	users, _ := resp["users"].([]any)
	require.Len(t, users, 2)

	e.disconnect(t, bob)
	resp = alice.conn.Call(server.ActionGetOnlineUsers, nil)
	users, _ = resp["users"].([]any)
	require.Len(t, users, 1)
	only, _ := users[0].(map[string]any)
	assert.Equal(t, "alice", only["username"])
}

func TestHTTP_HealthAndRoot(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice")

	resp := testhelpers.MakeRequest(t, http.MethodGet, e.http.URL+"/health")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "application/json")

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["connections"])
	assert.Equal(t, float64(1), health["online_users"])

	root := testhelpers.MakeRequest(t, http.MethodGet, e.http.URL+"/")
	defer root.Body.Close()
	body, err := io.ReadAll(root.Body)
	require.NoError(t, err)
	assert.Equal(t, "GoChat server is running!", string(body))
}

func TestHTTP_WebSocketOriginAndBlocklist(t *testing.T) {
	e := newEnv(t)
	url := testhelpers.WebSocketURL(e.http.URL)

	_, resp, err := testhelpers.ConnectWebSocket(url, "http://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = testhelpers.ConnectWebSocket(url, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	for i := 0; i < 10; i++ {
		e.auth.RecordFailedAttempt("127.0.0.1", "mallory")
	}
	_, resp, err = testhelpers.ConnectWebSocket(url, testhelpers.DefaultOrigin)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func upload(t *testing.T, baseURL, token string, recipientID int64, name string, content []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("recipient_id", strconv.FormatInt(recipientID, 10)))
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, baseURL+"/files", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func download(t *testing.T, baseURL, token, transferID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, baseURL+"/files/"+transferID, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHTTP_FileTransfer(t *testing.T) {
	e := newEnv(t)
	alice, bob, carol := e.register(t, "alice"), e.register(t, "bob"), e.register(t, "carol")

	resp := upload(t, e.http.URL, alice.token, bob.id, "notes.txt", []byte("hello bob"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Success  bool `json:"success"`
		Transfer struct {
			ID       string `json:"transfer_id"`
			FileName string `json:"file_name"`
			FileSize int64  `json:"file_size"`
			Status   string `json:"status"`
		} `json:"transfer"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.True(t, created.Success)
	assert.Equal(t, "notes.txt", created.Transfer.FileName)
	assert.Equal(t, int64(9), created.Transfer.FileSize)
	assert.Equal(t, "pending", created.Transfer.Status)

	shared := bob.conn.NextPush(server.PushFileShared)
	assert.Equal(t, created.Transfer.ID, shared.String("transfer_id"))
	assert.Equal(t, "alice", shared.String("sender_username"))

	stranger := download(t, e.http.URL, carol.token, created.Transfer.ID)
	defer stranger.Body.Close()
	assert.Equal(t, http.StatusForbidden, stranger.StatusCode)

	got := download(t, e.http.URL, bob.token, created.Transfer.ID)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)
	data, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(data))
	assert.Contains(t, got.Header.Get("Content-Disposition"), `filename=notes.txt`)

	list := alice.conn.Call(server.ActionGetFileTransfers, nil)
	transfers, _ := list["transfers"].([]any)
	require.Len(t, transfers, 1)
	tr, _ := transfers[0].(map[string]any)
	assert.Equal(t, "completed", tr["status"])
}

func TestHTTP_FileTransferRejections(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register(t, "alice"), e.register(t, "bob")

	noAuth := upload(t, e.http.URL, "", bob.id, "notes.txt", []byte("x"))
	defer noAuth.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, noAuth.StatusCode)

	blocked := upload(t, e.http.URL, alice.token, bob.id, "setup.exe", []byte("MZ"))
	defer blocked.Body.Close()
	assert.Equal(t, http.StatusBadRequest, blocked.StatusCode)

	self := upload(t, e.http.URL, alice.token, alice.id, "notes.txt", []byte("x"))
	defer self.Body.Close()
	assert.Equal(t, http.StatusBadRequest, self.StatusCode)

	unknown := upload(t, e.http.URL, alice.token, 999, "notes.txt", []byte("x"))
	defer unknown.Body.Close()
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)

	missing := download(t, e.http.URL, alice.token, "does-not-exist")
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestScenario_ShutdownClosesClients(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.register(t, "alice"), e.register(t, "bob")
	anonymous := testhelpers.Dial(t, e.http.URL)
	require.Eventually(t, func() bool { return e.srv.Hub().ClientCount() == 3 }, time.Second, 10*time.Millisecond)

	require.NoError(t, e.srv.Shutdown(2*time.Second))

	for _, c := range []*testhelpers.Conn{alice.conn, bob.conn, anonymous} {
		assert.True(t, c.WaitClosed(2*time.Second))
	}
	assert.Zero(t, e.srv.Hub().ClientCount())

	conn, _, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(e.http.URL), testhelpers.DefaultOrigin)
	if err == nil {
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, readErr := conn.ReadMessage()
		assert.Error(t, readErr, "connections after shutdown are closed")
	}
	assert.Zero(t, e.srv.Hub().ClientCount())
}
