// Package server coordinates client registration, presence, room membership
// and push delivery for the GoChat WebSocket relay via the Hub type.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/gochat/internal/metrics"
)

// ErrHubClosed is returned when registering on a hub that is shutting down.
var ErrHubClosed = errors.New("hub is shutting down")

// Hub is the live presence and room registry. Connections and rooms are
// guarded by separate locks, and neither lock is held while writing to a
// client, so a slow member never blocks joins or leaves elsewhere.
type Hub struct {
	logger  *slog.Logger
	metrics metrics.Recorder

	connMu  sync.RWMutex
	clients map[*Client]struct{}
	users   map[int64]*Client
	closing bool

	roomMu    sync.RWMutex
	rooms     map[int64]map[int64]struct{}
	userRooms map[int64]map[int64]struct{}

	wg sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, rec metrics.Recorder) *Hub {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Hub{
		logger:    logger,
		metrics:   rec,
		clients:   make(map[*Client]struct{}),
		users:     make(map[int64]*Client),
		rooms:     make(map[int64]map[int64]struct{}),
		userRooms: make(map[int64]map[int64]struct{}),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Client) error {
	h.connMu.Lock()
	if h.closing {
		h.connMu.Unlock()
		return ErrHubClosed
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.connMu.Unlock()

	h.metrics.ConnectionOpened()
	h.logger.Info("client registered", slog.String("addr", c.addr), slog.Int("clients", count))
	return nil
}

// Serve starts the client's pumps. Shutdown waits for them.
func (h *Hub) Serve(c *Client) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// Unregister removes a connection and its presence binding, if it still
// owns one.
func (h *Hub) Unregister(c *Client) {
	h.connMu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.connMu.Unlock()
		return
	}
	delete(h.clients, c)
	if uid, bound := c.UserID(); bound && h.users[uid] == c {
		delete(h.users, uid)
	}
	count := len(h.clients)
	online := len(h.users)
	h.connMu.Unlock()

	h.metrics.ConnectionClosed()
	h.metrics.SetOnlineUsers(online)
	h.logger.Info("client unregistered", slog.String("addr", c.addr), slog.Int("clients", count))
}

// Bind makes c the live connection of userID. The previously bound
// connection, if different, is returned so the caller can retire it.
func (h *Hub) Bind(userID int64, c *Client) *Client {
	h.connMu.Lock()
	prev := h.users[userID]
	h.users[userID] = c
	online := len(h.users)
	h.connMu.Unlock()

	h.metrics.SetOnlineUsers(online)
	if prev == c {
		return nil
	}
	return prev
}

// Release removes the presence binding of userID and its live room
// memberships, but only while c is still the bound connection. It returns
// the rooms left, in ascending order. Both steps happen under the
// connection lock so a concurrent Bind from a new connection cannot lose
// the rooms it restores.
func (h *Hub) Release(userID int64, c *Client) ([]int64, bool) {
	h.connMu.Lock()
	if h.users[userID] != c {
		h.connMu.Unlock()
		return nil, false
	}
	delete(h.users, userID)
	online := len(h.users)
	left := h.LeaveAll(userID)
	h.connMu.Unlock()

	h.metrics.SetOnlineUsers(online)
	return left, true
}

// Lookup returns the live connection of userID.
func (h *Hub) Lookup(userID int64) (*Client, bool) {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	c, ok := h.users[userID]
	return c, ok
}

// IsOnline reports whether userID has a live connection.
func (h *Hub) IsOnline(userID int64) bool {
	_, ok := h.Lookup(userID)
	return ok
}

// OnlineUsers returns the ids of all bound users in ascending order.
func (h *Hub) OnlineUsers() []int64 {
	h.connMu.RLock()
	ids := make([]int64, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	h.connMu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return len(h.clients)
}

// JoinRoom adds userID to the live member set of roomID.
func (h *Hub) JoinRoom(roomID, userID int64) {
	h.roomMu.Lock()
	defer h.roomMu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[int64]struct{})
		h.rooms[roomID] = members
	}
	members[userID] = struct{}{}

	joined, ok := h.userRooms[userID]
	if !ok {
		joined = make(map[int64]struct{})
		h.userRooms[userID] = joined
	}
	joined[roomID] = struct{}{}
}

// LeaveRoom removes userID from roomID. Reports whether it was a member.
func (h *Hub) LeaveRoom(roomID, userID int64) bool {
	h.roomMu.Lock()
	defer h.roomMu.Unlock()
	return h.leaveLocked(roomID, userID)
}

func (h *Hub) leaveLocked(roomID, userID int64) bool {
	members, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[userID]; !ok {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
	if joined, ok := h.userRooms[userID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(h.userRooms, userID)
		}
	}
	return true
}

// LeaveAll removes userID from every room and returns the rooms it left,
// in ascending order.
func (h *Hub) LeaveAll(userID int64) []int64 {
	h.roomMu.Lock()
	defer h.roomMu.Unlock()

	joined := h.userRooms[userID]
	left := make([]int64, 0, len(joined))
	for roomID := range joined {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		h.leaveLocked(roomID, userID)
	}
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return left
}

// IsMember reports live membership.
func (h *Hub) IsMember(roomID, userID int64) bool {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	_, ok := h.rooms[roomID][userID]
	return ok
}

// Members returns the live member ids of roomID in ascending order.
func (h *Hub) Members(roomID int64) []int64 {
	h.roomMu.RLock()
	members := h.rooms[roomID]
	ids := make([]int64, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	h.roomMu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RoomsOf returns the rooms userID is a live member of, in ascending order.
func (h *Hub) RoomsOf(userID int64) []int64 {
	h.roomMu.RLock()
	joined := h.userRooms[userID]
	ids := make([]int64, 0, len(joined))
	for id := range joined {
		ids = append(ids, id)
	}
	h.roomMu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BroadcastToRoom queues payload for every connected member of roomID except
// exclude (0 excludes nobody). A member whose queue is full is scheduled
// for close; the others still receive the event. Returns the number of
// members the payload was queued for.
func (h *Hub) BroadcastToRoom(roomID int64, payload []byte, exclude int64) int {
	members := h.Members(roomID)

	targets := make([]*Client, 0, len(members))
	h.connMu.RLock()
	for _, uid := range members {
		if uid == exclude {
			continue
		}
		if c, ok := h.users[uid]; ok {
			targets = append(targets, c)
		}
	}
	h.connMu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.deliver(c, payload) {
			delivered++
		}
	}
	return delivered
}

// SendToUser queues payload for userID's live connection. A user who is
// not connected is not an error; the result is false.
func (h *Hub) SendToUser(userID int64, payload []byte) bool {
	c, ok := h.Lookup(userID)
	if !ok {
		return false
	}
	return h.deliver(c, payload)
}

func (h *Hub) deliver(c *Client, payload []byte) bool {
	if c.enqueue(payload) {
		h.metrics.RecordPush(true)
		return true
	}
	h.metrics.RecordPush(false)
	if !c.isClosed() {
		h.logger.Warn("send buffer full, closing client", slog.String("addr", c.addr))
		c.close()
	}
	return false
}

// Shutdown closes every connection and waits for their pumps to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.connMu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.connMu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.logger.Info("closed client connections", slog.Int("count", len(clients)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
