package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/Tyrowin/gochat/internal/model"
)

type registerRequest struct {
	Username string `json:"username" validate:"required,max=32"`
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=32"`
	Password string `json:"password" validate:"required,max=128"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required,max=4096"`
}

type logoutRequest struct {
	Token string `json:"token" validate:"max=4096"`
}

func (s *Server) handleRegister(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req registerRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	user, err := s.auth.Register(ctx, req.Username, req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	token, err := s.auth.IssueSession(user)
	if err != nil {
		return nil, err
	}

	s.bind(ctx, c, identity{UserID: user.ID, Username: user.Username, Role: user.Role, Token: token})
	s.audit(ctx, user.ID, "register", c.addr)

	return ok("User registered successfully").
		with("user_id", user.ID).
		with("username", user.Username).
		with("token", token), nil
}

func (s *Server) handleLogin(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req loginRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	user, err := s.auth.Authenticate(ctx, c.addr, req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	token, err := s.auth.IssueSession(user)
	if err != nil {
		return nil, err
	}

	s.bind(ctx, c, identity{UserID: user.ID, Username: user.Username, Role: user.Role, Token: token})
	s.audit(ctx, user.ID, "login", c.addr)
	s.logger.Info("user logged in", slog.Int64("user_id", user.ID), slog.String("addr", c.addr))

	return ok("Login successful").
		with("user_id", user.ID).
		with("username", user.Username).
		with("email", user.Email).
		with("role", user.Role).
		with("token", token).
		with("active_sessions", s.auth.ActiveSessions(user.ID)), nil
}

func (s *Server) handleTokenLogin(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req tokenRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	claims, err := s.auth.VerifySession(c.addr, req.Token)
	if err != nil {
		return nil, err
	}

	s.bind(ctx, c, identity{UserID: claims.UserID, Username: claims.Username, Role: claims.Role, Token: req.Token})
	s.audit(ctx, claims.UserID, "token_login", c.addr)

	return ok("Token login successful").
		with("user_id", claims.UserID).
		with("username", claims.Username).
		with("role", claims.Role), nil
}

const msgLoggedOut = "Logged out successfully"

func (s *Server) handleLogout(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req logoutRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	id, _ := c.deauthenticate()
	s.auth.RevokeSession(id.Token)
	if req.Token != "" && req.Token != id.Token {
		s.auth.RevokeSession(req.Token)
	}
	s.release(ctx, c, id, "logout")

	return ok(msgLoggedOut), nil
}

func (s *Server) handlePing(context.Context, *Client, []byte) (Response, error) {
	return ok("pong").with("timestamp", time.Now().UTC()), nil
}

// bind authenticates c as id, makes it the user's live connection and loads
// the user's persisted rooms into the live mirror. A session the connection
// held before is revoked. A connection previously bound to the same user is
// told and closed.
func (s *Server) bind(ctx context.Context, c *Client, id identity) {
	if prev, was := c.whoami(); was {
		if prev.UserID != id.UserID {
			s.release(ctx, c, prev, "switch_user")
		}
		if prev.Token != id.Token {
			s.auth.RevokeSession(prev.Token)
		}
	}
	c.authenticate(id)

	if old := s.hub.Bind(id.UserID, c); old != nil {
		if payload, ok := s.push(newPush(PushSessionReplaced).with("message", "Logged in from another connection")); ok {
			old.enqueue(payload)
		}
		old.close()
		s.logger.Info("replaced existing connection", slog.Int64("user_id", id.UserID))
	}

	if err := s.store.UpdateUserStatus(ctx, id.UserID, model.StatusOnline); err != nil {
		s.logger.Warn("failed to update user status", slog.Int64("user_id", id.UserID), slog.String("error", err.Error()))
	}

	rooms, err := s.store.UserRooms(ctx, id.UserID)
	if err != nil {
		s.logger.Warn("failed to load user rooms", slog.Int64("user_id", id.UserID), slog.String("error", err.Error()))
		return
	}
	for _, roomID := range rooms {
		s.hub.JoinRoom(roomID, id.UserID)
	}
}

// release drops the presence of id held by c: the user leaves every live
// room, each room gets one user_left push, and the user goes offline. It
// does nothing if another connection has since taken over the user.
func (s *Server) release(ctx context.Context, c *Client, id identity, action string) {
	if id.UserID == 0 {
		return
	}
	rooms, released := s.hub.Release(id.UserID, c)
	if !released {
		return
	}

	for _, roomID := range rooms {
		s.broadcastUserLeft(roomID, id)
	}

	if err := s.store.UpdateUserStatus(ctx, id.UserID, model.StatusOffline); err != nil {
		s.logger.Warn("failed to update user status", slog.Int64("user_id", id.UserID), slog.String("error", err.Error()))
	}
	s.audit(ctx, id.UserID, action, c.addr)
}

func (s *Server) broadcastUserLeft(roomID int64, id identity) {
	payload, ok := s.push(newPush(PushUserLeft).
		with("room_id", roomID).
		with("user_id", id.UserID).
		with("username", id.Username))
	if ok {
		s.hub.BroadcastToRoom(roomID, payload, id.UserID)
	}
}

// disconnect is the teardown run once per connection when its read pump
// exits.
func (s *Server) disconnect(c *Client, last identity, wasAuthenticated bool) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if wasAuthenticated {
		s.release(ctx, c, last, "disconnect")
	}
	s.hub.Unregister(c)
}

func (s *Server) audit(ctx context.Context, userID int64, action, addr string) {
	if err := s.store.LogConnection(ctx, userID, action, addr); err != nil {
		s.logger.Warn("failed to log connection",
			slog.Int64("user_id", userID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}
