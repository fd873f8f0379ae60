package server

import (
	"context"
	"strings"

	"github.com/Tyrowin/gochat/internal/model"
)

type createRoomRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	Password    string `json:"password" validate:"max=128"`
	IsPrivate   bool   `json:"is_private"`
	MaxMembers  int    `json:"max_members" validate:"min=0,max=1000"`
}

type roomRequest struct {
	RoomID   int64  `json:"room_id" validate:"required,gt=0"`
	Password string `json:"password" validate:"max=128"`
}

func (s *Server) handleCreateRoom(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req createRoomRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(s.policy.Sanitize(req.Name))
	if name == "" {
		return nil, model.NewValidationError("Room name is required")
	}

	id, _ := c.whoami()
	room, err := s.store.CreateRoom(ctx, model.NewRoom{
		Name:        name,
		Description: s.policy.Sanitize(req.Description),
		Password:    req.Password,
		IsPrivate:   req.IsPrivate,
		OwnerID:     id.UserID,
		MaxMembers:  req.MaxMembers,
	})
	if err != nil {
		return nil, err
	}
	s.hub.JoinRoom(room.ID, id.UserID)

	return ok("Room created successfully").
		with("room_id", room.ID).
		with("room_name", room.Name), nil
}

func (s *Server) handleJoinRoom(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req roomRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	id, _ := c.whoami()
	membership, err := s.store.JoinRoom(ctx, id.UserID, req.RoomID, req.Password)
	if err != nil {
		return nil, err
	}
	s.hub.JoinRoom(req.RoomID, id.UserID)

	if payload, ok := s.push(newPush(PushUserJoined).
		with("room_id", req.RoomID).
		with("user_id", id.UserID).
		with("username", id.Username)); ok {
		s.hub.BroadcastToRoom(req.RoomID, payload, id.UserID)
	}

	return ok("Joined room successfully").
		with("room_id", req.RoomID).
		with("role", membership.Role), nil
}

func (s *Server) handleLeaveRoom(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req roomRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	id, _ := c.whoami()
	if err := s.store.LeaveRoom(ctx, id.UserID, req.RoomID); err != nil {
		return nil, err
	}
	if s.hub.LeaveRoom(req.RoomID, id.UserID) {
		s.broadcastUserLeft(req.RoomID, id)
	}

	return ok("Left room successfully").with("room_id", req.RoomID), nil
}

func (s *Server) handleGetRooms(ctx context.Context, c *Client, _ []byte) (Response, error) {
	id, _ := c.whoami()
	rooms, err := s.store.ListRooms(ctx, id.UserID)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, map[string]any{
			"id":             r.ID,
			"name":           r.Name,
			"description":    r.Description,
			"created_by":     r.OwnerID,
			"is_private":     r.IsPrivate,
			"has_password":   r.HasPassword(),
			"max_members":    r.MaxMembers,
			"online_members": len(s.hub.Members(r.ID)),
			"is_member":      s.hub.IsMember(r.ID, id.UserID),
			"created_at":     r.CreatedAt,
		})
	}
	return ok("Rooms retrieved").with("rooms", out), nil
}

func (s *Server) handleTyping(started bool) handlerFunc {
	typ, message := PushTypingStopped, "Typing stopped"
	if started {
		typ, message = PushTypingStarted, "Typing started"
	}

	return func(_ context.Context, c *Client, raw []byte) (Response, error) {
		var req roomRequest
		if err := s.decode(raw, &req); err != nil {
			return nil, err
		}

		id, _ := c.whoami()
		if !s.hub.IsMember(req.RoomID, id.UserID) {
			return nil, model.NewNotAMemberError()
		}

		if payload, ok := s.push(newPush(typ).
			with("room_id", req.RoomID).
			with("user_id", id.UserID).
			with("username", id.Username)); ok {
			s.hub.BroadcastToRoom(req.RoomID, payload, id.UserID)
		}
		return ok(message), nil
	}
}
