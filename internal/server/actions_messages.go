package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Tyrowin/gochat/internal/model"
	"github.com/Tyrowin/gochat/internal/notify"
)

const maxContentLength = 4000

type sendMessageRequest struct {
	RoomID    int64  `json:"room_id" validate:"required,gt=0"`
	Content   string `json:"content" validate:"required,max=4000"`
	ReplyToID *int64 `json:"reply_to_id" validate:"omitempty,gt=0"`
}

type sendPrivateRequest struct {
	RecipientID int64  `json:"recipient_id" validate:"required,gt=0"`
	Content     string `json:"content" validate:"required,max=4000"`
	Encrypt     bool   `json:"encrypt"`
}

type getMessagesRequest struct {
	RoomID int64 `json:"room_id" validate:"required,gt=0"`
	Limit  int   `json:"limit" validate:"min=0,max=200"`
	Offset int   `json:"offset" validate:"min=0"`
}

type getPrivateMessagesRequest struct {
	OtherUserID int64 `json:"other_user_id" validate:"required,gt=0"`
	Limit       int   `json:"limit" validate:"min=0,max=200"`
}

type listRequest struct {
	Limit int `json:"limit" validate:"min=0,max=200"`
}

// cleanContent strips markup and surrounding space from chat text.
func (s *Server) cleanContent(content string) (string, error) {
	cleaned := strings.TrimSpace(s.policy.Sanitize(content))
	if cleaned == "" {
		return "", model.NewValidationError("content is required")
	}
	if len(cleaned) > maxContentLength {
		return "", model.NewValidationError(fmt.Sprintf("content must be at most %d characters", maxContentLength))
	}
	return cleaned, nil
}

func (s *Server) handleSendMessage(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req sendMessageRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	id, _ := c.whoami()
	if !s.hub.IsMember(req.RoomID, id.UserID) {
		return nil, model.NewNotAMemberError()
	}

	content, err := s.cleanContent(req.Content)
	if err != nil {
		return nil, err
	}
	msg, err := model.NewRoomMessage(id.UserID, req.RoomID, content, req.ReplyToID)
	if err != nil {
		return nil, model.NewValidationError(err.Error())
	}
	if err := s.store.SaveMessage(ctx, msg, false); err != nil {
		return nil, err
	}

	if payload, ok := s.push(newPush(PushNewMessage).
		with("message_id", msg.ID).
		with("room_id", req.RoomID).
		with("sender_id", id.UserID).
		with("sender_username", id.Username).
		with("content", msg.Content).
		with("reply_to_id", msg.ReplyToID).
		with("timestamp", msg.Timestamp)); ok {
		s.hub.BroadcastToRoom(req.RoomID, payload, 0)
	}

	return ok("Message sent").with("message_id", msg.ID), nil
}

func (s *Server) handleSendPrivateMessage(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req sendPrivateRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	content, err := s.cleanContent(req.Content)
	if err != nil {
		return nil, err
	}

	id, _ := c.whoami()
	recipient, err := s.store.FindUserByID(ctx, req.RecipientID)
	if err != nil {
		return nil, err
	}

	msg, err := model.NewPrivateMessage(id.UserID, recipient.ID, content)
	if err != nil {
		return nil, model.NewValidationError(err.Error())
	}
	if err := s.store.SaveMessage(ctx, msg, req.Encrypt); err != nil {
		return nil, err
	}

	delivered := false
	if payload, ok := s.push(newPush(PushNewPrivateMessage).
		with("message_id", msg.ID).
		with("sender_id", id.UserID).
		with("sender_username", id.Username).
		with("content", msg.Content).
		with("encrypted", msg.Encrypted).
		with("timestamp", msg.Timestamp)); ok {
		delivered = s.hub.SendToUser(recipient.ID, payload)
	}

	if !delivered {
		s.notifyOffline(ctx, recipient, id, msg)
	}

	return ok("Private message sent").
		with("message_id", msg.ID).
		with("delivered", delivered), nil
}

// notifyOffline records a notification for a recipient who was not
// connected and queues an email about it.
func (s *Server) notifyOffline(ctx context.Context, recipient *model.User, sender identity, msg *model.Message) {
	n := &model.Notification{
		UserID:  recipient.ID,
		Type:    "private_message",
		Title:   "New Private Message",
		Message: "You have a new message from " + sender.Username,
		Data: map[string]any{
			"message_id": msg.ID,
			"sender_id":  sender.UserID,
		},
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		s.logger.Warn("failed to create notification",
			slog.Int64("user_id", recipient.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.mail != nil && recipient.Email != "" {
		s.mail.Enqueue(notify.Email{
			To:      recipient.Email,
			Subject: n.Title,
			Body:    n.Message + ".\n\nLog in to read it.",
		})
	}
}

func (s *Server) handleGetMessages(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req getMessagesRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	id, _ := c.whoami()
	if !s.hub.IsMember(req.RoomID, id.UserID) {
		return nil, model.NewNotAMemberError()
	}

	messages, err := s.store.RoomMessages(ctx, req.RoomID, req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}
	return ok("Messages retrieved").with("messages", messages), nil
}

func (s *Server) handleGetPrivateMessages(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req getPrivateMessagesRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	id, _ := c.whoami()
	messages, err := s.store.PrivateMessages(ctx, id.UserID, req.OtherUserID, req.Limit)
	if err != nil {
		return nil, err
	}
	return ok("Messages retrieved").with("messages", messages), nil
}

func (s *Server) handleGetOnlineUsers(ctx context.Context, _ *Client, _ []byte) (Response, error) {
	ids := s.hub.OnlineUsers()
	users := make([]map[string]any, 0, len(ids))
	for _, uid := range ids {
		u, err := s.store.FindUserByID(ctx, uid)
		if err != nil {
			s.logger.Debug("online user not found", slog.Int64("user_id", uid))
			continue
		}
		users = append(users, map[string]any{
			"id":       u.ID,
			"username": u.Username,
			"status":   model.StatusOnline,
		})
	}
	return ok("Online users retrieved").with("users", users), nil
}

func (s *Server) handleGetFileTransfers(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req listRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	id, _ := c.whoami()
	var (
		transfers []*model.FileTransfer
		err       error
	)
	if s.files != nil {
		transfers, err = s.files.List(ctx, id.UserID, req.Limit)
	} else {
		transfers, err = s.store.ListFileTransfers(ctx, id.UserID, req.Limit)
	}
	if err != nil {
		return nil, err
	}
	return ok("File transfers retrieved").with("transfers", transfers), nil
}

func (s *Server) handleGetNotifications(ctx context.Context, c *Client, raw []byte) (Response, error) {
	var req listRequest
	if err := s.decode(raw, &req); err != nil {
		return nil, err
	}

	id, _ := c.whoami()
	notifications, err := s.store.ListNotifications(ctx, id.UserID, req.Limit)
	if err != nil {
		return nil, err
	}
	return ok("Notifications retrieved").with("notifications", notifications), nil
}
