package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Tyrowin/gochat/internal/model"
)

// envelope is the part of every inbound record the router reads first.
type envelope struct {
	Action string `json:"action"`
}

// Response is a reply to a single request. Handlers fill in "message" and
// any action specific fields; the router adds "action" and "success".
type Response map[string]any

func ok(message string) Response {
	return Response{"message": message}
}

func (r Response) with(key string, value any) Response {
	r[key] = value
	return r
}

func failure(action string, e *model.Error) Response {
	resp := Response{
		"action":  action,
		"success": false,
		"message": e.Message,
		"error":   string(e.Kind),
	}
	if e.RetryAfter > 0 {
		resp["retry_after"] = e.RetryAfter
	}
	if len(e.Issues) > 0 {
		resp["issues"] = e.Issues
	}
	return resp
}

// Push event types.
const (
	PushNewMessage        = "new_message"
	PushNewPrivateMessage = "new_private_message"
	PushUserJoined        = "user_joined"
	PushUserLeft          = "user_left"
	PushTypingStarted     = "typing_started"
	PushTypingStopped     = "typing_stopped"
	PushFileShared        = "file_shared"
	PushSessionReplaced   = "session_replaced"
)

// Push is an unsolicited event. It carries "type" instead of "action".
type Push map[string]any

func newPush(typ string) Push {
	return Push{"type": typ, "timestamp": time.Now().UTC()}
}

func (p Push) with(key string, value any) Push {
	p[key] = value
	return p
}

func (p Push) encode() ([]byte, error) {
	return json.Marshal(p)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
