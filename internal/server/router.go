package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/gochat/internal/metrics"
	"github.com/Tyrowin/gochat/internal/model"
	"github.com/Tyrowin/gochat/internal/ratelimit"
)

// Actions.
const (
	ActionRegister           = "register"
	ActionLogin              = "login"
	ActionTokenLogin         = "token_login"
	ActionLogout             = "logout"
	ActionPing               = "ping"
	ActionCreateRoom         = "create_room"
	ActionJoinRoom           = "join_room"
	ActionLeaveRoom          = "leave_room"
	ActionGetRooms           = "get_rooms"
	ActionSendMessage        = "send_message"
	ActionSendPrivate        = "send_private_message"
	ActionGetMessages        = "get_messages"
	ActionGetPrivateMessages = "get_private_messages"
	ActionGetOnlineUsers     = "get_online_users"
	ActionStartTyping        = "start_typing"
	ActionStopTyping         = "stop_typing"
	ActionGetFileTransfers   = "get_file_transfers"
	ActionGetNotifications   = "get_notifications"
)

// publicActions may run on an unauthenticated connection.
var publicActions = []string{ActionRegister, ActionLogin, ActionTokenLogin, ActionPing}

const requestTimeout = 10 * time.Second

// frameClass labels rejections by the per-connection frame budget.
const frameClass = "frame"

type handlerFunc func(ctx context.Context, c *Client, raw []byte) (Response, error)

type route struct {
	handle handlerFunc
	public bool
	class  string // rate limit class; empty means exempt

	// idempotent routes answer an unauthenticated call with ack instead of
	// auth_required. The handler does not run.
	idempotent bool
	ack        string
}

func (s *Server) buildRoutes() (map[string]route, error) {
	routes := map[string]route{
		ActionRegister:           {handle: s.handleRegister, public: true, class: ratelimit.ClassRegister},
		ActionLogin:              {handle: s.handleLogin, public: true, class: ratelimit.ClassLogin},
		ActionTokenLogin:         {handle: s.handleTokenLogin, public: true, class: ratelimit.ClassLogin},
		ActionPing:               {handle: s.handlePing, public: true},
		ActionLogout:             {handle: s.handleLogout, class: ratelimit.ClassDefault, idempotent: true, ack: msgLoggedOut},
		ActionCreateRoom:         {handle: s.handleCreateRoom, class: ratelimit.ClassRoomCreate},
		ActionJoinRoom:           {handle: s.handleJoinRoom, class: ratelimit.ClassDefault},
		ActionLeaveRoom:          {handle: s.handleLeaveRoom, class: ratelimit.ClassDefault},
		ActionGetRooms:           {handle: s.handleGetRooms, class: ratelimit.ClassDefault},
		ActionSendMessage:        {handle: s.handleSendMessage, class: ratelimit.ClassMessage},
		ActionSendPrivate:        {handle: s.handleSendPrivateMessage, class: ratelimit.ClassMessage},
		ActionGetMessages:        {handle: s.handleGetMessages, class: ratelimit.ClassDefault},
		ActionGetPrivateMessages: {handle: s.handleGetPrivateMessages, class: ratelimit.ClassDefault},
		ActionGetOnlineUsers:     {handle: s.handleGetOnlineUsers, class: ratelimit.ClassDefault},
		ActionStartTyping:        {handle: s.handleTyping(true), class: ratelimit.ClassDefault},
		ActionStopTyping:         {handle: s.handleTyping(false), class: ratelimit.ClassDefault},
		ActionGetFileTransfers:   {handle: s.handleGetFileTransfers, class: ratelimit.ClassDefault},
		ActionGetNotifications:   {handle: s.handleGetNotifications, class: ratelimit.ClassDefault},
	}

	if err := checkPublicRoutes(routes); err != nil {
		return nil, err
	}
	return routes, nil
}

// checkPublicRoutes fails unless the routes marked public are exactly
// publicActions.
func checkPublicRoutes(routes map[string]route) error {
	var public []string
	for name, r := range routes {
		if r.handle == nil {
			return fmt.Errorf("server: action %q has no handler", name)
		}
		if r.public {
			public = append(public, name)
		}
	}
	want := append([]string(nil), publicActions...)
	sort.Strings(public)
	sort.Strings(want)
	if !reflect.DeepEqual(public, want) {
		return fmt.Errorf("server: public actions %v do not match allowlist %v", public, want)
	}
	return nil
}

// handleFrame decodes one request, dispatches it and queues the response.
// Frames from one connection arrive here sequentially.
func (s *Server) handleFrame(c *Client, raw []byte) {
	start := time.Now()

	var env envelope
	err := json.Unmarshal(raw, &env)
	if err != nil || env.Action != ActionPing {
		if !s.admitFrame(c, env.Action) {
			return
		}
	}
	if err != nil {
		s.logger.Debug("invalid frame", slog.String("addr", c.addr), slog.String("error", err.Error()))
		s.reply(c, failure("", model.NewValidationError("Invalid JSON format")))
		return
	}
	if env.Action == "" {
		s.reply(c, failure("", model.NewValidationError("Action is required")))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp := s.dispatch(ctx, c, env.Action, raw)
	s.reply(c, resp)

	// A credential failure may have put the address on the blocklist; the
	// reply above is flushed before the close frame.
	if resp["error"] == string(model.KindAuthInvalid) && s.auth.IsBlocked(c.addr) {
		s.logger.Warn("address blocked after repeated failures", slog.String("addr", c.addr))
		c.close()
	}

	outcome := metrics.OutcomeOK
	if success, _ := resp["success"].(bool); !success {
		outcome = metrics.OutcomeError
	}
	action := env.Action
	if _, known := s.routes[action]; !known {
		action = "unknown"
	}
	s.metrics.RecordRequest(action, outcome, time.Since(start))
}

func (s *Server) handleBinary(c *Client) {
	if !s.admitFrame(c, "") {
		return
	}
	s.reply(c, failure("", model.NewValidationError("Binary frames are not supported")))
}

// admitFrame charges one frame to the connection's budget. An over-budget
// frame is answered with rate_limited and not processed.
func (s *Server) admitFrame(c *Client, action string) bool {
	wait, allowed := c.throttle()
	if allowed {
		return true
	}
	retry := ratelimit.Decision{RetryAfter: wait}.RetryAfterSeconds()
	s.metrics.RecordRateLimited(frameClass)
	s.logger.Warn("frame rate exceeded",
		slog.String("addr", c.addr),
		slog.String("action", action),
		slog.Int("retry_after", retry),
	)
	s.reply(c, failure(action, model.NewRateLimitedError(retry)))
	return false
}

// dispatch runs the admission checks in order (authentication, rate
// limit, handler lookup) and then the handler.
func (s *Server) dispatch(ctx context.Context, c *Client, action string, raw []byte) Response {
	r, known := s.routes[action]

	id, authenticated := c.whoami()
	if !(known && (r.public || r.idempotent)) && !authenticated {
		return failure(action, model.NewAuthRequiredError())
	}

	if !known || r.class != "" {
		class := ratelimit.ClassDefault
		if known {
			class = r.class
		}
		// Credential actions are always charged to the address so that a
		// signed-in socket gets no fresh login budget.
		actor := "ip:" + c.addr
		if authenticated && !r.public {
			actor = userActor(id.UserID)
		}
		if e := s.admit(ctx, actor, class); e != nil {
			return failure(action, e)
		}
	}

	if known && r.idempotent && !authenticated {
		return Response{"action": action, "success": true, "message": r.ack}
	}

	if !known {
		return failure(action, model.NewUnknownActionError())
	}

	resp, err := r.handle(ctx, c, raw)
	if err != nil {
		return s.errorResponse(c, action, err)
	}
	resp["action"] = action
	resp["success"] = true
	return resp
}

func userActor(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// admit consults the rate limiter. The actor is the user for protected
// actions and the client address for public ones. A limiter failure admits the request.
func (s *Server) admit(ctx context.Context, actor, class string) *model.Error {
	decision, err := s.limiter.Allow(ctx, actor, class)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", slog.String("class", class), slog.String("error", err.Error()))
		return nil
	}
	if decision.Allowed {
		return nil
	}

	s.metrics.RecordRateLimited(class)
	s.logger.Info("rate limit exceeded",
		slog.String("actor", actor),
		slog.String("class", class),
		slog.Int("retry_after", decision.RetryAfterSeconds()),
	)
	return model.NewRateLimitedError(decision.RetryAfterSeconds())
}

// errorResponse converts a handler error into a response.
func (s *Server) errorResponse(c *Client, action string, err error) Response {
	e, ok := model.AsError(err)
	if !ok {
		s.logger.Error("request failed",
			slog.String("action", action),
			slog.String("addr", c.addr),
			slog.String("error", err.Error()),
		)
		return Response{"action": action, "success": false, "message": "Internal server error"}
	}

	if errors.Is(e, model.ErrAuthInvalid) {
		s.metrics.RecordAuthFailure(action)
	}
	return failure(action, e)
}

func (s *Server) reply(c *Client, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", slog.String("error", err.Error()))
		return
	}
	if !c.enqueue(payload) {
		s.logger.Warn("dropping response for closed or slow client", slog.String("addr", c.addr))
	}
}

// push encodes p and returns the payload, logging encoding failures.
func (s *Server) push(p Push) ([]byte, bool) {
	payload, err := p.encode()
	if err != nil {
		s.logger.Error("failed to encode push", slog.String("error", err.Error()))
		return nil, false
	}
	return payload, true
}

// decode unmarshals raw into dst and validates its struct tags.
func (s *Server) decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return model.NewValidationError("Invalid request fields")
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return model.NewValidationError("Invalid request")
		}
		issues := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			issues = append(issues, describeFieldError(fe))
		}
		return model.NewValidationError(issues[0], issues...)
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	default:
		return field + " is invalid"
	}
}
