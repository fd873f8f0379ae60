package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/model"
	"github.com/Tyrowin/gochat/internal/ratelimit"
)

// multipartMemory is the part of an upload kept in memory before spilling
// to a temporary file.
const multipartMemory = 8 << 20

// WebSocketHandler upgrades the request and starts the connection's pumps.
// Blocked addresses are refused before the upgrade.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	addr := clientIP(r)
	if s.auth.IsBlocked(addr) {
		s.logger.Warn("refusing connection from blocked address", slog.String("addr", addr))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("addr", addr), slog.String("error", err.Error()))
		return
	}

	client := NewClient(conn, s.hub, s, addr, s.cfg.MaxMessageSize, s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval, s.logger)
	if err := s.hub.Register(client); err != nil {
		s.logger.Info("rejecting connection during shutdown", slog.String("addr", addr))
		_ = conn.Close()
		return
	}
	s.hub.Serve(client)
}

// RootHandler answers liveness checks with plain text.
func (s *Server) RootHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "GoChat server is running!")
}

type healthResponse struct {
	Status           string `json:"status"`
	Connections      int    `json:"connections"`
	OnlineUsers      int    `json:"online_users"`
	ActiveSessions   int    `json:"active_sessions"`
	BlockedAddresses int    `json:"blocked_addresses"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// HealthHandler reports live connection counters.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		Connections:      s.hub.ClientCount(),
		OnlineUsers:      len(s.hub.OnlineUsers()),
		ActiveSessions:   s.auth.ActiveSessions(0),
		BlockedAddresses: s.auth.BlockedAddresses(),
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
	})
}

// UploadHandler accepts a multipart upload with a "file" part and a
// "recipient_id" field, stores it and tells the recipient if connected.
func (s *Server) UploadHandler(w http.ResponseWriter, r *http.Request) {
	claims, authorized := s.authorizeHTTP(w, r)
	if !authorized {
		return
	}
	if e := s.admit(r.Context(), userActor(claims.UserID), ratelimit.ClassFileUpload); e != nil {
		s.writeError(w, e)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.files.MaxSize()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, model.NewValidationError("File too large"))
			return
		}
		s.writeError(w, model.NewValidationError("Invalid multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	recipientID, err := strconv.ParseInt(r.FormValue("recipient_id"), 10, 64)
	if err != nil || recipientID <= 0 {
		s.writeError(w, model.NewValidationError("Recipient ID is required"))
		return
	}
	recipient, err := s.store.FindUserByID(r.Context(), recipientID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, model.NewValidationError("File is required"))
		return
	}
	defer file.Close()

	transfer, err := s.files.Upload(r.Context(), claims.UserID, recipient.ID, header.Filename, header.Size, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.RecordUpload(transfer.FileSize)

	if payload, ok := s.push(newPush(PushFileShared).
		with("transfer_id", transfer.ID).
		with("sender_id", claims.UserID).
		with("sender_username", claims.Username).
		with("file_name", transfer.FileName).
		with("file_size", transfer.FileSize).
		with("file_type", transfer.FileType)); ok {
		s.hub.SendToUser(recipient.ID, payload)
	}

	writeJSON(w, http.StatusCreated, ok("File uploaded successfully").
		with("success", true).
		with("transfer", transfer))
}

// DownloadHandler streams a stored file to its sender or recipient.
func (s *Server) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	claims, authorized := s.authorizeHTTP(w, r)
	if !authorized {
		return
	}

	transfer, body, err := s.files.Open(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", transfer.FileType)
	w.Header().Set("Content-Length", strconv.FormatInt(transfer.FileSize, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": transfer.FileName}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("file download interrupted",
			slog.String("transfer_id", transfer.ID),
			slog.String("error", err.Error()),
		)
	}
}

// authorizeHTTP checks the bearer token and writes the error response
// itself when it fails.
func (s *Server) authorizeHTTP(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || token == "" {
		s.writeError(w, model.NewAuthRequiredError())
		return nil, false
	}
	claims, err := s.auth.VerifySession(clientIP(r), token)
	if err != nil {
		if errors.Is(err, model.ErrAuthInvalid) {
			s.metrics.RecordAuthFailure("http")
		}
		s.writeError(w, err)
		return nil, false
	}
	return claims, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	e, ok := model.AsError(err)
	if !ok {
		s.logger.Error("http request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, Response{"success": false, "message": "Internal server error"})
		return
	}
	if e.Kind == model.KindRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	resp := failure("", e)
	delete(resp, "action")
	writeJSON(w, statusFor(e.Kind), resp)
}

func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindAuthRequired, model.KindAuthInvalid:
		return http.StatusUnauthorized
	case model.KindForbidden, model.KindNotAMember:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindDuplicate:
		return http.StatusConflict
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP strips the port from the peer address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
