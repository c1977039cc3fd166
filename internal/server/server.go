package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"supportchat/internal/app"
	"supportchat/internal/ratelimit"
	"supportchat/internal/util"
	"supportchat/pkg/domain"
)

// SessionHeader carries the resolved conversation id back to the client so a
// freshly created session can be learned from the response.
const SessionHeader = "X-Session-Id"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Logger         *slog.Logger
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	// StaticDir serves the widget page when non-empty.
	StaticDir string
}

// Server exposes HTTP endpoints for the support chat service.
type Server struct {
	app            *app.App
	logger         *slog.Logger
	limiter        *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	staticDir      string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:            cfg.App,
		logger:         logger,
		limiter:        cfg.Limiter,
		trustedProxies: cfg.TrustedProxies,
		staticDir:      cfg.StaticDir,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/api/chat", s.withRateLimit(http.HandlerFunc(s.handleChat)))
	if s.staticDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withRateLimit rejects over-quota callers by client IP. A nil limiter
// disables the check (no Redis configured).
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(util.ClientIP(r, s.trustedProxies)) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSend(w, r)
	case http.MethodGet:
		s.handleHistory(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type chatRequest struct {
	Messages  []chatMessage `json:"messages"`
	SessionID string        `json:"sessionId"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type historyResponse struct {
	Messages  []historyMessage `json:"messages"`
	SessionID string           `json:"sessionId"`
}

type historyMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleSend validates the request, resolves the session, then relays the
// provider stream as an incrementally flushed text/plain body. Validation and
// session lookup both finish before any side effect; once the first chunk has
// been written the status is committed and later failures are logged only.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages cannot be empty")
		return
	}
	text := strings.TrimSpace(extractText(req.Messages[len(req.Messages)-1].Content))
	if text == "" {
		writeError(w, http.StatusBadRequest, "message content cannot be empty")
		return
	}

	conversation, err := s.app.ResolveSession(req.SessionID)
	if err != nil {
		if errors.Is(err, app.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "invalid session ID")
			return
		}
		s.logger.Error("failed to resolve session", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(SessionHeader, conversation.ID)

	// A dropped client must not cut the exchange short: the provider call and
	// the assistant-message write still run to completion, so the transcript
	// stays consistent for the next history load.
	started := false
	clientGone := false
	err = s.app.StreamReply(context.WithoutCancel(r.Context()), conversation.ID, text, func(delta string) error {
		if clientGone {
			return nil
		}
		if _, werr := io.WriteString(w, delta); werr != nil {
			clientGone = true
			s.logger.Warn("client disconnected mid-stream", "conversationId", conversation.ID, "err", werr)
			return nil
		}
		started = true
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			s.logger.Error("failed to stream chat completion", "conversationId", conversation.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to stream chat completion")
			return
		}
		// Headers are committed; the client sees a truncated stream.
		s.logger.Error("stream failed after start", "conversationId", conversation.ID, "err", err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	msgs, err := s.app.History(sessionID)
	if err != nil {
		if errors.Is(err, app.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("failed to fetch conversation history", "sessionId", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch conversation history")
		return
	}

	resp := historyResponse{
		Messages:  make([]historyMessage, 0, len(msgs)),
		SessionID: sessionID,
	}
	for _, msg := range msgs {
		role := "user"
		if msg.Role == domain.RoleAI {
			role = "assistant"
		}
		resp.Messages = append(resp.Messages, historyMessage{
			ID:        msg.ID,
			Role:      role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// extractText accepts either a plain string content or a parts array of
// {type:"text", text:"..."} objects, as sent by AI SDK style clients.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		for _, part := range parts {
			if part.Type == "text" {
				return part.Text
			}
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
