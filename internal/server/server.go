// Package server exposes the HTTP API: analyze uploads, session CRUD, chat
// turns, downloads, and usage stats. Every route except /healthz requires a
// verified access token that resolves to a provisioned user.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"clauselens/internal/aiclient"
	"clauselens/internal/app"
	"clauselens/internal/ratelimit"
	"clauselens/internal/usage"
	"clauselens/internal/usertoken"
	"clauselens/internal/util"
	"clauselens/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                       *app.App
	TokenVerifier             *usertoken.Verifier
	RedisAddr                 string
	RedisPassword             string
	AnalyzeRateLimitPerMinute int
	ChatRateLimitPerMinute    int
	MaxUploadBytes            int64
	AllowedExtensions         []string
	TrustedProxyCIDRs         []string
}

// Server exposes HTTP endpoints for the session core.
type Server struct {
	app               *app.App
	tokenVerifier     *usertoken.Verifier
	mux               *http.ServeMux
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	trustedProxies    *util.TrustedProxies
	analyzeLimiter    *ratelimit.FixedWindowLimiter
	chatLimiter       *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	analyzeLimit := cfg.AnalyzeRateLimitPerMinute
	if analyzeLimit <= 0 {
		analyzeLimit = 10
	}
	chatLimit := cfg.ChatRateLimitPerMinute
	if chatLimit <= 0 {
		chatLimit = 60
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "clauselens:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	analyzeLimiter, err := newLimiter("analyze", analyzeLimit)
	if err != nil {
		return nil, err
	}
	chatLimiter, err := newLimiter("chat", chatLimit)
	if err != nil {
		return nil, err
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}

	s := &Server{
		app:               cfg.App,
		tokenVerifier:     cfg.TokenVerifier,
		mux:               http.NewServeMux(),
		maxUploadBytes:    normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
		trustedProxies:    trustedProxies,
		analyzeLimiter:    analyzeLimiter,
		chatLimiter:       chatLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("clauselens", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/analyze", s.authenticated(s.handleAnalyze))
	s.mux.Handle("/api/chat", s.authenticated(s.handleChat))
	s.mux.Handle("/api/sessions", s.authenticated(s.handleSessions))
	s.mux.Handle("/api/sessions/", s.authenticated(s.handleSessionByID))
	s.mux.Handle("/api/usage", s.authenticated(s.handleUsage))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

// errUnauthorized marks authorization failures that are the caller's fault.
// Anything else coming out of authorize is an infrastructure error and must
// not masquerade as a credential problem.
var errUnauthorized = errors.New("unauthorized")

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authorize(r)
		if err != nil {
			if errors.Is(err, errUnauthorized) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			util.LoggerFromContext(r.Context()).Error("user lookup failed during authorization", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load user")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, error) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "api.token.verify", "fail", "reason", "missing_token")
		return domain.User{}, errUnauthorized
	}
	subject, err := s.tokenVerifier.VerifySubject(token)
	if err != nil {
		s.audit(r, "api.token.verify", "fail", "reason", "invalid_signature_or_claims")
		return domain.User{}, errUnauthorized
	}
	// A verified token for a user with no row is still rejected: the
	// identity provider sync has not provisioned them yet. A store outage
	// is not a rejection and is reported as such.
	user, err := s.app.UserByID(r.Context(), subject)
	if errors.Is(err, app.ErrNotFound) {
		s.audit(r, "api.token.verify", "fail", "reason", "unknown_user")
		return domain.User{}, errUnauthorized
	}
	if err != nil {
		s.audit(r, "api.token.verify", "error", "reason", "store_unavailable")
		return domain.User{}, err
	}
	s.audit(r, "api.token.verify", "success", "user_id", user.ID)
	return user, nil
}

// POST /api/analyze
// The multipart body streams through to the AI backend untouched, so the
// filename rides in a query parameter or header instead of the form.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.analyzeLimiter, "too many analyze requests") {
		s.audit(r, "api.analyze", "rate_limited", "user_id", user.ID)
		return
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" {
		writeError(w, http.StatusBadRequest, "multipart/form-data body required")
		return
	}
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		filename = strings.TrimSpace(r.Header.Get("X-File-Name"))
	}
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required (query param or X-File-Name header)")
		return
	}
	if !s.isExtensionAllowed(filename) {
		writeError(w, http.StatusBadRequest, "unsupported file type")
		return
	}
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}

	doc, err := s.app.Analyze(r.Context(), user.ID, filename, contentType, r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		s.writeAppError(w, r, err, "analysis failed")
		return
	}
	writeJSON(w, http.StatusCreated, analyzeResponse{
		DocumentID: doc.ID,
		Name:       doc.Name,
		Summary:    doc.Analysis.Summary,
		Risks:      doc.Analysis.Risks,
		Score:      doc.Score,
		FullText:   doc.Analysis.FullText,
	})
}

// POST /api/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.chatLimiter, "too many chat requests") {
		s.audit(r, "api.chat", "rate_limited", "user_id", user.ID)
		return
	}
	var req chatTurnRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chatId is required")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	answer, err := s.app.ChatTurn(r.Context(), user.ID, req.ChatID, req.Question, req.History, req.DocumentContext)
	if err != nil {
		s.writeAppError(w, r, err, "chat failed")
		return
	}
	writeJSON(w, http.StatusOK, chatTurnResponse{Answer: answer.Content, Message: answer})
}

// /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		chats, err := s.app.ListSessions(r.Context(), user.ID)
		if err != nil {
			s.writeAppError(w, r, err, "failed to list sessions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": chats,
			"count": len(chats),
		})
	case http.MethodPost:
		var req createSessionRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.DocumentID == "" {
			writeError(w, http.StatusBadRequest, "documentId is required")
			return
		}
		chat, err := s.app.CreateOrGetSession(r.Context(), user.ID, req.DocumentID)
		if err != nil {
			s.writeAppError(w, r, err, "failed to create session")
			return
		}
		writeJSON(w, http.StatusOK, chat)
	default:
		methodNotAllowed(w)
	}
}

// /api/sessions/{id}, /api/sessions/{id}/messages, /api/sessions/{id}/download
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "messages":
			s.handleSessionMessages(w, r, user, id)
		case "download":
			s.handleSessionDownload(w, r, user, id)
		default:
			http.NotFound(w, r)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		chat, err := s.app.GetSession(r.Context(), user.ID, id)
		if err != nil {
			s.writeAppError(w, r, err, "failed to fetch session")
			return
		}
		writeJSON(w, http.StatusOK, chat)
	case http.MethodDelete:
		if err := s.app.DeleteSession(r.Context(), user.ID, id); err != nil {
			s.writeAppError(w, r, err, "failed to delete session")
			return
		}
		s.audit(r, "api.session.delete", "success", "user_id", user.ID, "chat_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request, user domain.User, chatID string) {
	switch r.Method {
	case http.MethodGet:
		msgs, err := s.app.Messages(r.Context(), user.ID, chatID)
		if err != nil {
			s.writeAppError(w, r, err, "failed to fetch messages")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": msgs,
			"count": len(msgs),
		})
	case http.MethodPost:
		var req appendMessageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		role, ok := domain.ParseRole(req.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, "role must be user or assistant")
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}
		msg, err := s.app.AppendTurn(r.Context(), user.ID, chatID, role, req.Content)
		if err != nil {
			s.writeAppError(w, r, err, "failed to save message")
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSessionDownload(w http.ResponseWriter, r *http.Request, user domain.User, chatID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.DownloadURL(r.Context(), user.ID, chatID)
	if err != nil {
		s.writeAppError(w, r, err, "failed to create download link")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// GET /api/usage
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.UsageStats(r.Context(), user.ID)
	if err != nil {
		s.writeAppError(w, r, err, "failed to fetch usage")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var quotaErr *app.QuotaExceededError
	if errors.As(err, &quotaErr) {
		s.audit(r, "api.quota", "rejected", "action", string(quotaErr.Action), "used", quotaErr.Used, "limit", quotaErr.Limit)
		switch quotaErr.Action {
		case usage.ActionUpload:
			writeError(w, http.StatusForbidden, fmt.Sprintf("Upload limit reached. You have used %d/%d uploads. Upgrade to Pro for more.", quotaErr.Used, quotaErr.Limit))
		default:
			writeError(w, http.StatusForbidden, fmt.Sprintf("Monthly chat limit reached (%d messages). Upgrade to Pro for unlimited access.", quotaErr.Limit))
		}
		return
	}
	if errors.Is(err, usage.ErrUnknownUser) {
		writeError(w, http.StatusForbidden, "account is not provisioned")
		return
	}
	if errors.Is(err, app.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if errors.Is(err, app.ErrForbidden) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var backendErr *aiclient.BackendError
	if errors.As(err, &backendErr) {
		// Backend detail stays in the logs; clients get a stable message.
		util.LoggerFromContext(r.Context()).Warn("ai backend error", "status", backendErr.Status, "message", backendErr.Message)
		writeError(w, http.StatusBadGateway, fallback)
		return
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, fallback)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) isExtensionAllowed(filename string) bool {
	if len(s.allowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := s.allowedExtensions[ext]
	return ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 20 * 1024 * 1024
	}
	return value
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".pdf", ".docx", ".txt"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}

type analyzeResponse struct {
	DocumentID string        `json:"documentId"`
	Name       string        `json:"name"`
	Summary    string        `json:"summary"`
	Risks      []domain.Risk `json:"risks"`
	Score      int           `json:"score"`
	FullText   string        `json:"full_text"`
}

type chatTurnRequest struct {
	ChatID          string        `json:"chatId"`
	Question        string        `json:"question"`
	History         []domain.Turn `json:"history"`
	DocumentContext string        `json:"document_context"`
}

type chatTurnResponse struct {
	Answer  string         `json:"answer"`
	Message domain.Message `json:"message"`
}

type createSessionRequest struct {
	DocumentID string `json:"documentId"`
}

type appendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
