// Package server exposes the messaging API over HTTP: auth endpoints,
// participant-scoped conversation resources, and the cross-conversation
// message feed.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/internal/app"
	"parley/internal/ratelimit"
	"parley/internal/usertoken"
	"parley/internal/util"
	"parley/pkg/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Tokens         *usertoken.Manager
	SignupLimiter  *ratelimit.FixedWindowLimiter
	LoginLimiter   *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the messaging service.
type Server struct {
	app            *app.App
	tokens         *usertoken.Manager
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		tokens:         cfg.Tokens,
		signupLimiter:  cfg.SignupLimiter,
		loginLimiter:   cfg.LoginLimiter,
		trustedProxies: cfg.TrustedProxies,
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

	// auth
	s.mux.HandleFunc("/api/v1/auth/signup", s.rateLimited(s.signupLimiter, s.handleSignup))
	s.mux.HandleFunc("/api/v1/auth/login", s.rateLimited(s.loginLimiter, s.handleLogin))

	// chats
	s.mux.Handle("/api/v1/chats/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/api/v1/chats/conversations/", s.authenticated(s.handleConversationByID))
	s.mux.Handle("/api/v1/chats/messages", s.authenticated(s.handleMessages))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := usertoken.BearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	userID, err := s.tokens.VerifySubject(token)
	if err != nil {
		slog.Warn("token rejected", "path", r.URL.Path, "error", err)
		return domain.User{}, false
	}
	user, found, err := s.app.UserByID(userID)
	if err != nil {
		slog.Error("resolve caller failed", "error", err)
		return domain.User{}, false
	}
	if !found {
		return domain.User{}, false
	}
	return user, true
}

func (s *Server) rateLimited(limiter *ratelimit.FixedWindowLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil && !limiter.Allow(util.ClientIP(r, s.trustedProxies)) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r)
	}
}

// auth handlers

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req signupRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.SignUp(app.SignUpInput{
		Email:       req.Email,
		Username:    req.Username,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PhoneNumber: req.PhoneNumber,
		Password:    req.Password,
		Role:        domain.UserRole(req.Role),
	})
	if err != nil {
		if errors.Is(err, app.ErrEmailTaken) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		slog.Error("issue token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		slog.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		slog.Error("issue token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

// conversation handlers

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		summaries, err := s.app.ListConversations(user)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": summaries,
			"count": len(summaries),
		})
	case http.MethodPost:
		var req createConversationRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		detail, err := s.app.CreateConversation(user, req.Participants)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, detail)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/chats/conversations/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	detail, err := s.app.GetConversation(user, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// message handlers

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		filter, err := parseMessageFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		msgs, err := s.app.ListMessages(user, filter)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": msgs,
			"count": len(msgs),
		})
	case http.MethodPost:
		var req sendMessageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ConversationID == "" {
			writeError(w, http.StatusBadRequest, "conversationId is required")
			return
		}
		if strings.TrimSpace(req.Body) == "" {
			writeError(w, http.StatusBadRequest, "body is required")
			return
		}
		// The sender is always the authenticated caller; any senderId
		// in the body is discarded.
		msg, err := s.app.SendMessage(user, req.ConversationID, req.Body)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		methodNotAllowed(w)
	}
}

func parseMessageFilter(r *http.Request) (domain.MessageFilter, error) {
	q := r.URL.Query()
	filter := domain.MessageFilter{
		ConversationID: q.Get("conversation"),
	}
	if raw := q.Get("sent_after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("sent_after must be RFC 3339")
		}
		filter.SentAfter = &t
	}
	if raw := q.Get("sent_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("sent_before must be RFC 3339")
		}
		filter.SentBefore = &t
	}
	page, err := parsePositiveInt(q.Get("page"), 1)
	if err != nil {
		return filter, errors.New("page must be a positive integer")
	}
	size, err := parsePositiveInt(q.Get("page_size"), defaultPageSize)
	if err != nil {
		return filter, errors.New("page_size must be a positive integer")
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	filter.Limit = size
	filter.Offset = (page - 1) * size
	return filter, nil
}

func parsePositiveInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

// writeAppError maps application errors onto HTTP statuses. The order of
// checks mirrors the operation pipeline: existence before authorization,
// authorization before validation.
func writeAppError(w http.ResponseWriter, err error) {
	var refErr *app.ReferenceNotFoundError
	switch {
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConversationForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.As(err, &refErr):
		writeError(w, http.StatusBadRequest, refErr.Error())
	case errors.Is(err, app.ErrEmptyParticipants):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type signupRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	PhoneNumber string `json:"phoneNumber"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type createConversationRequest struct {
	Participants []string `json:"participants"`
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
