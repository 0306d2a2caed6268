// Package app implements the resource operations behind the HTTP layer:
// participant-scoped listing, membership-gated retrieval, and the
// validation pipeline for creating conversations and messages.
package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"parley/internal/policy"
	"parley/pkg/auth"
	"parley/pkg/domain"
	"parley/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
}

// App wires storage to the messaging resource logic.
type App struct {
	store store.Store
}

// New constructs the application. When no Store is injected it opens a
// database-backed one from DatabaseURL.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	return &App{store: dataStore}, nil
}

// SignUpInput carries the signup request fields.
type SignUpInput struct {
	Email       string
	Username    string
	FirstName   string
	LastName    string
	PhoneNumber string
	Password    string
	Role        domain.UserRole
}

// SignUp registers a new user. The role defaults to guest when omitted.
func (a *App) SignUp(input SignUpInput) (domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, errors.New("valid email required")
	}
	if strings.TrimSpace(input.Username) == "" {
		return domain.User{}, errors.New("username required")
	}
	if strings.TrimSpace(input.FirstName) == "" || strings.TrimSpace(input.LastName) == "" {
		return domain.User{}, errors.New("first and last name required")
	}
	if len(input.Password) < 8 {
		return domain.User{}, errors.New("password must be at least 8 characters")
	}
	role := input.Role
	if role == "" {
		role = domain.RoleGuest
	}
	if !domain.ValidRole(role) {
		return domain.User{}, fmt.Errorf("unknown role %q", role)
	}
	taken, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return domain.User{}, ErrEmailTaken
	}
	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(input.Username),
		Email:        email,
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		PhoneNumber:  strings.TrimSpace(input.PhoneNumber),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// Login checks credentials and returns the matching user.
func (a *App) Login(email, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, found, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !found || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// UserByID resolves a caller identity from the store.
func (a *App) UserByID(id string) (domain.User, bool, error) {
	return a.store.GetUserByID(id)
}

// ListConversations returns summaries of every conversation the caller
// participates in, newest first.
func (a *App) ListConversations(caller domain.User) ([]domain.ConversationSummary, error) {
	convs, err := a.store.ListConversationsByParticipant(caller.ID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	summaries := make([]domain.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary, err := a.conversationSummary(conv)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetConversation returns the detail view of one conversation. The lookup
// happens before the policy check: a missing conversation is NotFound, an
// existing one the caller does not belong to is Forbidden.
func (a *App) GetConversation(caller domain.User, id string) (domain.ConversationDetail, error) {
	conv, found, err := a.store.GetConversation(id)
	if err != nil {
		return domain.ConversationDetail{}, fmt.Errorf("get conversation: %w", err)
	}
	if !found {
		return domain.ConversationDetail{}, ErrConversationNotFound
	}
	if !policy.Allowed(caller, policy.ActionRead, conv) {
		return domain.ConversationDetail{}, ErrConversationForbidden
	}
	return a.conversationDetail(conv)
}

// CreateConversation starts a conversation with the given participants.
// The caller is always part of the membership set, whether or not the
// submitted list includes them, and duplicate ids collapse to one entry.
// Every remaining id must resolve to an existing user or nothing is
// created.
func (a *App) CreateConversation(caller domain.User, participantIDs []string) (domain.ConversationDetail, error) {
	ids := dedupeIDs(append([]string{caller.ID}, participantIDs...))
	if len(ids) == 0 {
		return domain.ConversationDetail{}, ErrEmptyParticipants
	}
	users, err := a.store.GetUsersByIDs(ids)
	if err != nil {
		return domain.ConversationDetail{}, fmt.Errorf("resolve participants: %w", err)
	}
	if missing := firstMissingID(ids, users); missing != "" {
		return domain.ConversationDetail{}, &ReferenceNotFoundError{Kind: "user", ID: missing}
	}
	conv := domain.Conversation{
		ID:             uuid.NewString(),
		ParticipantIDs: ids,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.store.CreateConversation(conv); err != nil {
		return domain.ConversationDetail{}, fmt.Errorf("create conversation: %w", err)
	}
	return domain.ConversationDetail{
		ID:           conv.ID,
		Participants: users,
		Messages:     []domain.MessageView{},
		CreatedAt:    conv.CreatedAt,
	}, nil
}

// ListMessages returns messages across the caller's conversations in
// chronological order. The membership scope in the query already encodes
// the authorization predicate, so no per-item policy check is needed.
func (a *App) ListMessages(caller domain.User, filter domain.MessageFilter) ([]domain.MessageView, error) {
	msgs, err := a.store.ListMessagesVisibleTo(caller.ID, filter)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return a.messageViews(msgs)
}

// SendMessage posts a message into a conversation on behalf of the
// caller. Check order: the referenced conversation must exist, then the
// caller must be one of its participants; only then is the message
// materialized, with the sender stamped from the caller identity.
func (a *App) SendMessage(caller domain.User, conversationID, body string) (domain.MessageView, error) {
	conv, found, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.MessageView{}, fmt.Errorf("get conversation: %w", err)
	}
	if !found {
		return domain.MessageView{}, ErrConversationNotFound
	}
	if !policy.Allowed(caller, policy.ActionWrite, conv) {
		return domain.MessageView{}, ErrConversationForbidden
	}
	msg := domain.Message{
		ID:             uuid.NewString(),
		SenderID:       caller.ID,
		ConversationID: conv.ID,
		Body:           body,
		SentAt:         time.Now().UTC(),
	}
	if err := a.store.AppendMessage(msg); err != nil {
		return domain.MessageView{}, fmt.Errorf("append message: %w", err)
	}
	return domain.MessageView{
		ID:             msg.ID,
		Sender:         caller,
		ConversationID: msg.ConversationID,
		Body:           msg.Body,
		SentAt:         msg.SentAt,
	}, nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func firstMissingID(ids []string, users []domain.User) string {
	resolved := make(map[string]struct{}, len(users))
	for _, u := range users {
		resolved[u.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := resolved[id]; !ok {
			return id
		}
	}
	return ""
}
