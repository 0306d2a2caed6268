package app

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationNotFound indicates the referenced conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationForbidden indicates the caller is not a participant.
	ErrConversationForbidden = errors.New("conversation forbidden")
	// ErrEmptyParticipants indicates a conversation would end up with no members.
	ErrEmptyParticipants = errors.New("participants required")
	// ErrInvalidCredentials indicates a failed login attempt.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrEmailTaken indicates the signup email is already registered.
	ErrEmailTaken = errors.New("email already registered")
)

// ReferenceNotFoundError reports a submitted foreign id that did not
// resolve to an existing entity. It names the failing reference so the
// response can identify it.
type ReferenceNotFoundError struct {
	Kind string
	ID   string
}

func (e *ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("%s %q does not exist", e.Kind, e.ID)
}
