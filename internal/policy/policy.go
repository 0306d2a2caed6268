// Package policy decides whether a caller may act on a conversation or on
// one of its messages. Access is purely relationship-based: membership in
// the conversation's participant set grants both read and write; there is
// no per-message ACL.
package policy

import "parley/pkg/domain"

type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Allowed reports whether caller may perform action against the given
// conversation. A caller without an id is denied outright, even though
// authentication normally rejects such requests upstream.
func Allowed(caller domain.User, action Action, conv domain.Conversation) bool {
	if caller.ID == "" {
		return false
	}
	switch action {
	case ActionRead, ActionWrite:
		return conv.HasParticipant(caller.ID)
	}
	return false
}

// AllowedForMessage reports whether caller may act on a message. The
// decision is derived entirely from the parent conversation's membership.
func AllowedForMessage(caller domain.User, action Action, parent domain.Conversation) bool {
	return Allowed(caller, action, parent)
}
