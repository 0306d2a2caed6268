package domain

import "time"

type UserRole string

const (
	RoleGuest UserRole = "guest"
	RoleHost  UserRole = "host"
	RoleAdmin UserRole = "admin"
)

// ValidRole reports whether role belongs to the closed role enumeration.
func ValidRole(role UserRole) bool {
	switch role {
	case RoleGuest, RoleHost, RoleAdmin:
		return true
	}
	return false
}

// User is an identity record. ID and Email are unique and never change
// after creation.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	PhoneNumber  string    `json:"phoneNumber,omitempty"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Conversation groups an unordered set of participant users. Membership is
// fixed at creation time and always contains the creating caller.
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participantIds"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HasParticipant reports whether userID belongs to the membership set.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Message belongs to exactly one conversation and one sender; both
// references are immutable once the message exists. SentAt is assigned by
// the system, never by the client.
type Message struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	ConversationID string    `json:"conversationId"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
}

// MessageFilter narrows a participant-scoped message listing.
type MessageFilter struct {
	ConversationID string
	SentAfter      *time.Time
	SentBefore     *time.Time
	Limit          int
	Offset         int
}
