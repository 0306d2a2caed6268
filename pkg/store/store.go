package store

import "parley/pkg/domain"

// Store defines persistence operations for users, conversations, and
// messages. Implementations must make CreateConversation and
// SetParticipants atomic: a concurrent reader sees either no conversation
// or a fully populated membership set, never a partial one.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	GetUsersByIDs(ids []string) ([]domain.User, error)

	// conversations
	CreateConversation(conv domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversationsByParticipant(userID string) ([]domain.Conversation, error)
	SetParticipants(conversationID string, participantIDs []string) error

	// messages
	AppendMessage(msg domain.Message) error
	CountMessages(conversationID string) (int, error)
	ListMessagesByConversation(conversationID string) ([]domain.Message, error)
	ListMessagesVisibleTo(userID string, filter domain.MessageFilter) ([]domain.Message, error)
	MessageCount() (int, error)
}
