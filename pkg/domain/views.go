package domain

import "time"

// ConversationSummary is the collection-listing shape of a conversation.
// It carries full participant records but no nested messages; the message
// count is derived at read time.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Participants []User    `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
}

// ConversationDetail is the single-resource shape of a conversation: the
// summary fields plus the full message list in chronological order.
type ConversationDetail struct {
	ID           string        `json:"id"`
	Participants []User        `json:"participants"`
	Messages     []MessageView `json:"messages"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// MessageView is the read shape of a message. The sender is expanded to a
// full user record; the conversation stays an id reference so the nesting
// never recurses.
type MessageView struct {
	ID             string    `json:"id"`
	Sender         User      `json:"sender"`
	ConversationID string    `json:"conversationId"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
}
