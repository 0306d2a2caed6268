package app

import (
	"fmt"

	"parley/pkg/domain"
)

// conversationSummary builds the listing shape: participants expanded to
// full user records and the message count computed from the message store
// at read time.
func (a *App) conversationSummary(conv domain.Conversation) (domain.ConversationSummary, error) {
	participants, err := a.store.GetUsersByIDs(conv.ParticipantIDs)
	if err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("resolve participants: %w", err)
	}
	count, err := a.store.CountMessages(conv.ID)
	if err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("count messages: %w", err)
	}
	return domain.ConversationSummary{
		ID:           conv.ID,
		Participants: participants,
		CreatedAt:    conv.CreatedAt,
		MessageCount: count,
	}, nil
}

// conversationDetail builds the single-resource shape with the full
// chronological message list nested in.
func (a *App) conversationDetail(conv domain.Conversation) (domain.ConversationDetail, error) {
	participants, err := a.store.GetUsersByIDs(conv.ParticipantIDs)
	if err != nil {
		return domain.ConversationDetail{}, fmt.Errorf("resolve participants: %w", err)
	}
	msgs, err := a.store.ListMessagesByConversation(conv.ID)
	if err != nil {
		return domain.ConversationDetail{}, fmt.Errorf("list messages: %w", err)
	}
	views, err := a.messageViews(msgs)
	if err != nil {
		return domain.ConversationDetail{}, err
	}
	return domain.ConversationDetail{
		ID:           conv.ID,
		Participants: participants,
		Messages:     views,
		CreatedAt:    conv.CreatedAt,
	}, nil
}

// messageViews expands sender ids to full user records, fetching each
// distinct sender once.
func (a *App) messageViews(msgs []domain.Message) ([]domain.MessageView, error) {
	senderIDs := make([]string, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		if _, ok := seen[msg.SenderID]; ok {
			continue
		}
		seen[msg.SenderID] = struct{}{}
		senderIDs = append(senderIDs, msg.SenderID)
	}
	senders, err := a.store.GetUsersByIDs(senderIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve senders: %w", err)
	}
	byID := make(map[string]domain.User, len(senders))
	for _, u := range senders {
		byID[u.ID] = u
	}
	views := make([]domain.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		views = append(views, domain.MessageView{
			ID:             msg.ID,
			Sender:         byID[msg.SenderID],
			ConversationID: msg.ConversationID,
			Body:           msg.Body,
			SentAt:         msg.SentAt,
		})
	}
	return views, nil
}
