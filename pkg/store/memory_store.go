package store

import (
	"sort"
	"sync"

	"parley/pkg/domain"
)

// MemoryStore keeps all records in-process. It implements Store so the
// application and its tests can run without Postgres.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]domain.User // key: user ID
	email        map[string]string      // email -> user ID
	convs        map[string]domain.Conversation
	convOrder    []string
	messages     map[string][]domain.Message // conversation ID -> chronological messages
	messageTotal int
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		convs:    make(map[string]domain.Conversation),
		messages: make(map[string][]domain.Message),
	}
}

// SaveUser registers a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUsersByIDs returns known users for the given ids, ordered by id.
func (m *MemoryStore) GetUsersByIDs(ids []string) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			res = append(res, u)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// CreateConversation stores a conversation with its full membership set in
// one critical section.
func (m *MemoryStore) CreateConversation(conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv.ParticipantIDs = sortedCopy(conv.ParticipantIDs)
	if _, exists := m.convs[conv.ID]; !exists {
		m.convOrder = append(m.convOrder, conv.ID)
	}
	m.convs[conv.ID] = conv
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return copyConversation(c), true, nil
}

// ListConversationsByParticipant returns conversations containing the
// user, newest first.
func (m *MemoryStore) ListConversationsByParticipant(userID string) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, id := range m.convOrder {
		c, ok := m.convs[id]
		if !ok || !c.HasParticipant(userID) {
			continue
		}
		res = append(res, copyConversation(c))
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// SetParticipants replaces the membership set of a conversation.
func (m *MemoryStore) SetParticipants(conversationID string, participantIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return nil
	}
	c.ParticipantIDs = sortedCopy(participantIDs)
	m.convs[conversationID] = c
	return nil
}

// AppendMessage records a message in its conversation's timeline.
func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	m.messageTotal++
	return nil
}

// CountMessages returns the number of messages in a conversation.
func (m *MemoryStore) CountMessages(conversationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[conversationID]), nil
}

// ListMessagesByConversation returns a conversation's messages in
// chronological order.
func (m *MemoryStore) ListMessagesByConversation(conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := append([]domain.Message(nil), m.messages[conversationID]...)
	sortChronological(msgs)
	return msgs, nil
}

// ListMessagesVisibleTo returns messages from every conversation the user
// participates in, filtered and windowed per filter.
func (m *MemoryStore) ListMessagesVisibleTo(userID string, filter domain.MessageFilter) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := make([]domain.Message, 0)
	for convID, c := range m.convs {
		if !c.HasParticipant(userID) {
			continue
		}
		if filter.ConversationID != "" && filter.ConversationID != convID {
			continue
		}
		for _, msg := range m.messages[convID] {
			if filter.SentAfter != nil && msg.SentAt.Before(*filter.SentAfter) {
				continue
			}
			if filter.SentBefore != nil && msg.SentAt.After(*filter.SentBefore) {
				continue
			}
			msgs = append(msgs, msg)
		}
	}
	sortChronological(msgs)
	if filter.Offset > 0 {
		if filter.Offset >= len(msgs) {
			return []domain.Message{}, nil
		}
		msgs = msgs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(msgs) {
		msgs = msgs[:filter.Limit]
	}
	return msgs, nil
}

// MessageCount returns the total number of stored messages.
func (m *MemoryStore) MessageCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messageTotal, nil
}

func copyConversation(c domain.Conversation) domain.Conversation {
	c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return c
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func sortChronological(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}
