package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"parley/pkg/domain"
)

const migrateLockID int64 = 52715271

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ConversationModel{}, &ConversationParticipantModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser inserts a user record.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUsersByIDs returns the users whose ids are in ids, ordered by id.
// Unknown ids are simply absent from the result; the caller decides
// whether that is an error.
func (s *GormStore) GetUsersByIDs(ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return []domain.User{}, nil
	}
	var models []UserModel
	if err := s.db.Where("id IN ?", ids).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// CreateConversation inserts the conversation and its membership rows in
// one transaction so readers never observe a partial membership set.
func (s *GormStore) CreateConversation(conv domain.Conversation) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		model := ConversationModel{ID: conv.ID, CreatedAt: conv.CreatedAt}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return replaceParticipants(tx, conv.ID, conv.ParticipantIDs)
	})
}

// GetConversation returns one conversation with its participant ids.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	participantIDs, err := s.participantIDs(id)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return domain.Conversation{ID: model.ID, ParticipantIDs: participantIDs, CreatedAt: model.CreatedAt}, true, nil
}

// ListConversationsByParticipant returns the conversations containing the
// user, newest first.
func (s *GormStore) ListConversationsByParticipant(userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.Model(&ConversationModel{}).
		Joins("JOIN conversation_participant_models cp ON cp.conversation_id = conversation_models.id").
		Where("cp.user_id = ?", userID).
		Order("conversation_models.created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		participantIDs, err := s.participantIDs(m.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.Conversation{ID: m.ID, ParticipantIDs: participantIDs, CreatedAt: m.CreatedAt})
	}
	return res, nil
}

// SetParticipants atomically replaces the membership set of a conversation.
func (s *GormStore) SetParticipants(conversationID string, participantIDs []string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return replaceParticipants(tx, conversationID, participantIDs)
	})
}

func replaceParticipants(tx *gorm.DB, conversationID string, participantIDs []string) error {
	if err := tx.Delete(&ConversationParticipantModel{}, "conversation_id = ?", conversationID).Error; err != nil {
		return err
	}
	if len(participantIDs) == 0 {
		return nil
	}
	rows := make([]ConversationParticipantModel, 0, len(participantIDs))
	for _, userID := range participantIDs {
		rows = append(rows, ConversationParticipantModel{ConversationID: conversationID, UserID: userID})
	}
	return tx.Create(&rows).Error
}

func (s *GormStore) participantIDs(conversationID string) ([]string, error) {
	var ids []string
	if err := s.db.Model(&ConversationParticipantModel{}).
		Where("conversation_id = ?", conversationID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// CountMessages returns the number of messages in a conversation.
func (s *GormStore) CountMessages(conversationID string) (int, error) {
	var count int64
	if err := s.db.Model(&MessageModel{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListMessagesByConversation returns a conversation's messages in
// chronological order.
func (s *GormStore) ListMessagesByConversation(conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("sent_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return messagesFromModels(models), nil
}

// ListMessagesVisibleTo returns messages from every conversation the user
// participates in, chronological, with optional conversation and sent-at
// range narrowing plus limit/offset windowing.
func (s *GormStore) ListMessagesVisibleTo(userID string, filter domain.MessageFilter) ([]domain.Message, error) {
	query := s.db.Model(&MessageModel{}).
		Joins("JOIN conversation_participant_models cp ON cp.conversation_id = message_models.conversation_id").
		Where("cp.user_id = ?", userID)
	if filter.ConversationID != "" {
		query = query.Where("message_models.conversation_id = ?", filter.ConversationID)
	}
	if filter.SentAfter != nil {
		query = query.Where("message_models.sent_at >= ?", *filter.SentAfter)
	}
	if filter.SentBefore != nil {
		query = query.Where("message_models.sent_at <= ?", *filter.SentBefore)
	}
	query = query.Order("message_models.sent_at ASC").Order("message_models.id ASC")
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var models []MessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return messagesFromModels(models), nil
}

// MessageCount returns the total number of stored messages.
func (s *GormStore) MessageCount() (int, error) {
	var count int64
	if err := s.db.Model(&MessageModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		PhoneNumber:  u.PhoneNumber,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		PhoneNumber:  m.PhoneNumber,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		CreatedAt:    m.CreatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		ConversationID: msg.ConversationID,
		Body:           msg.Body,
		SentAt:         msg.SentAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		SenderID:       m.SenderID,
		ConversationID: m.ConversationID,
		Body:           m.Body,
		SentAt:         m.SentAt,
	}
}

func messagesFromModels(models []MessageModel) []domain.Message {
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs
}
