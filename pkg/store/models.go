package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Username     string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	FirstName    string    `gorm:"not null"`
	LastName     string    `gorm:"not null"`
	PhoneNumber  string
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID        string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null;index"`
}

// ConversationParticipantModel is the membership join row. The composite
// primary key makes duplicate membership impossible at the schema level.
type ConversationParticipantModel struct {
	ConversationID string `gorm:"primaryKey;index"`
	UserID         string `gorm:"primaryKey;index"`
}

type MessageModel struct {
	ID             string    `gorm:"primaryKey"`
	SenderID       string    `gorm:"not null;index"`
	ConversationID string    `gorm:"not null;index"`
	Body           string    `gorm:"type:text;not null"`
	SentAt         time.Time `gorm:"not null;index"`
}
