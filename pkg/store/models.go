package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Email     string `gorm:"uniqueIndex;not null"`
	IsPro     bool   `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type DocumentModel struct {
	ID            string `gorm:"primaryKey"`
	UserID        string `gorm:"not null;index"`
	Name          string `gorm:"not null"`
	StorageKey    string
	ExtractedText string         `gorm:"type:text"`
	Analysis      datatypes.JSON `gorm:"type:jsonb"`
	Score         int            `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index"`
	UpdatedAt     time.Time      `gorm:"not null"`

	User *UserModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

type ChatModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index;uniqueIndex:idx_chat_user_document"`
	DocumentID string `gorm:"not null;uniqueIndex:idx_chat_user_document"`
	Title      string
	CreatedAt  time.Time `gorm:"not null;index"`
	UpdatedAt  time.Time `gorm:"not null"`

	User     *UserModel     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Document *DocumentModel `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE"`
}

type MessageModel struct {
	ID        string    `gorm:"primaryKey"`
	ChatID    string    `gorm:"not null;index"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`

	Chat *ChatModel `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE"`
}
