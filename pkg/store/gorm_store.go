package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"clauselens/pkg/domain"
)

// GormStore implements Store on top of GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres connection and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	return Open(postgres.Open(dsn))
}

// Open builds the store from any GORM dialector. Tests open it over sqlite.
func Open(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &DocumentModel{}, &ChatModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser registers or updates a user row from the identity provider sync.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "is_pro", "updated_at"}),
	}).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// InsertDocument stores a completed analysis as a new document row.
func (s *GormStore) InsertDocument(ctx context.Context, d domain.Document) error {
	model := documentToModel(d)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetDocument retrieves a document.
func (s *GormStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// DeleteDocument removes a single document row.
func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&DocumentModel{}, "id = ?", id).Error
}

// InsertChat creates a chat. The (user_id, document_id) unique index backs
// the one-thread-per-document rule at the database level.
func (s *GormStore) InsertChat(ctx context.Context, c domain.Chat) error {
	model := chatToModel(c)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetChat returns one chat by ID without its document.
func (s *GormStore) GetChat(ctx context.Context, id string) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	return chatFromModel(model), true, nil
}

// GetChatWithDocument returns a chat with its document preloaded.
func (s *GormStore) GetChatWithDocument(ctx context.Context, id string) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.WithContext(ctx).Preload("Document").First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	return chatFromModel(model), true, nil
}

// FindChatByUserAndDocument looks up the existing thread for a (user, document) pair.
func (s *GormStore) FindChatByUserAndDocument(ctx context.Context, userID, documentID string) (domain.Chat, bool, error) {
	var model ChatModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND document_id = ?", userID, documentID).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	return chatFromModel(model), true, nil
}

// ListChatsByUser returns the user's chats, newest first, with documents.
func (s *GormStore) ListChatsByUser(ctx context.Context, userID string) ([]domain.Chat, error) {
	var models []ChatModel
	if err := s.db.WithContext(ctx).
		Preload("Document").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	chats := make([]domain.Chat, 0, len(models))
	for _, model := range models {
		chats = append(chats, chatFromModel(model))
	}
	return chats, nil
}

// DeleteChat removes a chat and its messages. The document is left alone;
// session-level cleanup goes through DeleteSession.
func (s *GormStore) DeleteChat(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "chat_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ChatModel{}, "id = ?", id).Error
	})
}

// InsertMessage records one message.
func (s *GormStore) InsertMessage(ctx context.Context, m domain.Message) error {
	model := messageToModel(m)
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListMessagesByChat returns messages in chronological order for replay.
func (s *GormStore) ListMessagesByChat(ctx context.Context, chatID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// CountDocumentsSince counts a user's documents created at or after the cutoff.
func (s *GormStore) CountDocumentsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// CountUserMessagesSince counts user-role messages across all of the user's
// chats created at or after the cutoff.
func (s *GormStore) CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).
		Joins("JOIN chat_models ON chat_models.id = message_models.chat_id").
		Where("chat_models.user_id = ? AND message_models.role = ? AND message_models.created_at >= ?",
			userID, string(domain.RoleUser), since).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeleteSession removes messages, chat, and document in one transaction.
func (s *GormStore) DeleteSession(ctx context.Context, chatID, documentID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "chat_id = ?", chatID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ChatModel{}, "id = ?", chatID).Error; err != nil {
			return err
		}
		return tx.Delete(&DocumentModel{}, "id = ?", documentID).Error
	})
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		IsPro:     u.IsPro,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Name:      m.Name,
		Email:     m.Email,
		IsPro:     m.IsPro,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	analysis, _ := json.Marshal(d.Analysis)
	return DocumentModel{
		ID:            d.ID,
		UserID:        d.UserID,
		Name:          d.Name,
		StorageKey:    d.StorageKey,
		ExtractedText: d.ExtractedText,
		Analysis:      analysis,
		Score:         d.Score,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	var analysis domain.AnalysisResult
	if len(m.Analysis) > 0 {
		_ = json.Unmarshal(m.Analysis, &analysis)
	}
	return domain.Document{
		ID:            m.ID,
		UserID:        m.UserID,
		Name:          m.Name,
		StorageKey:    m.StorageKey,
		ExtractedText: m.ExtractedText,
		Analysis:      analysis,
		Score:         m.Score,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func chatToModel(c domain.Chat) ChatModel {
	return ChatModel{
		ID:         c.ID,
		UserID:     c.UserID,
		DocumentID: c.DocumentID,
		Title:      c.Title,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func chatFromModel(m ChatModel) domain.Chat {
	chat := domain.Chat{
		ID:         m.ID,
		UserID:     m.UserID,
		DocumentID: m.DocumentID,
		Title:      m.Title,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.Document != nil {
		doc := documentFromModel(*m.Document)
		chat.Document = &doc
	}
	return chat
}

func messageToModel(m domain.Message) MessageModel {
	return MessageModel{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      string(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      domain.Role(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
