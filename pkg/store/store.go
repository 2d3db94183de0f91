package store

import (
	"context"
	"time"

	"clauselens/pkg/domain"
)

// Store defines persistence operations for users, documents, chats, and
// messages. Every id is generated by the caller before insertion so the
// Document -> Chat -> Message chain can be built without round-trips.
type Store interface {
	// users (rows are written by the external identity provider sync;
	// SaveUser exists for that sync path and for tests)
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)

	// documents
	InsertDocument(ctx context.Context, d domain.Document) error
	GetDocument(ctx context.Context, id string) (domain.Document, bool, error)
	DeleteDocument(ctx context.Context, id string) error

	// chats
	InsertChat(ctx context.Context, c domain.Chat) error
	GetChat(ctx context.Context, id string) (domain.Chat, bool, error)
	GetChatWithDocument(ctx context.Context, id string) (domain.Chat, bool, error)
	FindChatByUserAndDocument(ctx context.Context, userID, documentID string) (domain.Chat, bool, error)
	ListChatsByUser(ctx context.Context, userID string) ([]domain.Chat, error)
	DeleteChat(ctx context.Context, id string) error

	// messages
	InsertMessage(ctx context.Context, m domain.Message) error
	ListMessagesByChat(ctx context.Context, chatID string) ([]domain.Message, error)

	// usage accounting
	CountDocumentsSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int, error)

	// DeleteSession removes a chat, its messages, and its document in one
	// transaction, so a failed document delete cannot strand the chat
	// delete (or the other way round).
	DeleteSession(ctx context.Context, chatID, documentID string) error
}
