package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"clauselens/pkg/domain"
)

// MemoryStore keeps all entities in-process. It mirrors GormStore semantics
// closely enough for unit tests of the layers above.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]domain.User
	documents map[string]domain.Document
	chats     map[string]domain.Chat
	messages  map[string][]domain.Message // keyed by chat ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]domain.User),
		documents: make(map[string]domain.Document),
		chats:     make(map[string]domain.Chat),
		messages:  make(map[string][]domain.Message),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) InsertDocument(_ context.Context, d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	return d, ok, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, id)
	return nil
}

func (m *MemoryStore) InsertChat(_ context.Context, c domain.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[c.ID] = c
	return nil
}

func (m *MemoryStore) GetChat(_ context.Context, id string) (domain.Chat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	c.Document = nil
	return c, ok, nil
}

func (m *MemoryStore) GetChatWithDocument(_ context.Context, id string) (domain.Chat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	if !ok {
		return domain.Chat{}, false, nil
	}
	if doc, found := m.documents[c.DocumentID]; found {
		d := doc
		c.Document = &d
	}
	return c, true, nil
}

func (m *MemoryStore) FindChatByUserAndDocument(_ context.Context, userID, documentID string) (domain.Chat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.chats {
		if c.UserID == userID && c.DocumentID == documentID {
			c.Document = nil
			return c, true, nil
		}
	}
	return domain.Chat{}, false, nil
}

func (m *MemoryStore) ListChatsByUser(_ context.Context, userID string) ([]domain.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chats := make([]domain.Chat, 0)
	for _, c := range m.chats {
		if c.UserID != userID {
			continue
		}
		if doc, found := m.documents[c.DocumentID]; found {
			d := doc
			c.Document = &d
		}
		chats = append(chats, c)
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
	return chats, nil
}

func (m *MemoryStore) DeleteChat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) InsertMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	return nil
}

func (m *MemoryStore) ListMessagesByChat(_ context.Context, chatID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := make([]domain.Message, len(m.messages[chatID]))
	copy(msgs, m.messages[chatID])
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (m *MemoryStore) CountDocumentsSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, d := range m.documents {
		if d.UserID == userID && !d.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountUserMessagesSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for chatID, msgs := range m.messages {
		chat, ok := m.chats[chatID]
		if !ok || chat.UserID != userID {
			continue
		}
		for _, msg := range msgs {
			if msg.Role == domain.RoleUser && !msg.CreatedAt.Before(since) {
				count++
			}
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, chatID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, chatID)
	delete(m.chats, chatID)
	delete(m.documents, documentID)
	return nil
}
