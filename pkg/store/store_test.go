package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"

	"clauselens/pkg/domain"
)

// forEachStore runs a subtest against both Store implementations so the gorm
// SQL and the in-memory mirror cannot drift apart.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	gormStore, err := Open(sqlite.Open(":memory:"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	impls := []struct {
		name  string
		store Store
	}{
		{"gorm", gormStore},
		{"memory", NewMemoryStore()},
	}
	for _, impl := range impls {
		t.Run(impl.name, func(t *testing.T) {
			fn(t, impl.store)
		})
	}
}

func seedUser(t *testing.T, s Store, id string, pro bool) domain.User {
	t.Helper()
	user := domain.User{
		ID:        id,
		Name:      "Test User",
		Email:     id + "@example.com",
		IsPro:     pro,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveUser(context.Background(), user); err != nil {
		t.Fatalf("save user: %v", err)
	}
	return user
}

func seedDocument(t *testing.T, s Store, id, userID string, createdAt time.Time) domain.Document {
	t.Helper()
	doc := domain.Document{
		ID:            id,
		UserID:        userID,
		Name:          "lease.pdf",
		ExtractedText: "full text of " + id,
		Analysis: domain.AnalysisResult{
			Summary: "summary",
			Risks: []domain.Risk{{
				Clause:     "Non-compete for 5 years",
				RiskLevel:  domain.RiskHigh,
				Reason:     "excessive duration",
				Suggestion: "limit to 1 year",
			}},
			Score:    42,
			FullText: "full text of " + id,
		},
		Score:     42,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := s.InsertDocument(context.Background(), doc); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	return doc
}

func seedChat(t *testing.T, s Store, id, userID, documentID string, createdAt time.Time) domain.Chat {
	t.Helper()
	chat := domain.Chat{
		ID:         id,
		UserID:     userID,
		DocumentID: documentID,
		Title:      "New Conversation",
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	if err := s.InsertChat(context.Background(), chat); err != nil {
		t.Fatalf("insert chat: %v", err)
	}
	return chat
}

func TestUserUpsertAndLookup(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := seedUser(t, s, "user-1", false)

		got, ok, err := s.GetUserByID(ctx, user.ID)
		if err != nil || !ok {
			t.Fatalf("get user: ok=%v err=%v", ok, err)
		}
		if got.IsPro {
			t.Fatal("expected free tier")
		}

		user.IsPro = true
		if err := s.SaveUser(ctx, user); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
		got, ok, err = s.GetUserByID(ctx, user.ID)
		if err != nil || !ok {
			t.Fatalf("get user after upsert: ok=%v err=%v", ok, err)
		}
		if !got.IsPro {
			t.Fatal("expected pro tier after upsert")
		}

		if _, ok, err := s.GetUserByID(ctx, "missing"); err != nil || ok {
			t.Fatalf("missing user: ok=%v err=%v", ok, err)
		}
	})
}

func TestDocumentRoundTripsAnalysisPayload(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := seedUser(t, s, "user-1", false)
		doc := seedDocument(t, s, "doc-1", user.ID, time.Now().UTC())

		got, ok, err := s.GetDocument(ctx, doc.ID)
		if err != nil || !ok {
			t.Fatalf("get document: ok=%v err=%v", ok, err)
		}
		if got.Score != 42 || got.Analysis.Score != 42 {
			t.Fatalf("score mismatch: %d / %d", got.Score, got.Analysis.Score)
		}
		if len(got.Analysis.Risks) != 1 || got.Analysis.Risks[0].RiskLevel != domain.RiskHigh {
			t.Fatalf("analysis risks did not round-trip: %+v", got.Analysis.Risks)
		}
		if got.ExtractedText != doc.ExtractedText {
			t.Fatalf("extracted text mismatch: %q", got.ExtractedText)
		}
	})
}

func TestFindChatByUserAndDocument(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := seedUser(t, s, "user-1", false)
		doc := seedDocument(t, s, "doc-1", user.ID, time.Now().UTC())
		chat := seedChat(t, s, "chat-1", user.ID, doc.ID, time.Now().UTC())

		got, ok, err := s.FindChatByUserAndDocument(ctx, user.ID, doc.ID)
		if err != nil || !ok {
			t.Fatalf("find chat: ok=%v err=%v", ok, err)
		}
		if got.ID != chat.ID {
			t.Fatalf("chat id mismatch: got %q want %q", got.ID, chat.ID)
		}

		if _, ok, err := s.FindChatByUserAndDocument(ctx, "other-user", doc.ID); err != nil || ok {
			t.Fatalf("foreign pair should not match: ok=%v err=%v", ok, err)
		}
	})
}

func TestListChatsByUserNewestFirstWithDocuments(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := seedUser(t, s, "user-1", false)
		base := time.Date(2026, time.August, 10, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			doc := seedDocument(t, s, fmt.Sprintf("doc-%d", i), user.ID, base.Add(time.Duration(i)*time.Hour))
			seedChat(t, s, fmt.Sprintf("chat-%d", i), user.ID, doc.ID, base.Add(time.Duration(i)*time.Hour))
		}

		chats, err := s.ListChatsByUser(ctx, user.ID)
		if err != nil {
			t.Fatalf("list chats: %v", err)
		}
		if len(chats) != 3 {
			t.Fatalf("expected 3 chats, got %d", len(chats))
		}
		for i := 1; i < len(chats); i++ {
			if chats[i].CreatedAt.After(chats[i-1].CreatedAt) {
				t.Fatalf("chats not newest-first at index %d", i)
			}
		}
		for _, chat := range chats {
			if chat.Document == nil || chat.Document.ID != chat.DocumentID {
				t.Fatalf("chat %s missing preloaded document", chat.ID)
			}
		}
	})
}

func TestListMessagesAscendingForAnyInsertOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := seedUser(t, s, "user-1", false)
		doc := seedDocument(t, s, "doc-1", user.ID, time.Now().UTC())
		chat := seedChat(t, s, "chat-1", user.ID, doc.ID, time.Now().UTC())

		base := time.Date(2026, time.August, 10, 12, 0, 0, 0, time.UTC)
		for _, offset := range []int{3, 1, 2, 0} {
			msg := domain.Message{
				ID:        fmt.Sprintf("msg-%d", offset),
				ChatID:    chat.ID,
				Role:      domain.RoleUser,
				Content:   fmt.Sprintf("turn %d", offset),
				CreatedAt: base.Add(time.Duration(offset) * time.Second),
			}
			if err := s.InsertMessage(ctx, msg); err != nil {
				t.Fatalf("insert message: %v", err)
			}
		}

		msgs, err := s.ListMessagesByChat(ctx, chat.ID)
		if err != nil {
			t.Fatalf("list messages: %v", err)
		}
		if len(msgs) != 4 {
			t.Fatalf("expected 4 messages, got %d", len(msgs))
		}
		for i := 1; i < len(msgs); i++ {
			if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
				t.Fatalf("messages out of order at index %d", i)
			}
		}
	})
}

func TestDeleteChatCascadesMessagesOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := seedUser(t, s, "user-1", false)
		doc := seedDocument(t, s, "doc-1", user.ID, time.Now().UTC())
		chat := seedChat(t, s, "chat-1", user.ID, doc.ID, time.Now().UTC())
		if err := s.InsertMessage(ctx, domain.Message{
			ID: "msg-1", ChatID: chat.ID, Role: domain.RoleUser,
			Content: "hello", CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("insert message: %v", err)
		}

		if err := s.DeleteChat(ctx, chat.ID); err != nil {
			t.Fatalf("delete chat: %v", err)
		}
		if _, ok, _ := s.GetChat(ctx, chat.ID); ok {
			t.Fatal("chat should be gone")
		}
		msgs, err := s.ListMessagesByChat(ctx, chat.ID)
		if err != nil || len(msgs) != 0 {
			t.Fatalf("messages should be gone: n=%d err=%v", len(msgs), err)
		}
		if _, ok, _ := s.GetDocument(ctx, doc.ID); !ok {
			t.Fatal("document must survive a bare chat delete")
		}
	})
}

func TestDeleteSessionRemovesChatMessagesAndDocument(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := seedUser(t, s, "user-1", false)
		doc := seedDocument(t, s, "doc-1", user.ID, time.Now().UTC())
		chat := seedChat(t, s, "chat-1", user.ID, doc.ID, time.Now().UTC())
		if err := s.InsertMessage(ctx, domain.Message{
			ID: "msg-1", ChatID: chat.ID, Role: domain.RoleAssistant,
			Content: "answer", CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("insert message: %v", err)
		}

		if err := s.DeleteSession(ctx, chat.ID, doc.ID); err != nil {
			t.Fatalf("delete session: %v", err)
		}
		if _, ok, _ := s.GetChat(ctx, chat.ID); ok {
			t.Fatal("chat should be gone")
		}
		if _, ok, _ := s.GetDocument(ctx, doc.ID); ok {
			t.Fatal("document should be gone")
		}
		if msgs, _ := s.ListMessagesByChat(ctx, chat.ID); len(msgs) != 0 {
			t.Fatalf("messages should be gone, got %d", len(msgs))
		}
	})
}

func TestUsageCountsRespectCutoffRoleAndOwner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := seedUser(t, s, "owner", false)
		other := seedUser(t, s, "other", false)

		monthStart := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
		lastMonth := monthStart.Add(-48 * time.Hour)
		thisMonth := monthStart.Add(72 * time.Hour)

		seedDocument(t, s, "doc-old", owner.ID, lastMonth)
		seedDocument(t, s, "doc-new-1", owner.ID, thisMonth)
		seedDocument(t, s, "doc-new-2", owner.ID, thisMonth.Add(time.Hour))
		seedDocument(t, s, "doc-foreign", other.ID, thisMonth)

		n, err := s.CountDocumentsSince(ctx, owner.ID, monthStart)
		if err != nil {
			t.Fatalf("count documents: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 documents this month, got %d", n)
		}

		ownerChat := seedChat(t, s, "chat-owner", owner.ID, "doc-new-1", thisMonth)
		foreignChat := seedChat(t, s, "chat-foreign", other.ID, "doc-foreign", thisMonth)
		msgs := []domain.Message{
			{ID: "m1", ChatID: ownerChat.ID, Role: domain.RoleUser, Content: "q1", CreatedAt: thisMonth},
			{ID: "m2", ChatID: ownerChat.ID, Role: domain.RoleAssistant, Content: "a1", CreatedAt: thisMonth.Add(time.Second)},
			{ID: "m3", ChatID: ownerChat.ID, Role: domain.RoleUser, Content: "q0", CreatedAt: lastMonth},
			{ID: "m4", ChatID: foreignChat.ID, Role: domain.RoleUser, Content: "q-foreign", CreatedAt: thisMonth},
		}
		for _, msg := range msgs {
			if err := s.InsertMessage(ctx, msg); err != nil {
				t.Fatalf("insert message %s: %v", msg.ID, err)
			}
		}

		n, err = s.CountUserMessagesSince(ctx, owner.ID, monthStart)
		if err != nil {
			t.Fatalf("count user messages: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 user message this month, got %d", n)
		}
	})
}
