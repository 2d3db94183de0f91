// Package app implements the session lifecycle: analyze an uploaded
// contract, open the conversation attached to it, exchange turns, and tear
// the whole session down. Quota checks run before any work that would
// consume quota.
package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"clauselens/internal/aiclient"
	"clauselens/internal/usage"
	"clauselens/internal/util"
	"clauselens/pkg/domain"
	"clauselens/pkg/storage"
	"clauselens/pkg/store"
)

const defaultSessionTitle = "New Conversation"

const downloadURLExpiry = 15 * time.Minute

// Config wires the app's collaborators.
type Config struct {
	Store store.Store
	Files storage.ObjectStore // optional; nil disables archival and downloads
	AI    *aiclient.Client
	Usage *usage.Service
}

// App coordinates the store, the object archive, the AI backend, and usage
// accounting behind the HTTP layer.
type App struct {
	store store.Store
	files storage.ObjectStore
	ai    *aiclient.Client
	usage *usage.Service
}

// New builds an App from its collaborators.
func New(cfg Config) *App {
	return &App{
		store: cfg.Store,
		files: cfg.Files,
		ai:    cfg.AI,
		usage: cfg.Usage,
	}
}

// UserByID loads the authenticated user's row. The access gate calls this
// after token verification; a verified token without a row is still rejected.
func (a *App) UserByID(ctx context.Context, id string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

// Analyze streams an uploaded contract to the AI backend, archives the raw
// file alongside (when an object store is configured), and persists the
// resulting document. The upload quota is checked first, before any bytes
// move.
func (a *App) Analyze(ctx context.Context, userID, filename, contentType string, body io.Reader) (domain.Document, error) {
	check, err := a.usage.CheckLimit(ctx, userID, usage.ActionUpload)
	if err != nil {
		return domain.Document{}, err
	}
	if !check.Allowed {
		return domain.Document{}, &QuotaExceededError{Action: usage.ActionUpload, Used: check.Used, Limit: check.Limit}
	}

	docID := util.NewID()
	storageKey := docID + strings.ToLower(filepath.Ext(filename))

	var result domain.AnalysisResult
	if a.files == nil {
		result, err = a.ai.Analyze(ctx, contentType, body)
		if err != nil {
			return domain.Document{}, fmt.Errorf("analyze document: %w", err)
		}
		storageKey = ""
	} else {
		// Tee the upload so the backend and the archive consume the same
		// single pass over the request body. The archive side must never
		// abort the backend stream: if its writes start failing, the tee
		// drops the archive copy and keeps feeding the backend.
		pr, pw := io.Pipe()
		var g errgroup.Group
		g.Go(func() error {
			putErr := a.files.Put(ctx, storageKey, pr, -1, contentType)
			// Unblock pending tee writes if the put bailed out early.
			pr.CloseWithError(putErr)
			return putErr
		})

		tee := &archiveTee{pw: pw}
		result, err = a.ai.Analyze(ctx, contentType, io.TeeReader(body, tee))
		pw.CloseWithError(err)
		archiveErr := g.Wait()

		if err != nil {
			if archiveErr == nil {
				// The analysis is the source of truth; drop the orphan object.
				if delErr := a.files.Delete(ctx, storageKey); delErr != nil {
					util.LoggerFromContext(ctx).Warn("delete orphan object failed", "key", storageKey, "error", delErr)
				}
			}
			return domain.Document{}, fmt.Errorf("analyze document: %w", err)
		}
		if archiveErr != nil {
			// The analysis succeeded; losing the archive only disables the
			// download link for this document.
			util.LoggerFromContext(ctx).Warn("archive upload failed", "key", storageKey, "error", archiveErr)
			storageKey = ""
		}
	}

	now := time.Now().UTC()
	doc := domain.Document{
		ID:            docID,
		UserID:        userID,
		Name:          filename,
		StorageKey:    storageKey,
		ExtractedText: result.FullText,
		Analysis:      result,
		Score:         result.Score,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.InsertDocument(ctx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	return doc, nil
}

// archiveTee forwards writes to the archive pipe but always reports success
// to the upstream tee reader. Once a pipe write fails (the put side gave up),
// it stops forwarding so the backend stream is unaffected; the failure itself
// is surfaced through the put's own return value.
type archiveTee struct {
	pw     *io.PipeWriter
	failed bool
}

func (t *archiveTee) Write(p []byte) (int, error) {
	if !t.failed {
		if _, err := t.pw.Write(p); err != nil {
			t.failed = true
		}
	}
	return len(p), nil
}

// CreateOrGetSession returns the single chat attached to the document,
// creating it on first call. Repeated calls for the same document return the
// same chat.
func (a *App) CreateOrGetSession(ctx context.Context, userID, documentID string) (domain.Chat, error) {
	doc, ok, err := a.store.GetDocument(ctx, documentID)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.Chat{}, ErrNotFound
	}
	if doc.UserID != userID {
		return domain.Chat{}, ErrForbidden
	}

	existing, found, err := a.store.FindChatByUserAndDocument(ctx, userID, documentID)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("find chat: %w", err)
	}
	if found {
		return existing, nil
	}

	now := time.Now().UTC()
	chat := domain.Chat{
		ID:         util.NewID(),
		UserID:     userID,
		DocumentID: documentID,
		Title:      defaultSessionTitle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.store.InsertChat(ctx, chat); err != nil {
		return domain.Chat{}, fmt.Errorf("save chat: %w", err)
	}
	return chat, nil
}

// GetSession loads one chat with its document, enforcing ownership.
func (a *App) GetSession(ctx context.Context, userID, chatID string) (domain.Chat, error) {
	return a.ownedChat(ctx, userID, chatID)
}

// ListSessions returns the user's chats, newest first, each with its document.
func (a *App) ListSessions(ctx context.Context, userID string) ([]domain.Chat, error) {
	chats, err := a.store.ListChatsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// Messages returns the chat's transcript in insertion order.
func (a *App) Messages(ctx context.Context, userID, chatID string) ([]domain.Message, error) {
	if _, err := a.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	msgs, err := a.store.ListMessagesByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// AppendTurn persists one externally supplied message in the chat. Used for
// transcript imports; the interactive path is ChatTurn.
func (a *App) AppendTurn(ctx context.Context, userID, chatID string, role domain.Role, content string) (domain.Message, error) {
	if _, err := a.ownedChat(ctx, userID, chatID); err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:        util.NewID(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.InsertMessage(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("save message: %w", err)
	}
	return msg, nil
}

// ChatTurn runs one question/answer exchange: quota gate, backend call, then
// persistence of both turns. A failed backend call persists nothing.
func (a *App) ChatTurn(ctx context.Context, userID, chatID, question string, history []domain.Turn, documentContext string) (domain.Message, error) {
	check, err := a.usage.CheckLimit(ctx, userID, usage.ActionChat)
	if err != nil {
		return domain.Message{}, err
	}
	if !check.Allowed {
		return domain.Message{}, &QuotaExceededError{Action: usage.ActionChat, Used: check.Used, Limit: check.Limit}
	}

	chat, err := a.ownedChat(ctx, userID, chatID)
	if err != nil {
		return domain.Message{}, err
	}
	if documentContext == "" && chat.Document != nil {
		documentContext = chat.Document.ExtractedText
	}

	answer, err := a.ai.Chat(ctx, question, history, documentContext)
	if err != nil {
		return domain.Message{}, fmt.Errorf("chat with backend: %w", err)
	}

	now := time.Now().UTC()
	userMsg := domain.Message{
		ID:        util.NewID(),
		ChatID:    chatID,
		Role:      domain.RoleUser,
		Content:   question,
		CreatedAt: now,
	}
	if err := a.store.InsertMessage(ctx, userMsg); err != nil {
		return domain.Message{}, fmt.Errorf("save user message: %w", err)
	}
	answerMsg := domain.Message{
		ID:        util.NewID(),
		ChatID:    chatID,
		Role:      domain.RoleAssistant,
		Content:   answer,
		CreatedAt: now.Add(time.Millisecond),
	}
	if err := a.store.InsertMessage(ctx, answerMsg); err != nil {
		return domain.Message{}, fmt.Errorf("save answer message: %w", err)
	}
	return answerMsg, nil
}

// DeleteSession removes the chat, its messages, and its document in one
// transaction, then drops the archived file best-effort.
func (a *App) DeleteSession(ctx context.Context, userID, chatID string) error {
	chat, err := a.ownedChat(ctx, userID, chatID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteSession(ctx, chatID, chat.DocumentID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if a.files != nil && chat.Document != nil && chat.Document.StorageKey != "" {
		if err := a.files.Delete(ctx, chat.Document.StorageKey); err != nil {
			util.LoggerFromContext(ctx).Warn("delete archived object failed", "key", chat.Document.StorageKey, "error", err)
		}
	}
	return nil
}

// DownloadURL mints a short-lived pre-signed URL for the session's archived
// upload. Sessions without an archived file report not found.
func (a *App) DownloadURL(ctx context.Context, userID, chatID string) (string, error) {
	chat, err := a.ownedChat(ctx, userID, chatID)
	if err != nil {
		return "", err
	}
	if a.files == nil || chat.Document == nil || chat.Document.StorageKey == "" {
		return "", ErrNotFound
	}
	url, err := a.files.PresignGet(ctx, chat.Document.StorageKey, downloadURLExpiry)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return url, nil
}

// UsageStats reports the user's current-month consumption.
func (a *App) UsageStats(ctx context.Context, userID string) (usage.Stats, error) {
	return a.usage.Stats(ctx, userID)
}

func (a *App) ownedChat(ctx context.Context, userID, chatID string) (domain.Chat, error) {
	chat, ok, err := a.store.GetChatWithDocument(ctx, chatID)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("load chat: %w", err)
	}
	if !ok {
		return domain.Chat{}, ErrNotFound
	}
	if chat.UserID != userID {
		return domain.Chat{}, ErrForbidden
	}
	return chat, nil
}
