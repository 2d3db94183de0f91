package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"clauselens/pkg/domain"
)

func buildMultipart(t *testing.T) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "contract.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("%PDF-1.4 fake contract body")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return w.FormDataContentType(), buf.Bytes()
}

func TestAnalyzeForwardsBodyAndSecretVerbatim(t *testing.T) {
	contentType, body := buildMultipart(t)

	var gotSecret, gotContentType string
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("x-internal-secret")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(domain.AnalysisResult{
			Summary: "a lease agreement",
			Score:   71,
			Risks: []domain.Risk{
				{Clause: "clause 9", RiskLevel: domain.RiskHigh, Reason: "unlimited liability", Suggestion: "cap it"},
			},
			FullText: "full extracted text",
		})
	}))
	defer backend.Close()

	client := New(backend.URL, "shared-secret")
	result, err := client.Analyze(context.Background(), contentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if gotSecret != "shared-secret" {
		t.Fatalf("secret header = %q", gotSecret)
	}
	if gotContentType != contentType {
		t.Fatalf("content type not preserved: got %q want %q", gotContentType, contentType)
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("multipart body was not forwarded byte for byte")
	}
	if result.Summary != "a lease agreement" || result.Score != 71 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Risks) != 1 || result.Risks[0].RiskLevel != domain.RiskHigh {
		t.Fatalf("unexpected risks: %+v", result.Risks)
	}
}

func TestAnalyzeReturnsBackendErrorWithDetail(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail": "unsupported file type"}`))
	}))
	defer backend.Close()

	client := New(backend.URL, "s")
	_, err := client.Analyze(context.Background(), "multipart/form-data; boundary=x", bytes.NewReader(nil))
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if backendErr.Status != http.StatusUnprocessableEntity || backendErr.Message != "unsupported file type" {
		t.Fatalf("unexpected backend error: %+v", backendErr)
	}
}

func TestAnalyzeRejectsMalformedResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer backend.Close()

	client := New(backend.URL, "s")
	if _, err := client.Analyze(context.Background(), "multipart/form-data; boundary=x", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestChatSendsHistoryAndContext(t *testing.T) {
	var got chatRequest
	var raw []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-internal-secret") != "shared-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var err error
		raw, err = io.ReadAll(r.Body)
		if err != nil || json.Unmarshal(raw, &got) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "it means 30 days notice"})
	}))
	defer backend.Close()

	client := New(backend.URL, "shared-secret")
	history := []domain.Turn{
		{Role: domain.RoleUser, Content: "summarize"},
		{Role: domain.RoleAssistant, Content: "a lease"},
	}
	answer, err := client.Chat(context.Background(), "what about termination?", history, "full contract text")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if answer != "it means 30 days notice" {
		t.Fatalf("answer = %q", answer)
	}
	if got.Question != "what about termination?" || got.DocumentContext != "full contract text" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if len(got.History) != 2 || got.History[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected history: %+v", got.History)
	}
	// Roles ride the wire as the plain strings the backend expects.
	if !strings.Contains(string(raw), `"role":"user"`) || !strings.Contains(string(raw), `"role":"assistant"`) {
		t.Fatalf("history roles not serialized as plain strings: %s", raw)
	}
}

func TestChatSendsEmptyHistoryArrayNotNull(t *testing.T) {
	var raw map[string]json.RawMessage
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &raw)
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "ok"})
	}))
	defer backend.Close()

	client := New(backend.URL, "s")
	if _, err := client.Chat(context.Background(), "q", nil, ""); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if string(raw["history"]) != "[]" {
		t.Fatalf("history should marshal as [], got %s", raw["history"])
	}
}

func TestChatDoesNotRetryOnFailure(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"detail": "model overloaded"}`))
	}))
	defer backend.Close()

	client := New(backend.URL, "s")
	_, err := client.Chat(context.Background(), "q", nil, "")
	var backendErr *BackendError
	if !errors.As(err, &backendErr) || backendErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 BackendError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one backend call, got %d", calls.Load())
	}
}
