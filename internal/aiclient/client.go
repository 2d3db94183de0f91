// Package aiclient calls the internal AI analysis backend over HTTP.
// Every request carries the shared internal secret header; the secret is
// never logged and never included in error messages.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clauselens/pkg/domain"
)

const secretHeader = "x-internal-secret"

// Client calls the AI backend over HTTP.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// BackendError represents an AI backend error response.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("ai backend: status %d: %s", e.Status, e.Message)
}

// New constructs an AI backend client. Analysis of large documents can be
// slow, so the timeout is generous.
func New(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Analyze streams a multipart upload body to the backend verbatim.
// contentType must be the original multipart Content-Type header so the
// boundary survives the hop.
func (c *Client) Analyze(ctx context.Context, contentType string, body io.Reader) (domain.AnalysisResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", body)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(secretHeader, c.secret)

	var result domain.AnalysisResult
	if err := c.do(req, &result); err != nil {
		return domain.AnalysisResult{}, err
	}
	return result, nil
}

// Chat sends a question with conversation history and document context and
// returns the backend's answer.
func (c *Client) Chat(ctx context.Context, question string, history []domain.Turn, documentContext string) (string, error) {
	if history == nil {
		history = []domain.Turn{}
	}
	payload := chatRequest{
		Question:        question,
		History:         history,
		DocumentContext: documentContext,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.secret)

	var resp chatResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.Answer, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		msg := errResp.Detail
		if msg == "" {
			msg = errResp.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		return &BackendError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &BackendError{Status: resp.StatusCode, Message: "invalid response payload"}
	}
	return nil
}

type chatRequest struct {
	Question        string        `json:"question"`
	History         []domain.Turn `json:"history"`
	DocumentContext string        `json:"document_context"`
}

type chatResponse struct {
	Answer string `json:"answer"`
}
