package domain

import "time"

// Role identifies the author of a chat message. It is a closed enum;
// anything else is rejected before it reaches storage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a raw role value against the closed enum.
func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleUser:
		return RoleUser, true
	case RoleAssistant:
		return RoleAssistant, true
	default:
		return "", false
	}
}

// RiskLevel grades a single contract finding.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "High"
	RiskMedium RiskLevel = "Medium"
	RiskLow    RiskLevel = "Low"
)

// User is provisioned by the external identity provider on first sign-in.
// IsPro is flipped by an external billing process; this core only reads it.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	IsPro     bool      `json:"isPro"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Risk is one finding inside an analysis payload.
type Risk struct {
	Clause     string    `json:"clause"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Reason     string    `json:"reason"`
	Suggestion string    `json:"suggestion"`
}

// AnalysisResult is the AI backend's verdict for one uploaded contract.
type AnalysisResult struct {
	Summary  string `json:"summary"`
	Risks    []Risk `json:"risks"`
	Score    int    `json:"score"`
	FullText string `json:"full_text"`
}

// Document is one uploaded contract and its completed analysis. It is
// immutable after creation; removal happens only through session deletion.
type Document struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	Name          string         `json:"name"`
	StorageKey    string         `json:"-"`
	ExtractedText string         `json:"extractedText,omitempty"`
	Analysis      AnalysisResult `json:"analysis"`
	Score         int            `json:"score"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Chat is the single conversation thread attached to one document.
type Chat struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	DocumentID string    `json:"documentId"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Document   *Document `json:"document,omitempty"`
}

// Message is one turn inside a chat. Never mutated once written.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Turn is a prior {role, content} pair forwarded to the AI backend as
// conversation history. It deliberately mirrors the backend wire format;
// Role shares the closed enum so history cannot smuggle in other authors.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
