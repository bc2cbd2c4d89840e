package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Bot is a user-owned chatbot with a fixed persona and a set of source documents.
type Bot struct {
	ID          string
	UserID      string
	Name        string
	CompanyName string
	Domain      string
	Industry    string
	Behavior    string
	Documents   []string // base names of ingested files, in ingestion order
	CreatedAt   time.Time
}

// Role of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a session history.
type Turn struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}
