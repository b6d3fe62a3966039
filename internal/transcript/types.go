package transcript

import (
	"context"
	"time"
)

// Utterance is a single piece of user or assistant speech-to-text.
type Utterance struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves session transcripts.
type Store interface {
	SaveUtterance(ctx context.Context, u Utterance) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Utterance, error)
	Close() error
}
