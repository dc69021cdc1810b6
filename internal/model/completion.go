package model

import (
	"strings"
	"time"
)

// Completion is one persisted prompt/answer exchange with the provider.
// Completions are never updated once written.
type Completion struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Prompt    string    `json:"prompt"`
	Answer    string    `json:"answer"`
	Tokens    int       `json:"tokens"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AnswerLines splits the answer on newlines for display.
func (c *Completion) AnswerLines() []string {
	if c.Answer == "" {
		return nil
	}
	return strings.Split(c.Answer, "\n")
}
