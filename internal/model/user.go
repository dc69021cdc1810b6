// Package model defines domain entities for the application.
package model

import "time"

// User owns completions and a token balance.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Tokens       int       `json:"tokens"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CanAfford reports whether the balance covers the requested budget.
func (u *User) CanAfford(tokens int) bool {
	return tokens <= u.Tokens
}
