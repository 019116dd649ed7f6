package model

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type User struct {
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuthSession is a login session keyed by its bearer token.
type AuthSession struct {
	Token     string    `json:"token"`
	Email     string    `json:"email"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s AuthSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
