// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxUsernameLen  = 64
	DefaultUsername = "guest"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// User is what a client knows about a remote participant.
type User struct {
	ID       ClientID `json:"id"`
	Username string   `json:"username"`
}

// NewUser creates a user with the default name until an identify arrives.
func NewUser(id ClientID) *User {
	return &User{ID: id, Username: DefaultUsername}
}

// ValidateUsername checks a local username before it is announced.
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return ErrUsernameEmpty
	}
	if utf8.RuneCountInString(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}

// SetUsername applies a remote identify. Names from peers are untrusted,
// so overlong names are cut instead of rejected.
func (u *User) SetUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrUsernameEmpty
	}
	if utf8.RuneCountInString(username) > MaxUsernameLen {
		username = string([]rune(username)[:MaxUsernameLen])
	}
	u.Username = username
	return nil
}
