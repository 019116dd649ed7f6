// Package session maps chat identities to conversation ids.
//
// An authenticated user's session id is derived from the email address, so
// every device the user logs in from lands in the same conversation. Anonymous
// visitors get a random id that the client keeps on local disk.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	emailPrefix     = "email_"
	anonymousPrefix = "anon_"
)

var ErrNotEmailSession = errors.New("session id was not derived from an email")

// FromEmail returns the conversation id for an email address. Case and
// surrounding whitespace are ignored.
func FromEmail(email string) string {
	e := strings.ToLower(strings.TrimSpace(email))
	e = strings.ReplaceAll(e, "@", "_at_")
	e = strings.ReplaceAll(e, ".", "_dot_")
	return emailPrefix + e
}

// EmailFor reverses FromEmail for display in the admin dashboard. Addresses
// that literally contain "_at_" or "_dot_" do not round-trip.
func EmailFor(sessionID string) (string, error) {
	rest, ok := strings.CutPrefix(sessionID, emailPrefix)
	if !ok || rest == "" {
		return "", ErrNotEmailSession
	}
	rest = strings.ReplaceAll(rest, "_dot_", ".")
	rest = strings.ReplaceAll(rest, "_at_", "@")
	return rest, nil
}

func NewAnonymous() string {
	return anonymousPrefix + uuid.NewString()
}

func IsAnonymous(sessionID string) bool {
	return strings.HasPrefix(sessionID, anonymousPrefix)
}

// Valid reports whether id is usable as a conversation key.
func Valid(id string) bool {
	if id == "" || len(id) > 256 {
		return false
	}
	return !strings.ContainsAny(id, " \t\r\n/")
}

// LoadOrCreateAnonymous returns the anonymous id stored at path, creating and
// persisting a new one when the file is missing or unusable.
func LoadOrCreateAnonymous(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if IsAnonymous(id) && Valid(id) {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading anonymous session: %w", err)
	}

	id := NewAnonymous()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating session dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing anonymous session: %w", err)
	}
	return id, nil
}
