package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEmailIsDeterministic(t *testing.T) {
	a := FromEmail("Jane.Doe@Example.com")
	b := FromEmail("  jane.doe@example.com ")

	assert.Equal(t, "email_jane_dot_doe_at_example_dot_com", a)
	assert.Equal(t, a, b)
}

func TestEmailForReversesFromEmail(t *testing.T) {
	email, err := EmailFor(FromEmail("jane.doe@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "jane.doe@example.com", email)

	_, err = EmailFor(NewAnonymous())
	assert.ErrorIs(t, err, ErrNotEmailSession)
	_, err = EmailFor("email_")
	assert.ErrorIs(t, err, ErrNotEmailSession)
}

func TestAnonymousIDs(t *testing.T) {
	a, b := NewAnonymous(), NewAnonymous()
	assert.NotEqual(t, a, b)
	assert.True(t, IsAnonymous(a))
	assert.True(t, Valid(a))
	assert.False(t, IsAnonymous(FromEmail("x@y.z")))
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("has space"))
	assert.False(t, Valid("a/b"))
	assert.True(t, Valid("S1"))
}

func TestLoadOrCreateAnonymousPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session")

	first, err := LoadOrCreateAnonymous(path)
	require.NoError(t, err)
	second, err := LoadOrCreateAnonymous(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	third, err := LoadOrCreateAnonymous(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.True(t, IsAnonymous(third))
}
