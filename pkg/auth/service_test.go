package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/studio-chat/pkg/db"
	"github.com/mahaj/studio-chat/pkg/model"
	"github.com/mahaj/studio-chat/pkg/session"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func stores(t *testing.T) map[string]Store {
	pdb, err := db.OpenPebble(t.TempDir())
	require.NoError(t, err)
	fs := NewFileStore(pdb)
	t.Cleanup(func() { _ = fs.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func newTestService(store Store) (*Service, *testClock) {
	clock := &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	tokens := NewTokens("test-secret", 7*24*time.Hour)
	tokens.now = clock.Now
	svc := NewService(store, tokens, []string{"Owner@Studio.test"})
	svc.now = clock.Now
	return svc, clock
}

func TestService(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, clock := newTestService(store)

			reg, err := svc.Register(ctx, " Ana@Example.com ", "secret1", "")
			require.NoError(t, err)
			assert.NotEmpty(t, reg.Token)
			assert.Equal(t, "ana@example.com", reg.Email)
			assert.Equal(t, "ana", reg.Name)
			assert.Equal(t, model.RoleUser, reg.Role)
			assert.Equal(t, session.FromEmail("ana@example.com"), reg.SessionID)
			assert.Equal(t, clock.now.Add(7*24*time.Hour), reg.ExpiresAt)

			_, err = svc.Register(ctx, "ana@example.com", "another1", "Ana")
			assert.ErrorIs(t, err, ErrEmailTaken)

			admin, err := svc.Register(ctx, "owner@studio.test", "secret1", "Owner")
			require.NoError(t, err)
			assert.Equal(t, model.RoleAdmin, admin.Role)

			_, err = svc.Login(ctx, "ana@example.com", "wrong-password")
			assert.ErrorIs(t, err, ErrInvalidCredentials)
			_, err = svc.Login(ctx, "nobody@example.com", "secret1")
			assert.ErrorIs(t, err, ErrInvalidCredentials)

			login, err := svc.Login(ctx, "ANA@example.com", "secret1")
			require.NoError(t, err)
			assert.Equal(t, reg.SessionID, login.SessionID, "same email, same conversation")

			id, err := svc.Verify(ctx, login.Token)
			require.NoError(t, err)
			assert.Equal(t, "ana@example.com", id.Email)
			assert.False(t, id.IsAdmin())

			require.NoError(t, svc.Logout(ctx, login.Token))
			require.NoError(t, svc.Logout(ctx, login.Token))
			_, err = svc.Verify(ctx, login.Token)
			assert.ErrorIs(t, err, ErrInvalidToken)

			_, err = svc.Users(ctx, id)
			assert.ErrorIs(t, err, ErrForbidden)
			users, err := svc.Users(ctx, admin.Identity)
			require.NoError(t, err)
			require.Len(t, users, 2)
			for _, u := range users {
				assert.Empty(t, u.PasswordHash)
			}
		})
	}
}

func TestVerifyRejectsExpiredAndSweepsOnWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc, clock := newTestService(store)

	first, err := svc.Register(ctx, "a@example.com", "secret1", "")
	require.NoError(t, err)

	clock.now = clock.now.Add(8 * 24 * time.Hour)
	_, err = svc.Verify(ctx, first.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// A second expired session is left for the next write to sweep.
	clock.now = clock.now.Add(-8 * 24 * time.Hour)
	second, err := svc.Login(ctx, "a@example.com", "secret1")
	require.NoError(t, err)
	clock.now = clock.now.Add(8 * 24 * time.Hour)

	_, err = store.GetSession(ctx, second.Token)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "b@example.com", "secret1", "")
	require.NoError(t, err)
	_, err = store.GetSession(ctx, second.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()

	cases := map[string]struct {
		email, password string
		field           string
	}{
		"missing email":    {"", "secret1", "email"},
		"not an email":     {"ana", "secret1", "email"},
		"missing password": {"ana@example.com", "", "password"},
		"short password":   {"ana@example.com", "abc", "password"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Register(ctx, tc.email, tc.password, "")
			require.ErrorIs(t, err, model.ErrValidation)
			var verr *model.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestTokensRejectTampering(t *testing.T) {
	tokens := NewTokens("one", time.Hour)
	token, _, err := tokens.Generate(model.User{Email: "a@example.com", Role: model.RoleAdmin}, "email_a_at_example_dot_com")
	require.NoError(t, err)

	claims, err := tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, claims.Role)

	_, err = NewTokens("two", time.Hour).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = tokens.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
