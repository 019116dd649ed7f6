// Package auth registers accounts, issues bearer tokens and resolves them
// back to an identity. A token is a signed JWT that is also recorded
// server-side so logout can revoke it before it expires.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mahaj/studio-chat/pkg/model"
	"github.com/mahaj/studio-chat/pkg/session"
)

const minPasswordLen = 6

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidToken       = errors.New("invalid or missing token")
	ErrSessionExpired     = errors.New("session expired")
	ErrForbidden          = errors.New("admin role required")
)

// Identity is who a valid token belongs to.
type Identity struct {
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Role      model.Role `json:"role"`
	SessionID string     `json:"sessionId"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == model.RoleAdmin
}

type Result struct {
	Token     string
	ExpiresAt time.Time
	Identity
}

type Service struct {
	store  Store
	tokens *Tokens
	admins map[string]bool
	now    func() time.Time
}

func NewService(store Store, tokens *Tokens, adminEmails []string) *Service {
	admins := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		admins[normalizeEmail(e)] = true
	}
	return &Service{store: store, tokens: tokens, admins: admins, now: time.Now}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) Register(ctx context.Context, email, password, name string) (Result, error) {
	email = normalizeEmail(email)
	if email == "" {
		return Result{}, model.Required("email")
	}
	if !strings.Contains(email, "@") {
		return Result{}, &model.ValidationError{Field: "email", Reason: "is not an email address"}
	}
	if password == "" {
		return Result{}, model.Required("password")
	}
	if len(password) < minPasswordLen {
		return Result{}, &model.ValidationError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters", minPasswordLen)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Result{}, fmt.Errorf("hashing password: %w", err)
	}

	if name = strings.TrimSpace(name); name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	role := model.RoleUser
	if s.admins[email] {
		role = model.RoleAdmin
	}
	user := model.User{
		Email:        email,
		Name:         name,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return Result{}, err
	}
	slog.InfoContext(ctx, "user registered", "email", email, "role", role)
	return s.startSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Result, error) {
	email = normalizeEmail(email)
	if email == "" {
		return Result{}, model.Required("email")
	}
	if password == "" {
		return Result{}, model.Required("password")
	}

	user, err := s.store.GetUser(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return Result{}, ErrInvalidCredentials
	}
	if err != nil {
		return Result{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Result{}, ErrInvalidCredentials
	}
	return s.startSession(ctx, user)
}

func (s *Service) startSession(ctx context.Context, user model.User) (Result, error) {
	// Expired sessions are only swept on writes.
	if n, err := s.store.DeleteExpired(ctx, s.now()); err != nil {
		slog.WarnContext(ctx, "sweeping expired sessions failed", "error", err)
	} else if n > 0 {
		slog.DebugContext(ctx, "swept expired sessions", "count", n)
	}

	sid := session.FromEmail(user.Email)
	token, expires, err := s.tokens.Generate(user, sid)
	if err != nil {
		return Result{}, err
	}
	err = s.store.SaveSession(ctx, model.AuthSession{
		Token:     token,
		Email:     user.Email,
		SessionID: sid,
		Role:      user.Role,
		ExpiresAt: expires.UTC(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("saving session: %w", err)
	}
	return Result{
		Token:     token,
		ExpiresAt: expires,
		Identity: Identity{
			Email:     user.Email,
			Name:      user.Name,
			Role:      user.Role,
			SessionID: sid,
		},
	}, nil
}

// Verify resolves a bearer token. Revoked tokens are rejected even while
// their signature is still valid.
func (s *Service) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	claims, err := s.tokens.Validate(token)
	if errors.Is(err, ErrSessionExpired) {
		_ = s.store.DeleteSession(ctx, token)
		return Identity{}, err
	}
	if err != nil {
		return Identity{}, err
	}

	sess, err := s.store.GetSession(ctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}
	if sess.Expired(s.now()) {
		_ = s.store.DeleteSession(ctx, token)
		return Identity{}, ErrSessionExpired
	}

	user, err := s.store.GetUser(ctx, claims.Email)
	if errors.Is(err, ErrUserNotFound) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Email:     user.Email,
		Name:      user.Name,
		Role:      user.Role,
		SessionID: sess.SessionID,
	}, nil
}

// Logout revokes token. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.store.DeleteSession(ctx, token)
}

// Users lists every account for the admin dashboard, without password hashes.
func (s *Service) Users(ctx context.Context, caller Identity) ([]model.User, error) {
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users, nil
}
