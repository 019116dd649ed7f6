package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/mahaj/studio-chat/pkg/model"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
)

// Store holds accounts keyed by email and login sessions keyed by token.
type Store interface {
	CreateUser(ctx context.Context, user model.User) error
	GetUser(ctx context.Context, email string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	SaveSession(ctx context.Context, s model.AuthSession) error
	GetSession(ctx context.Context, token string) (model.AuthSession, error)
	DeleteSession(ctx context.Context, token string) error
	// DeleteExpired drops every session expired at now and reports how many.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]model.User
	sessions map[string]model.AuthSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]model.User),
		sessions: make(map[string]model.AuthSession),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, user model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Email]; ok {
		return ErrEmailTaken
	}
	s.users[user.Email] = user
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[email]
	if !ok {
		return model.User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	s.mu.RUnlock()
	sortUsers(out)
	return out, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, sess model.AuthSession) error {
	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, token string) (model.AuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return model.AuthSession{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, token)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortUsers(users []model.User) {
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].Email < users[j].Email
	})
}

const (
	userPrefix    = "user/"
	sessionPrefix = "session/"
)

// FileStore keeps accounts and sessions in a pebble database.
type FileStore struct {
	mu sync.Mutex
	db *pebble.DB
}

func NewFileStore(db *pebble.DB) *FileStore {
	return &FileStore{db: db}
}

func (s *FileStore) get(key string, v any) (bool, error) {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	return true, json.Unmarshal(data, v)
}

func (s *FileStore) set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

func (s *FileStore) CreateUser(_ context.Context, user model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing model.User
	found, err := s.get(userPrefix+user.Email, &existing)
	if err != nil {
		return fmt.Errorf("reading user: %w", err)
	}
	if found {
		return ErrEmailTaken
	}
	return s.set(userPrefix+user.Email, user)
}

func (s *FileStore) GetUser(_ context.Context, email string) (model.User, error) {
	var u model.User
	found, err := s.get(userPrefix+email, &u)
	if err != nil {
		return model.User{}, fmt.Errorf("reading user: %w", err)
	}
	if !found {
		return model.User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *FileStore) each(prefix string, fn func(key, value []byte) error) error {
	upper := []byte(prefix)
	upper[len(upper)-1]++
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *FileStore) ListUsers(_ context.Context) ([]model.User, error) {
	out := []model.User{}
	err := s.each(userPrefix, func(_, value []byte) error {
		var u model.User
		if err := json.Unmarshal(value, &u); err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	sortUsers(out)
	return out, nil
}

func (s *FileStore) SaveSession(_ context.Context, sess model.AuthSession) error {
	return s.set(sessionPrefix+sess.Token, sess)
}

func (s *FileStore) GetSession(_ context.Context, token string) (model.AuthSession, error) {
	var sess model.AuthSession
	found, err := s.get(sessionPrefix+token, &sess)
	if err != nil {
		return model.AuthSession{}, fmt.Errorf("reading session: %w", err)
	}
	if !found {
		return model.AuthSession{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *FileStore) DeleteSession(_ context.Context, token string) error {
	return s.db.Delete([]byte(sessionPrefix+token), pebble.Sync)
}

func (s *FileStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	n := 0
	err := s.each(sessionPrefix, func(key, value []byte) error {
		var sess model.AuthSession
		if err := json.Unmarshal(value, &sess); err != nil {
			return err
		}
		if sess.Expired(now) {
			n++
			return batch.Delete(append([]byte(nil), key...), nil)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning sessions: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	return n, batch.Commit(pebble.Sync)
}

func (s *FileStore) Close() error {
	return s.db.Close()
}
