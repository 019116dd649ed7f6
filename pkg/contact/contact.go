// Package contact captures submissions of the public contact form.
package contact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/mahaj/studio-chat/pkg/model"
)

type Store interface {
	Save(ctx context.Context, c model.Contact) error
	// List returns every submission, newest first.
	List(ctx context.Context) ([]model.Contact, error)
	Close() error
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

type Input struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (s *Service) Submit(ctx context.Context, in Input) (model.Contact, error) {
	c := model.Contact{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		Email:     strings.TrimSpace(in.Email),
		Subject:   strings.TrimSpace(in.Subject),
		Message:   strings.TrimSpace(in.Message),
		CreatedAt: s.now().UTC(),
	}
	switch {
	case c.Name == "":
		return model.Contact{}, model.Required("name")
	case c.Email == "":
		return model.Contact{}, model.Required("email")
	case c.Message == "":
		return model.Contact{}, model.Required("message")
	}

	if err := s.store.Save(ctx, c); err != nil {
		return model.Contact{}, fmt.Errorf("saving contact: %w", err)
	}
	slog.InfoContext(ctx, "contact form received", "contact_id", c.ID, "subject", c.Subject)
	return c, nil
}

func (s *Service) List(ctx context.Context) ([]model.Contact, error) {
	return s.store.List(ctx)
}

func sortNewestFirst(cs []model.Contact) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].CreatedAt.After(cs[j].CreatedAt)
	})
}

type MemoryStore struct {
	mu       sync.RWMutex
	contacts []model.Contact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, c model.Contact) error {
	s.mu.Lock()
	s.contacts = append(s.contacts, c)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]model.Contact, error) {
	s.mu.RLock()
	out := make([]model.Contact, len(s.contacts))
	copy(out, s.contacts)
	s.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// FileStore keys submissions by creation time so a scan is chronological.
type FileStore struct {
	db *pebble.DB
}

func NewFileStore(db *pebble.DB) *FileStore {
	return &FileStore{db: db}
}

func (s *FileStore) Save(_ context.Context, c model.Contact) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("contact/%020d/%s", c.CreatedAt.UnixNano(), c.ID)
	return s.db.Set([]byte(key), data, pebble.Sync)
}

func (s *FileStore) List(_ context.Context) ([]model.Contact, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("contact/"),
		UpperBound: []byte("contact0"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := []model.Contact{}
	for iter.Last(); iter.Valid(); iter.Prev() {
		var c model.Contact
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return nil, fmt.Errorf("decoding contact %q: %w", iter.Key(), err)
		}
		out = append(out, c)
	}
	return out, iter.Error()
}

func (s *FileStore) Close() error {
	return s.db.Close()
}
