package settings

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aphrodite-server/aphrodite/internal/repository"
)

// Service reads settings documents from the store with a short-lived cache,
// so a batch run does not hammer app_settings once per poster.
type Service struct {
	repo *repository.SettingsRepository
	ttl  time.Duration

	mu   sync.Mutex
	docs map[string]cachedDoc
}

type cachedDoc struct {
	doc     Doc
	fetched time.Time
}

func NewService(repo *repository.SettingsRepository) *Service {
	return &Service{
		repo: repo,
		ttl:  30 * time.Second,
		docs: make(map[string]cachedDoc),
	}
}

// Document returns the decoded document for key. A missing document decodes
// to an empty Doc, which makes every accessor fall back to its default.
func (s *Service) Document(key string) (Doc, error) {
	s.mu.Lock()
	if c, ok := s.docs[key]; ok && time.Since(c.fetched) < s.ttl {
		s.mu.Unlock()
		return c.doc, nil
	}
	s.mu.Unlock()

	raw, err := s.repo.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load settings %s: %w", key, err)
	}
	doc := Doc{}
	if raw != nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode settings %s: %w", key, err)
		}
	}

	s.mu.Lock()
	s.docs[key] = cachedDoc{doc: doc, fetched: time.Now()}
	s.mu.Unlock()
	return doc, nil
}

// Put replaces a document and drops the cached copy.
func (s *Service) Put(key string, doc Doc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode settings %s: %w", key, err)
	}
	if err := s.repo.Set(key, raw); err != nil {
		return fmt.Errorf("store settings %s: %w", key, err)
	}
	s.Invalidate(key)
	return nil
}

func (s *Service) Invalidate(key string) {
	s.mu.Lock()
	delete(s.docs, key)
	s.mu.Unlock()
}

// Keys lists the stored document keys.
func (s *Service) Keys() ([]string, error) {
	return s.repo.Keys()
}
