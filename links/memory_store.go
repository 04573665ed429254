package links

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vaultdrop/vaultdrop/models"
)

// MemoryStore is an in-process MetadataStore for tests and single-process
// demos. A single mutex makes ConsumeSlot trivially linearizable.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*models.FileRecord
}

// NewMemoryStore returns an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*models.FileRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, token string) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Insert(ctx context.Context, rec *models.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[rec.Token]; exists {
		return fmt.Errorf("token %s already exists", rec.Token)
	}
	cp := *rec
	s.recs[rec.Token] = &cp
	return nil
}

func (s *MemoryStore) ConsumeSlot(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[token]
	if !ok {
		return false, nil
	}
	if rec.DownloadCount >= rec.Config.MaxDownloads {
		return false, nil
	}
	rec.DownloadCount++
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, token)
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FileRecord
	for _, rec := range s.recs {
		if !before.After(rec.ExpiresAt()) {
			continue
		}
		out = append(out, *rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
