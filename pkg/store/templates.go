// Package store keeps the session-scoped state that survives template
// switches: per-template draft values and per-step field customizations.
// Nothing here is persisted beyond the owning session.
package store

import (
	"sort"
	"sync"

	"github.com/goliatone/go-docwizard/pkg/formdata"
)

// TemplateDataStore maps template ids to FormData snapshots. Snapshots are
// copied on the way in and on the way out so no map is ever shared with the
// caller.
type TemplateDataStore struct {
	mu      sync.RWMutex
	entries map[string]formdata.FormData
}

// NewTemplateDataStore returns an empty store.
func NewTemplateDataStore() *TemplateDataStore {
	return &TemplateDataStore{entries: make(map[string]formdata.FormData)}
}

// Save overwrites the snapshot for key.
func (s *TemplateDataStore) Save(key string, data formdata.FormData) {
	if key == "" {
		return
	}
	s.mu.Lock()
	s.entries[key] = data.Clone()
	s.mu.Unlock()
}

// Load returns a copy of the snapshot for key.
func (s *TemplateDataStore) Load(key string) (formdata.FormData, bool) {
	s.mu.RLock()
	data, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return data.Clone(), true
}

// Delete drops the snapshot for key.
func (s *TemplateDataStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Keys lists stored keys in lexical order.
func (s *TemplateDataStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for key := range s.entries {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Len reports how many snapshots are stored.
func (s *TemplateDataStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
