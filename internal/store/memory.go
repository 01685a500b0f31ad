package store

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/wu8685/marathon/internal/state"
)

type memoryKey struct {
	kind EntityKind
	path string
}

type memoryEntry struct {
	current  []byte
	versions map[string][]byte
	order    []state.Timestamp
}

// InMemoryStore backs tests and standalone runs. Blobs are copied on the way
// in and out so callers cannot alias store internals.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[memoryKey]*memoryEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: map[memoryKey]*memoryEntry{}}
}

func (s *InMemoryStore) entry(kind EntityKind, path string) *memoryEntry {
	key := memoryKey{kind: kind, path: path}
	entry, ok := s.entries[key]
	if !ok {
		entry = &memoryEntry{versions: map[string][]byte{}}
		s.entries[key] = entry
	}
	return entry
}

func (s *InMemoryStore) Get(_ context.Context, kind EntityKind, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[memoryKey{kind: kind, path: path}]
	if !ok || entry.current == nil {
		return nil, ErrNotFound
	}
	return slices.Clone(entry.current), nil
}

func (s *InMemoryStore) GetVersion(_ context.Context, kind EntityKind, path string, version state.Timestamp) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[memoryKey{kind: kind, path: path}]
	if !ok {
		return nil, ErrNotFound
	}
	blob, ok := entry.versions[version.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(blob), nil
}

func (s *InMemoryStore) Store(_ context.Context, kind EntityKind, path string, version state.Timestamp, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entry(kind, path)
	entry.current = slices.Clone(blob)
	if _, ok := entry.versions[version.String()]; !ok {
		entry.order = append(entry.order, version)
		slices.SortFunc(entry.order, func(a, b state.Timestamp) bool {
			return a.Before(b)
		})
	}
	entry.versions[version.String()] = slices.Clone(blob)
	return nil
}

func (s *InMemoryStore) DeleteCurrent(_ context.Context, kind EntityKind, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[memoryKey{kind: kind, path: path}]; ok {
		entry.current = nil
	}
	return nil
}

func (s *InMemoryStore) DeleteVersion(_ context.Context, kind EntityKind, path string, version state.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[memoryKey{kind: kind, path: path}]; ok {
		delete(entry.versions, version.String())
		kept := entry.order[:0]
		for _, t := range entry.order {
			if !t.Equal(version) {
				kept = append(kept, t)
			}
		}
		entry.order = kept
	}
	return nil
}

func (s *InMemoryStore) DeleteAll(_ context.Context, kind EntityKind, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, memoryKey{kind: kind, path: path})
	return nil
}

func (s *InMemoryStore) Versions(_ context.Context, kind EntityKind, path string) ([]state.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[memoryKey{kind: kind, path: path}]
	if !ok {
		return nil, nil
	}
	return slices.Clone(entry.order), nil
}

func (s *InMemoryStore) IDs(_ context.Context, kind EntityKind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for key, entry := range s.entries {
		if key.kind == kind && entry.current != nil {
			ids = append(ids, key.path)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
