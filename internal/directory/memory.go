package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. It backs tests and local runs
// without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
	calls int
}

// NewMemoryStore creates a store holding users.
func NewMemoryStore(users ...*User) *MemoryStore {
	s := &MemoryStore{users: make(map[string]*User)}
	for _, u := range users {
		s.Put(u)
	}
	return s
}

// Put inserts or replaces a user.
func (s *MemoryStore) Put(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

// Calls is the number of lookups served, for cache assertions.
func (s *MemoryStore) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) FindActiveByJobTitle(_ context.Context, jobTitle string) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []*User
	for _, u := range s.users {
		if u.Active && strings.EqualFold(u.JobTitle, jobTitle) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
