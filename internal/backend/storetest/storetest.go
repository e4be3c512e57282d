// Package storetest provides an in-memory backend.Store used by the
// orchestrator's own tests, so core logic is exercised without a real
// config-store transport — the same narrow-interface-for-testability
// role tapctl.KernelDevice plays for the allocator.
package storetest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blktap/blktap/internal/backend"
)

// Store is an in-memory hierarchical key/value tree implementing
// backend.Store.
type Store struct {
	mu      sync.Mutex
	values  map[string]string
	removed map[string]bool
	watches map[string][]string // path -> tokens
	events  chan backend.WatchEvent
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		values:  make(map[string]string),
		removed: make(map[string]bool),
		watches: make(map[string][]string),
		events:  make(chan backend.WatchEvent, 256),
	}
}

func (s *Store) Read(path string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[path]
	return v, ok, nil
}

func (s *Store) Printf(device, key string, makeRead bool, format string, args ...interface{}) error {
	value := fmt.Sprintf(format, args...)
	if err := backend.ValidateStoreString(value); err != nil {
		return err
	}
	path := device + "/" + key
	s.mu.Lock()
	if _, exists := s.values[device]; !exists && device != "" {
		// Directory markers aren't modeled separately; a write under a
		// device whose own key was explicitly Rm'd fails, mirroring the
		// transactional abort-if-removed semantics of the real store.
		if _, removed := s.removed[device]; removed {
			s.mu.Unlock()
			return fmt.Errorf("backend.Printf: device %s removed", device)
		}
	}
	s.values[path] = value
	s.mu.Unlock()
	s.fire(path)
	return nil
}

func (s *Store) Exists(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[path]
	return ok, nil
}

func (s *Store) Rm(path string) error {
	s.mu.Lock()
	prefix := path + "/"
	for k := range s.values {
		if k == path || strings.HasPrefix(k, prefix) {
			delete(s.values, k)
		}
	}
	if s.removed == nil {
		s.removed = make(map[string]bool)
	}
	s.removed[path] = true
	s.mu.Unlock()
	s.fire(path)
	return nil
}

func (s *Store) Watch(path, token string) error {
	s.mu.Lock()
	s.watches[path] = append(s.watches[path], token)
	s.mu.Unlock()
	return nil
}

func (s *Store) Unwatch(path, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	toks := s.watches[path]
	for i, t := range toks {
		if t == token {
			s.watches[path] = append(toks[:i], toks[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Events() <-chan backend.WatchEvent { return s.events }

// Set writes value directly, bypassing Printf's formatting, and fires any
// matching watch — used by tests to simulate external writers (the
// management agent, the guest frontend).
func (s *Store) Set(path, value string) {
	s.mu.Lock()
	s.values[path] = value
	s.mu.Unlock()
	s.fire(path)
}

// fire delivers a watch event to every token watching path or any of its
// ancestors, matching the real store's subtree watch semantics.
func (s *Store) fire(path string) {
	s.mu.Lock()
	var toks []string
	for watched, tokens := range s.watches {
		if watched == path || strings.HasPrefix(path, watched+"/") {
			toks = append(toks, tokens...)
		}
	}
	s.mu.Unlock()
	for _, tok := range toks {
		s.events <- backend.WatchEvent{Path: path, Token: tok}
	}
}
