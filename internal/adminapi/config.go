package adminapi

import "sync"

// configStore guards Configuration with a mutex; AdminApi's goroutine and
// whatever goroutine reads CurrentConfiguration never share state without
// it, matching the rest of this tree's concurrency discipline.
type configStore struct {
	mu  sync.RWMutex
	cfg Configuration
}

func (s *configStore) get() Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *configStore) set(cfg Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}
