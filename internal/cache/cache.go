// Package cache holds the in-process caches of the web server.
package cache

import (
	"log/slog"
	"sync"
	"time"
)

// Cache defines a generic cache interface
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Size() int
}

// Cleaner is a cache that can drop its expired entries.
type Cleaner interface {
	CleanExpired() int
}

// Manager periodically cleans the registered caches.
type Manager struct {
	mu       sync.Mutex
	caches   map[string]Cleaner
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

func NewManager() *Manager {
	return &Manager{
		caches: make(map[string]Cleaner),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Register adds a cache under a name used in logs.
func (m *Manager) Register(name string, c Cleaner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches[name] = c
}

// CleanAll cleans every registered cache once and returns the number of
// removed entries per cache.
func (m *Manager) CleanAll() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.caches))
	for name, c := range m.caches {
		out[name] = c.CleanExpired()
	}
	return out
}

// StartCleanup begins periodic cleanup of all registered caches
func (m *Manager) StartCleanup(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.cleanup(interval)
}

func (m *Manager) cleanup(interval time.Duration) {
	defer close(m.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for name, n := range m.CleanAll() {
				if n > 0 {
					slog.Debug("Expired cache entries removed", "cache", name, "count", n)
				}
			}
		case <-m.stopCh:
			return
		}
	}
}

// Stop ends the cleanup routine. It is safe to call more than once and
// without StartCleanup.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()
		if started {
			<-m.doneCh
		}
	})
}
