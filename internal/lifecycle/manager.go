// Package lifecycle tracks resources that need closing at shutdown so the
// ordering lives in one place instead of a stack of defers in main.
package lifecycle

import (
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager closes registered resources in reverse registration order.
type Manager struct {
	mu        sync.Mutex
	resources []resource
}

type resource struct {
	name   string
	closer io.Closer
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{resources: make([]resource, 0)}
}

// Register adds a resource to close at shutdown. Resources close LIFO, so
// register dependencies before the things built on top of them.
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, closer: closer})
}

// RegisterFunc wraps a cleanup function as a Closer.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close closes everything in reverse order, attempting every resource even
// when earlier ones fail. Returns the first error seen.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			log.Error().
				Err(err).
				Str("resource", res.name).
				Msg("lifecycle.close_resource_failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
