package workspace

import (
	"context"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/adshq/ads/internal/common/config"
	"github.com/adshq/ads/internal/common/logger"
)

// Manager is the process-wide registry of workspace contexts, keyed by
// absolute workspace root. Contexts are constructed lazily on first Get and
// cached; there is no other process-level mutable state.
type Manager struct {
	cfg  *config.Config
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	contexts map[string]*Context
}

// NewManager builds an empty registry. The options are applied to every
// context it opens.
func NewManager(cfg *config.Config, opts Options, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		opts:     opts,
		log:      log,
		contexts: make(map[string]*Context),
	}
}

// Get returns the context for a workspace root, opening it on first use.
// Concurrent callers for the same root share one context.
func (m *Manager) Get(root string) (*Context, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contexts[absRoot]; ok {
		return c, nil
	}

	c, err := Open(absRoot, m.cfg, m.opts, m.log)
	if err != nil {
		return nil, err
	}
	m.contexts[absRoot] = c
	return c, nil
}

// Peek returns an already-open context without opening one.
func (m *Manager) Peek(root string) (*Context, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[absRoot]
	return c, ok
}

// Release closes one workspace and removes it from the registry.
func (m *Manager) Release(ctx context.Context, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.contexts[absRoot]
	delete(m.contexts, absRoot)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close(ctx)
}

// Close shuts every open workspace down. Errors are logged, not joined;
// shutdown keeps going.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	contexts := make([]*Context, 0, len(m.contexts))
	for root, c := range m.contexts {
		contexts = append(contexts, c)
		delete(m.contexts, root)
	}
	m.mu.Unlock()

	for _, c := range contexts {
		if err := c.Close(ctx); err != nil {
			m.log.Warn("workspace close failed",
				zap.String("workspace", c.Name()), zap.Error(err))
		}
	}
}
