package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefinitionsHandler is called with the parsed definitions whenever a file in
// the watched directory is created or modified.
type DefinitionsHandler func(file string, defs []Definition) error

// DefinitionsManager watches a directory of pattern definition YAML files and
// hot-loads changes.
type DefinitionsManager struct {
	dir     string
	handler DefinitionsHandler
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
}

func NewDefinitionsManager(dir string, handler DefinitionsHandler, logger *zap.Logger) (*DefinitionsManager, error) {
	if dir == "" {
		return nil, fmt.Errorf("definitions directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create definitions directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	return &DefinitionsManager{
		dir:     dir,
		handler: handler,
		watcher: watcher,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start loads every definitions file once, then begins watching for changes.
func (m *DefinitionsManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch definitions directory: %w", err)
	}
	if err := m.loadAll(); err != nil {
		return err
	}

	go m.watchLoop(ctx)
	m.logger.Info("Definitions manager started", zap.String("dir", m.dir))
	return nil
}

// Stop ends the watch loop.
func (m *DefinitionsManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
	_ = m.watcher.Close()
}

func (m *DefinitionsManager) loadAll() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read definitions directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		m.loadFile(filepath.Join(m.dir, e.Name()))
	}
	return nil
}

func (m *DefinitionsManager) loadFile(path string) {
	f, err := ParseDefinitionFile(path)
	if err != nil {
		m.logger.Error("Failed to parse definitions file",
			zap.String("file", path),
			zap.Error(err),
		)
		return
	}
	if err := m.handler(path, f.Patterns); err != nil {
		m.logger.Error("Definitions handler failed",
			zap.String("file", path),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("Loaded pattern definitions",
		zap.String("file", path),
		zap.Int("patterns", len(f.Patterns)),
	)
}

func (m *DefinitionsManager) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				m.loadFile(event.Name)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Definitions watcher error", zap.Error(err))
		}
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
