package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// FileStore loads contracts from *.yaml / *.yml files in a directory. Each
// file holds one contract version. Watch reloads the set when files change;
// a reload that fails keeps the previous set.
type FileStore struct {
	dir    string
	logger *slog.Logger
	group  singleflight.Group

	mu        sync.RWMutex
	contracts []*Contract
	loadedAt  time.Time
}

// NewFileStore loads every contract under dir.
func NewFileStore(dir string) (*FileStore, error) {
	s := &FileStore{
		dir:    dir,
		logger: slog.Default().With("component", "prompt"),
	}
	if err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolve(ref, s.contracts)
}

// LoadedAt reports when the current set was loaded.
func (s *FileStore) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// Reload re-reads the directory. Concurrent callers share one load.
func (s *FileStore) Reload(ctx context.Context) error {
	_, err, _ := s.group.Do("reload", func() (interface{}, error) {
		contracts, err := loadDir(s.dir)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.contracts = contracts
		s.loadedAt = time.Now()
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "prompt contracts loaded", "dir", s.dir, "count", len(contracts))
		return nil, nil
	})
	return err
}

func loadDir(dir string) ([]*Contract, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("prompt: read contract dir: %w", err)
	}
	var (
		contracts []*Contract
		seen      = map[string]string{}
	)
	for _, entry := range entries {
		if entry.IsDir() || !isContractFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		c, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		key := c.Name + "@" + c.version.String()
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s defined in both %s and %s", ErrInvalidContract, key, prev, path)
		}
		seen[key] = path
		contracts = append(contracts, c)
	}
	return contracts, nil
}

func loadFile(path string) (*Contract, error) {
	data, err := os.ReadFile(path) //nolint:gosec // contract dir is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("prompt: read %s: %w", path, err)
	}
	var c Contract
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("prompt: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

func isContractFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Watch reloads the store whenever contract files change, until ctx is done.
// Bursts of events are coalesced over debounce.
func (s *FileStore) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompt: create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("prompt: watch %s: %w", s.dir, err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		var (
			timer   *time.Timer
			pending <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isContractFile(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				pending = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.WarnContext(ctx, "contract watcher error", "error", err)
			case <-pending:
				pending = nil
				if err := s.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.WarnContext(ctx, "contract reload failed, keeping previous set", "error", err)
				}
			}
		}
	}()
	return nil
}
