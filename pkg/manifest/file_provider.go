package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rivulet-ai/rivulet/pkg/domain"
)

// FileProvider serves the manifest from a local file and watches it for
// edits, fanning each successfully parsed revision out to subscribers. A
// running session keeps its own immutable graph; new sessions pick up the
// latest manifest through Current.
type FileProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	current     *domain.Manifest
	subscribers []chan *domain.Manifest
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewFileProvider loads the manifest at path and starts watching it. The
// initial load must succeed: a runtime never starts on an unreadable or
// malformed manifest.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	m, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &FileProvider{
		path:    absPath,
		logger:  logger,
		current: m,
		watcher: watcher,
		cancel:  cancel,
	}

	// Watch the directory: editors replace files rather than writing in
	// place, and a watch on the old inode would go stale.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the latest successfully parsed manifest.
func (p *FileProvider) Current() *domain.Manifest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel receiving each manifest revision, starting with
// the current one. Slow consumers miss intermediate revisions rather than
// blocking the watcher.
func (p *FileProvider) Subscribe() <-chan *domain.Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *domain.Manifest, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.current
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *FileProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, p.reload)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("manifest watcher error", "error", err)
		}
	}
}

// reload re-parses the file. A bad revision is logged and discarded; the last
// good manifest stays current.
func (p *FileProvider) reload() {
	m, err := Load(p.path)
	if err != nil {
		p.logger.Error("manifest reload failed, keeping previous revision",
			"path", p.path,
			"error", err,
		)
		return
	}

	p.mu.Lock()
	p.current = m
	subscribers := make([]chan *domain.Manifest, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	p.logger.Info("manifest reloaded", "path", p.path, "nodes", len(m.Nodes))

	for _, ch := range subscribers {
		select {
		case ch <- m:
		default:
			// Skip if channel is full (slow consumer)
		}
	}
}
