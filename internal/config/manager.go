package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "kronos/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the current config and republishes it when the file changes.
// A reload only replaces the current config after it decodes and validates.
type Manager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	subsMu sync.Mutex
	subs   []chan *Config

	check func(ctx context.Context, cfg *Config) error
}

// NewManager reads nothing until Load. An empty path means "defaults only".
func NewManager(path string, log logx.Logger) *Manager {
	return &Manager{path: path, log: log}
}

func (m *Manager) Path() string { return m.path }

// SetValidator adds a check run after Validate on every reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.check = fn }

// Parse reads and validates the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	cfg := Default()
	if m.path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	if err := decode(m.path, b, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	return cfg, nil
}

// Load parses and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, hashConfig(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel receiving every committed reload. Slow readers
// lose older configs, never the newest.
func (m *Manager) Subscribe(buffer int) <-chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch <-chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(s)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Reload parses the file again and publishes it when the content changed and
// it passes validation. It reports whether a new config was published.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return false, nil
	}
	if m.check != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.check(vctx, cfg)
		cancel()
		if err != nil {
			return false, err
		}
	}
	m.commit(cfg, h)
	m.publish(cfg)
	return true, nil
}

// Watch follows the file's directory until ctx is done, reloading after a
// quiet period. A broken watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	var (
		tmu   sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		tmu.Lock()
		defer tmu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			changed, err := m.Reload(ctx)
			switch {
			case err != nil:
				m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			case changed:
				m.log.Info("config reloaded", logx.String("path", m.path))
			}
		})
	}
	defer func() {
		tmu.Lock()
		if timer != nil {
			timer.Stop()
		}
		tmu.Unlock()
	}()

	backoff := watchBackoffMin
	for {
		err := m.watchOnce(ctx, dir, file, schedule, func() { backoff = watchBackoffMin })
		if ctx.Err() != nil {
			return nil
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir), logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends.
func (m *Manager) watchOnce(ctx context.Context, dir, file string, schedule, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&ops != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("error channel closed")
			}
			if err == nil {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}
