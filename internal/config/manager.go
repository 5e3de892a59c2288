package config

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "cadence/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Load reads and decodes the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(path, b)
}

// Manager holds the committed config and hot-reloads it from disk. Each
// accepted reload is published to subscribers as a Change.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	sum      uint64
	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error

	subMu sync.Mutex
	subs  map[chan Change]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, subs: make(map[chan Change]struct{})}
}

func (m *Manager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator installs the check a reloaded config must pass before it is
// committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

func (m *Manager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.log.IsZero() {
		return logx.Nop()
	}
	return m.log
}

// Load reads the file and commits it without validation or publishing.
func (m *Manager) Load() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg, m.sum = cfg, checksum(cfg)
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel of committed changes. A slow subscriber loses
// the oldest pending change, never the newest.
func (m *Manager) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) publish(c Change) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- c:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Reload re-reads the file and, when it changed and passes validation,
// commits and publishes it. It reports whether a change was published.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return false, err
	}
	sum := checksum(cfg)

	m.mu.RLock()
	prev, prevSum, validate := m.cfg, m.sum, m.validate
	m.mu.RUnlock()
	if sum != 0 && sum == prevSum {
		return false, nil
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
	m.publish(Diff(prev, cfg))
	return true, nil
}

// Watch reloads the file after it changes on disk until ctx is done. Bursts
// of events are debounced into one reload. A broken watcher is recreated
// with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	bo := backoff{min: watchBackoffMin, max: watchBackoffMax, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	for {
		err := m.watchOnce(ctx, bo.reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.next()
		m.logger().Warn("config watcher stopped; restarting", logx.String("path", m.path), logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one watcher until it fails or ctx is done. started is
// called once the watch is registered.
func (m *Manager) watchOnce(ctx context.Context, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Editors replace files by rename, so watch the directory.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	started()
	log := m.logger()
	log.Debug("config watcher started", logx.String("path", m.path))

	name := filepath.Base(m.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) == name && !ev.Has(fsnotify.Chmod) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				return err
			}
			// Events were lost; reload to be safe.
			log.Warn("config watch overflow", logx.Err(err))
			timer.Reset(reloadDebounce)
		case <-timer.C:
			published, err := m.Reload(ctx)
			switch {
			case err != nil:
				log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			case published:
				log.Debug("config published", logx.String("path", m.path))
			default:
				log.Debug("config unchanged", logx.String("path", m.path))
			}
		}
	}
}

type backoff struct {
	min, max time.Duration
	cur      time.Duration
	rng      *rand.Rand
}

func (b *backoff) reset() { b.cur = 0 }

// next returns the current delay plus up to 50% jitter and doubles it.
func (b *backoff) next() time.Duration {
	if b.cur < b.min {
		b.cur = b.min
	}
	d := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, b.max)
	return d
}

// checksum identifies a decoded config so rewrites of identical content are
// not republished.
func checksum(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
