package config

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	logx "artifactd/pkg/logx"
)

// Manager owns the config file: it loads it, re-reads it on filesystem
// changes, and fans committed snapshots out to subscribers. A snapshot is
// committed only after the validator accepts it, so subscribers never see
// a config the daemon could not run on.
type Manager struct {
	path string

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	// subsMu guards the subscriber list and the channels themselves;
	// publish and Unsubscribe both hold it, so a send never races a close.
	subsMu sync.Mutex
	subs   []chan *Config

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the acceptance check Watch runs before committing
// a reloaded config.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Load reads, decodes, and commits the config file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

// Get returns the last committed snapshot. Snapshots are never mutated
// after commit; callers may hold them across reloads.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toStrictJSON(m.path, raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "config %s", m.path)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.Newf("config %s: trailing data after document", m.path)
	}
	return &cfg, nil
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.hash = fingerprint(cfg)
	m.mu.Unlock()
}

// fingerprint hashes the committed form of cfg; editors that rewrite the
// file without changing content must not trigger a publish.
func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe registers a buffered channel that receives every committed
// reload. The channel is owned by the Manager; release it with Unsubscribe.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers cfg to every subscriber. A full buffer sheds the oldest
// pending snapshot first; only the latest config matters to a subscriber.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
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
			m.log.Debug("config update dropped, subscriber not draining",
				logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload re-parses the file and, if it validates and actually changed,
// commits and publishes it. Parse and validation failures keep the
// previous snapshot in force.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.parse()
	if err != nil {
		m.log.Warn("config reload rejected at parse", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := fingerprint(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.hash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged, not publishing", logx.String("path", m.path))
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected by validator", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}

// retryDelay is a jittered exponential backoff for watcher restarts.
type retryDelay struct {
	cur time.Duration
	rng *rand.Rand
}

func newRetryDelay() *retryDelay {
	return &retryDelay{
		cur: 250 * time.Millisecond,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *retryDelay) next() time.Duration {
	const max = 5 * time.Second
	d := r.cur + time.Duration(r.rng.Int63n(int64(r.cur/2)+1))
	if r.cur < max {
		r.cur *= 2
		if r.cur > max {
			r.cur = max
		}
	}
	return d
}

func (r *retryDelay) reset() { r.cur = 250 * time.Millisecond }

// Watch blocks until ctx is done, reloading the config whenever the file
// changes. The parent directory is watched rather than the file itself so
// atomic rename-over-replace (the common editor save) keeps working. A
// broken watcher is recreated with backoff instead of ending the watch.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	delay := newRetryDelay()

	// Writes arrive as bursts of events; reload once per burst, after the
	// writer has settled.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { m.reload(ctx) })
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if aerr := w.Add(dir); aerr != nil {
				_ = w.Close()
				err = aerr
			}
		}
		if err != nil {
			m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay.next()):
				continue
			}
		}

		delay.reset()
		m.log.Debug("config watcher running", logx.String("dir", dir), logx.String("file", file))
		m.watchEvents(ctx, w, file, scheduleReload)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}

		wait := delay.next()
		m.log.Warn("config watcher stopped, restarting",
			logx.String("dir", dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
	return nil
}

// watchEvents consumes one watcher until it breaks or ctx ends.
func (m *Manager) watchEvents(ctx context.Context, w *fsnotify.Watcher, file string, scheduleReload func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			// Basename comparison survives absolute/relative path mixes.
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			// An overflow means events were missed; the file may have
			// changed without us seeing it.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				m.log.Warn("config watch overflow, forcing reload", logx.Err(err))
				scheduleReload()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(strings.ToLower(err.Error()), "closed") {
				return
			}
		}
	}
}
