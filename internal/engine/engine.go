// Package engine executes job runs on a fixed worker pool with retry,
// per-job timeouts, and overlap gating keyed by lock key.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"artifactd/internal/eventbus"
	rtsup "artifactd/internal/runtime/supervisor"
	logx "artifactd/pkg/logx"
)

var (
	ErrStopped     = errors.New("engine stopped")
	ErrStopping    = errors.New("engine stopping")
	ErrQueueFull   = errors.New("engine queue full")
	ErrOverlapSkip = errors.New("run skipped: lock key busy")
)

// Config controls the execution engine. Zero values get defaults in New.
type Config struct {
	Workers   int
	QueueSize int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int
}

// Task is one run handed to the engine. LockKey gates overlap: two tasks
// sharing a key never execute (or queue) concurrently.
type Task struct {
	ID      string
	Name    string
	LockKey string
	Timeout time.Duration

	Run func(ctx context.Context) error

	// OnAttempt fires before each producer attempt (1-based).
	OnAttempt func(attempt int)
	// OnFinish fires exactly once with the final outcome.
	OnFinish func(res Result)
}

// Result is the final outcome of a task after retries.
type Result struct {
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Err        error
}

// HistoryItem is one entry in the bounded execution history.
type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Dropped  uint64
	History  []HistoryItem
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	state      *lockState
}

// lockState tracks whether a lock key is in flight or already queued.
type lockState struct {
	mu   sync.Mutex
	held bool
}

func (s *lockState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return false
	}
	s.held = true
	return true
}

func (s *lockState) release() {
	s.mu.Lock()
	s.held = false
	s.mu.Unlock()
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	lockMu sync.Mutex
	locks  map[string]*lockState

	inFlight int32
	dropped  uint64

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 15 * time.Second
	}
	if cfg.RetryJitter <= 0 {
		cfg.RetryJitter = 0.2
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		locks: make(map[string]*lockState),
	}
}

// Start launches the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop drains workers. Blocks until they exit or ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit enqueues a task and blocks until accepted, ctx expires, or the
// engine stops. Returns ErrOverlapSkip when the lock key is busy.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

// Enqueue is the non-blocking variant; a full queue drops the task.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Busy reports whether a run for the lock key is queued or in flight.
func (s *Service) Busy(lockKey string) bool {
	s.lockMu.Lock()
	st := s.locks[lockKey]
	s.lockMu.Unlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	held := st.held
	st.mu.Unlock()
	return held
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		seq := atomic.AddUint64(&s.idSeq, 1)
		t.ID = fmt.Sprintf("job-%x-%x", now.UnixNano(), seq)
	}
	if strings.TrimSpace(t.LockKey) == "" {
		t.LockKey = t.Name
	}

	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	// Acquire the lock key at enqueue time so a schedule firing faster
	// than execution cannot pile up queued runs.
	st := s.stateFor(t.LockKey)
	if !st.tryAcquire() {
		s.publish(eventbus.EventRunSkipped, now, t, 0, "overlap")
		s.log.Debug("run skipped: lock busy", logx.String("task", t.Name), logx.String("lock", t.LockKey))
		return ErrOverlapSkip
	}

	qt := queuedTask{task: t, enqueuedAt: now, state: st}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			st.release()
			atomic.AddUint64(&s.dropped, 1)
			s.log.Warn("run dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		st.release()
		return ctx.Err()
	case <-stopCh:
		st.release()
		return ErrStopping
	}
}

func (s *Service) stateFor(key string) *lockState {
	s.lockMu.Lock()
	st := s.locks[key]
	if st == nil {
		st = &lockState{}
		s.locks[key] = st
	}
	s.lockMu.Unlock()
	return st
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Workers:  cfg.Workers,
		QueueLen: ql,
		QueueCap: qc,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
		Dropped:  atomic.LoadUint64(&s.dropped),
		History:  h,
	}
}

func (s *Service) recordHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, t Task, attempts int, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: RunEvent{
		ID: t.ID, Name: t.Name, Attempts: attempts, Error: errMsg,
	}})
}

// RunEvent is emitted on the event bus for run lifecycle events.
type RunEvent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}
