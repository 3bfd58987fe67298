// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskmgr runs operations as cancellable, time-bounded background
// tasks with broadcast progress streaming.
package taskmgr

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hephaestus-dev/hephaestus/internal/syncx"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

var (
	// ErrTooManyTasks is returned by Submit at capacity.
	ErrTooManyTasks = errors.New("too many tasks")
	// ErrUnknownTask is returned for task IDs not in the table.
	ErrUnknownTask = errors.New("unknown task")
)

// Task is a point-in-time snapshot of a background execution.
type Task struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TimeoutS    float64    `json:"timeout_s"`
	Progress    float64    `json:"progress"`
	Detail      string     `json:"detail,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      any        `json:"result,omitempty"`
}

// Operation is the work a task runs. It must observe ctx at its
// checkpoints; progress may be nil-safe called at any rate.
type Operation func(ctx context.Context, progress func(fraction float64, detail string)) (any, error)

// task is the live record behind a Task snapshot.
type task struct {
	mu          sync.Mutex
	snapshot    Task
	op          Operation
	cancel      context.CancelFunc
	subscribers []chan Task
}

// Options bound the manager. Zero values take defaults.
type Options struct {
	Workers        int
	MaxTasks       int
	Retention      time.Duration
	DefaultTimeout time.Duration
	ReapInterval   time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.MaxTasks <= 0 {
		o.MaxTasks = 100
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
}

// Manager owns the task table and the worker pool.
type Manager struct {
	opts   Options
	logger *zap.Logger
	tasks  syncx.Map[string, *task]
	queue  chan *task

	root     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
	// now is indirect for tests.
	now func() time.Time
}

// NewManager starts the worker pool and the reaper.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	root, shutdown := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		logger:   logger,
		queue:    make(chan *task, opts.MaxTasks),
		root:     root,
		shutdown: shutdown,
		now:      time.Now,
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(1)
	go m.reaper()
	return m
}

// Close stops workers and the reaper. Running operations see their context
// cancelled.
func (m *Manager) Close() {
	m.shutdown()
	m.wg.Wait()
}

// Submit creates a pending task and dispatches it. Fails with TooManyTasks
// at capacity.
func (m *Manager) Submit(kind string, timeout time.Duration, op Operation) (string, error) {
	if m.tasks.Len() >= m.opts.MaxTasks {
		return "", errors.Wrapf(ErrTooManyTasks, "at capacity %d", m.opts.MaxTasks)
	}
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	t := &task{
		snapshot: Task{
			ID:        uuid.NewString(),
			Kind:      kind,
			Status:    StatusPending,
			CreatedAt: m.now().UTC(),
			TimeoutS:  timeout.Seconds(),
		},
		op: op,
	}
	m.tasks.Store(t.snapshot.ID, t)
	select {
	case m.queue <- t:
	default:
		m.tasks.Delete(t.snapshot.ID)
		return "", errors.Wrap(ErrTooManyTasks, "queue full")
	}
	return t.snapshot.ID, nil
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id string) (Task, error) {
	t, ok := m.tasks.Load(id)
	if !ok {
		return Task{}, errors.Wrap(ErrUnknownTask, id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot, nil
}

// Cancel transitions a pending or running task to cancelled and signals the
// worker. Terminal tasks are a no-op.
func (m *Manager) Cancel(id string) error {
	t, ok := m.tasks.Load(id)
	if !ok {
		return errors.Wrap(ErrUnknownTask, id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot.Status.Terminal() {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	m.finishLocked(t, StatusCancelled, "", nil)
	return nil
}

// Stream subscribes to snapshots. The current snapshot is delivered first;
// the channel closes after a terminal snapshot. Slow readers miss
// intermediate snapshots but always receive the terminal one.
func (m *Manager) Stream(ctx context.Context, id string) (<-chan Task, error) {
	t, ok := m.tasks.Load(id)
	if !ok {
		return nil, errors.Wrap(ErrUnknownTask, id)
	}
	ch := make(chan Task, 16)
	t.mu.Lock()
	ch <- t.snapshot
	if t.snapshot.Status.Terminal() {
		close(ch)
		t.mu.Unlock()
		return ch, nil
	}
	t.subscribers = append(t.subscribers, ch)
	t.mu.Unlock()
	go func() {
		<-ctx.Done()
		t.mu.Lock()
		for i, sub := range t.subscribers {
			if sub == ch {
				t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
	}()
	return ch, nil
}

// Len reports the number of tracked tasks.
func (m *Manager) Len() int { return m.tasks.Len() }

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.root.Done():
			return
		case t := <-m.queue:
			m.run(t)
		}
	}
}

func (m *Manager) run(t *task) {
	t.mu.Lock()
	if t.snapshot.Status != StatusPending {
		// Cancelled before pickup.
		t.mu.Unlock()
		return
	}
	timeout := time.Duration(t.snapshot.TimeoutS * float64(time.Second))
	ctx, cancel := context.WithCancel(m.root)
	t.cancel = cancel
	started := m.now().UTC()
	t.snapshot.Status = StatusRunning
	t.snapshot.StartedAt = &started
	m.broadcastLocked(t)
	t.mu.Unlock()
	defer cancel()

	// The deadline transitions the task even if the worker is still stuck;
	// a late result from an abandoned worker is discarded by finish.
	timer := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.snapshot.Status.Terminal() {
			return
		}
		cancel()
		m.finishLocked(t, StatusTimedOut, "task exceeded timeout", nil)
	})
	defer timer.Stop()

	progress := func(fraction float64, detail string) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.snapshot.Status.Terminal() {
			return
		}
		t.snapshot.Progress = fraction
		t.snapshot.Detail = detail
		m.broadcastLocked(t)
	}
	result, err := t.op(ctx, progress)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot.Status.Terminal() {
		// Cancelled or timed out while running; result discarded.
		return
	}
	switch {
	case err == nil:
		m.finishLocked(t, StatusCompleted, "", result)
	case errors.Is(err, context.Canceled):
		m.finishLocked(t, StatusCancelled, "", nil)
	case errors.Is(err, context.DeadlineExceeded):
		m.finishLocked(t, StatusTimedOut, "task exceeded timeout", nil)
	default:
		m.finishLocked(t, StatusFailed, err.Error(), nil)
	}
}

// finishLocked writes the terminal state and closes all streams. Callers
// hold t.mu.
func (m *Manager) finishLocked(t *task, status Status, errMsg string, result any) {
	completed := m.now().UTC()
	t.snapshot.Status = status
	t.snapshot.CompletedAt = &completed
	t.snapshot.Error = errMsg
	t.snapshot.Result = result
	if status == StatusCompleted {
		t.snapshot.Progress = 1
	}
	for _, sub := range t.subscribers {
		// The terminal snapshot must not be dropped.
		drain(sub)
		sub <- t.snapshot
		close(sub)
	}
	t.subscribers = nil
}

// broadcastLocked fans the current snapshot out without blocking the
// worker. Callers hold t.mu.
func (m *Manager) broadcastLocked(t *task) {
	for _, sub := range t.subscribers {
		select {
		case sub <- t.snapshot:
		default:
		}
	}
}

func drain(ch chan Task) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (m *Manager) reaper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.root.Done():
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	cutoff := m.now().Add(-m.opts.Retention)
	var evict []string
	for id, t := range m.tasks.Iter() {
		t.mu.Lock()
		if t.snapshot.Status.Terminal() && t.snapshot.CompletedAt != nil && t.snapshot.CompletedAt.Before(cutoff) {
			evict = append(evict, id)
		}
		t.mu.Unlock()
	}
	for _, id := range evict {
		m.tasks.Delete(id)
	}
	if len(evict) > 0 {
		m.logger.Debug("reaped terminal tasks", zap.Int("count", len(evict)))
	}
}
