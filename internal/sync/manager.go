package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrManagerClosed = errors.New("sync manager is shut down")
	ErrQueueFull     = errors.New("sync queue is full")
)

// Syncer runs one sync attempt for an account.
type Syncer interface {
	Sync(ctx context.Context, accountID string) (*Outcome, error)
}

// Locker hands out one lock per account id.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	ch   chan struct{}
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*accountLock)}
}

// Lock blocks until the account is free or ctx is done.
func (l *Locker) Lock(ctx context.Context, accountID string) (func(), error) {
	l.mu.Lock()
	al, ok := l.locks[accountID]
	if !ok {
		al = &accountLock{ch: make(chan struct{}, 1)}
		l.locks[accountID] = al
	}
	al.refs++
	l.mu.Unlock()

	select {
	case al.ch <- struct{}{}:
		return func() { l.release(accountID, al) }, nil
	case <-ctx.Done():
		l.mu.Lock()
		l.drop(accountID, al)
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Held reports whether some caller currently holds the account's lock.
func (l *Locker) Held(accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	al, ok := l.locks[accountID]
	return ok && len(al.ch) > 0
}

func (l *Locker) release(accountID string, al *accountLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	<-al.ch
	l.drop(accountID, al)
}

func (l *Locker) drop(accountID string, al *accountLock) {
	al.refs--
	if al.refs == 0 {
		delete(l.locks, accountID)
	}
}

// ManagerConfig sizes the background pool.
type ManagerConfig struct {
	Workers   int
	QueueSize int
}

type taskState struct {
	queued  bool
	running bool
	again   bool
}

// Manager runs syncs in the background on a bounded pool. Every attempt, queued or
// synchronous, holds the account's lock.
type Manager struct {
	syncer Syncer
	locks  *Locker
	logger *slog.Logger

	queue chan string
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*taskState
	closed bool
}

// NewManager creates sync manager and starts its workers.
func NewManager(syncer Syncer, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		syncer: syncer,
		locks:  NewLocker(),
		logger: logger,
		queue:  make(chan string, cfg.QueueSize),
		ctx:    ctx,
		stop:   cancel,
		tasks:  make(map[string]*taskState),
	}

	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	return m
}

// Enqueue schedules a background sync. A request for an account that is already
// queued is absorbed; one that is running gets exactly one follow-up run.
func (m *Manager) Enqueue(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	if st, ok := m.tasks[accountID]; ok {
		if st.running && !st.queued {
			st.again = true
		}
		return nil
	}

	select {
	case m.queue <- accountID:
		m.tasks[accountID] = &taskState{queued: true}
		return nil
	default:
		return fmt.Errorf("%w: account %s", ErrQueueFull, accountID)
	}
}

// RunNow runs a sync in the caller's goroutine under the account lock.
func (m *Manager) RunNow(ctx context.Context, accountID string) (*Outcome, error) {
	var out *Outcome
	err := m.WithLock(ctx, accountID, func(ctx context.Context) error {
		var err error
		out, err = m.syncer.Sync(ctx, accountID)
		return err
	})
	return out, err
}

// WithLock runs fn while holding the account lock.
func (m *Manager) WithLock(ctx context.Context, accountID string, fn func(ctx context.Context) error) error {
	unlock, err := m.locks.Lock(ctx, accountID)
	if err != nil {
		return fmt.Errorf("acquire sync lock for %s: %w", accountID, err)
	}
	defer unlock()
	return fn(ctx)
}

// IsRunning checks if a sync for the account is in flight.
func (m *Manager) IsRunning(accountID string) bool {
	return m.locks.Held(accountID)
}

// Pending returns the accounts with queued or running background work.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops intake and waits for in-flight work. When timeout passes first the
// remaining syncs are cancelled.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stop()
		return nil
	case <-time.After(timeout):
		m.stop()
		<-done
		return fmt.Errorf("sync manager: in-flight work cancelled after %s", timeout)
	}
}

func (m *Manager) worker(n int) {
	defer m.wg.Done()
	for accountID := range m.queue {
		m.run(n, accountID)
	}
}

func (m *Manager) run(worker int, accountID string) {
	m.mu.Lock()
	st := m.tasks[accountID]
	if st == nil {
		st = &taskState{}
		m.tasks[accountID] = st
	}
	st.queued, st.running = false, true
	m.mu.Unlock()

	start := time.Now()
	out, err := m.supervise(accountID)
	attrs := []any{
		slog.String("account_id", accountID),
		slog.Int("worker", worker),
		slog.Duration("took", time.Since(start)),
	}
	if err != nil {
		m.logger.Error("background sync failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		m.logger.Info("background sync finished", append(attrs,
			slog.String("mode", string(out.Mode)),
			slog.Int("stored", out.Stored),
		)...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st.running = false
	if !st.again || m.closed {
		delete(m.tasks, accountID)
		return
	}
	st.again = false
	select {
	case m.queue <- accountID:
		st.queued = true
	default:
		delete(m.tasks, accountID)
		m.logger.Warn("dropping follow-up sync, queue full", slog.String("account_id", accountID))
	}
}

// supervise runs one attempt and turns a panic into an error so the worker survives.
func (m *Manager) supervise(accountID string) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()
	out, err = m.RunNow(m.ctx, accountID)
	if err == nil && out == nil {
		out = &Outcome{AccountID: accountID}
	}
	return out, err
}
