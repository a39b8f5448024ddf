// Package task runs batch work in the background, one task per batch id,
// with a bound on how many batches run at once.
package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrBusy is returned when the batch id already has a task.
	ErrBusy = eris.New("task: batch already has an active task")
	// ErrClosed is returned after Shutdown has been called.
	ErrClosed = eris.New("task: manager closed")
)

// Func is the body of a task. Its error is logged; the task owner records
// failures in the progress record itself.
type Func func(ctx context.Context) error

// Manager schedules tasks. Submitted tasks wait for a slot without blocking
// the caller.
type Manager struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*entry
	closed bool
	wg     sync.WaitGroup
}

type entry struct {
	kind    string
	started bool
	drop    context.CancelFunc
}

// NewManager returns a Manager running at most limit tasks at once.
func NewManager(limit int) *Manager {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sem:    semaphore.NewWeighted(int64(limit)),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*entry),
	}
}

// Submit starts fn for id in the background. kind names the work in logs.
func (m *Manager) Submit(id, kind string, fn Func) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if running, ok := m.active[id]; ok {
		return eris.Wrapf(ErrBusy, "batch %s (%s)", id, running.kind)
	}
	waitCtx, drop := context.WithCancel(m.ctx)
	e := &entry{kind: kind, drop: drop}
	m.active[id] = e
	m.wg.Add(1)

	go m.run(waitCtx, id, e, fn)
	return nil
}

func (m *Manager) run(waitCtx context.Context, id string, e *entry, fn Func) {
	log := zap.L().With(zap.String("batch_id", id), zap.String("task", e.kind))
	defer m.wg.Done()
	defer m.release(id)
	defer e.drop()

	if err := m.sem.Acquire(waitCtx, 1); err != nil {
		log.Warn("task: dropped before start", zap.Error(err))
		return
	}
	m.mu.Lock()
	if waitCtx.Err() != nil {
		m.mu.Unlock()
		m.sem.Release(1)
		log.Warn("task: dropped before start", zap.Error(waitCtx.Err()))
		return
	}
	e.started = true
	m.mu.Unlock()
	defer m.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			log.Error("task: panic", zap.String("panic", fmt.Sprint(r)))
		}
	}()

	log.Info("task: started")
	if err := fn(m.ctx); err != nil {
		log.Error("task: failed", zap.Error(err))
		return
	}
	log.Info("task: finished")
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Drop discards the task for id if it is still waiting for a slot. It
// reports whether a waiting task was dropped; running tasks are left alone.
func (m *Manager) Drop(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[id]
	if !ok || e.started {
		return false
	}
	e.drop()
	return true
}

// Busy reports whether id has a queued or running task.
func (m *Manager) Busy(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// Active returns the ids with a queued or running task, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every submitted task has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones until ctx is
// done, then cancels whatever is left.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return eris.Wrap(ctx.Err(), "task: shutdown")
	}
}
