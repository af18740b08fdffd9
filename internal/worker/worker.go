package worker

import (
	"context"
	"sync"
	"time"
)

// Task is one long-running unit of work. It must return once ctx is done.
type Task func(ctx context.Context)

// Scheduler runs at most one task per key. Tasks are cancelled individually
// with Cancel or all together with Stop.
type Scheduler struct {
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*entry
	stopped bool
	wg      sync.WaitGroup
}

type entry struct {
	cancel context.CancelFunc
}

func NewScheduler(parent context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		base:   ctx,
		cancel: cancel,
		tasks:  map[string]*entry{},
	}
}

// Start runs task under key unless one is already running. It reports whether
// a new task was started.
func (s *Scheduler) Start(key string, task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.tasks[key]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(s.base)
	e := &entry{cancel: cancel}
	s.tasks[key] = e
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			if s.tasks[key] == e {
				delete(s.tasks, key)
			}
			s.mu.Unlock()
		}()
		task(ctx)
	}()
	return true
}

func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[key]
	if !ok {
		return false
	}
	e.cancel()
	delete(s.tasks, key)
	return true
}

func (s *Scheduler) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every task and waits for all of them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// RunEvery calls step immediately and then once per interval until step
// reports done or ctx is cancelled. Cancellation is only observed between
// steps, so a step is never interrupted half way by the loop itself.
func RunEvery(ctx context.Context, interval time.Duration, step func(ctx context.Context) (done bool)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if step(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
