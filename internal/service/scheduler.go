package service

import (
	"sync"
	"time"
)

// taskScheduler fires one-shot delayed tasks keyed by id. Scheduling an id
// that already has an outstanding task replaces it. Tasks live in process
// memory only and do not survive a restart.
type taskScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

func newTaskScheduler() *taskScheduler {
	return &taskScheduler{timers: make(map[string]*time.Timer)}
}

func (s *taskScheduler) schedule(id string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		if t.Stop() {
			s.wg.Done()
		}
	}
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
}

// cancel removes the outstanding task if present. No-op when absent.
func (s *taskScheduler) cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	if t.Stop() {
		s.wg.Done()
	}
	return true
}

// stop cancels all outstanding tasks and waits for in-flight ones.
func (s *taskScheduler) stop() {
	s.mu.Lock()
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
