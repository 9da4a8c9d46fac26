package resolver

import (
	"context"
	"sync"
	"time"
)

// scheduler owns the refresh timer of one resolver. Its loop goroutine is the
// only reader of the timer; schedule replaces any pending request.
type scheduler struct {
	run     func(ctx context.Context)
	trigger <-chan struct{}

	mu    sync.Mutex
	reset chan time.Duration
	quit  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

func newScheduler(run func(ctx context.Context), trigger <-chan struct{}) *scheduler {
	return &scheduler{
		run:     run,
		trigger: trigger,
		reset:   make(chan time.Duration, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *scheduler) start() {
	s.startOnce.Do(func() { go s.loop() })
}

// schedule arms the timer to fire after d. A negative d cancels the pending
// task. Never blocks.
func (s *scheduler) schedule(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.reset:
	default:
	}
	s.reset <- d
}

func (s *scheduler) cancel() {
	s.schedule(-1)
}

// close stops the loop and waits for an in-flight run to return.
func (s *scheduler) close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.startOnce.Do(func() { close(s.done) })
	})
	<-s.done
}

func (s *scheduler) loop() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var fire <-chan time.Time
	for {
		select {
		case <-s.quit:
			return
		case d := <-s.reset:
			timer.Stop()
			if d < 0 {
				fire = nil
				continue
			}
			timer.Reset(d)
			fire = timer.C
		case <-fire:
			fire = nil
			s.run(context.Background())
		case _, ok := <-s.trigger:
			if !ok {
				s.trigger = nil
				continue
			}
			s.run(context.Background())
		}
	}
}
