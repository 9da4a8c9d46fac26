package resolver

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/mdresolve/internal/fetch"
)

func TestScheduler_FiresAfterDelay(t *testing.T) {
	var runs atomic.Int32
	s := newScheduler(func(context.Context) { runs.Add(1) }, nil)
	s.start()
	defer s.close()

	s.schedule(10 * time.Millisecond)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_CancelAndReplace(t *testing.T) {
	var runs atomic.Int32
	s := newScheduler(func(context.Context) { runs.Add(1) }, nil)
	s.start()
	defer s.close()

	s.schedule(20 * time.Millisecond)
	s.cancel()
	time.Sleep(60 * time.Millisecond)
	require.Zero(t, runs.Load(), "cancelled task must not fire")

	s.schedule(time.Hour)
	s.schedule(10 * time.Millisecond)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Trigger(t *testing.T) {
	var runs atomic.Int32
	trigger := make(chan struct{})
	s := newScheduler(func(context.Context) { runs.Add(1) }, trigger)
	s.start()
	defer s.close()

	trigger <- struct{}{}
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	close(trigger)
	s.schedule(10 * time.Millisecond)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond,
		"closed trigger does not stop the timer")
}

func TestScheduler_CloseWithoutStart(t *testing.T) {
	s := newScheduler(func(context.Context) {}, nil)
	done := make(chan struct{})
	go func() {
		s.close()
		s.close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close blocked on a scheduler that never started")
	}
	s.schedule(time.Millisecond)
}

func TestScheduler_CloseWaitsForRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s := newScheduler(func(context.Context) {
		close(started)
		<-release
		finished.Store(true)
	}, nil)
	s.start()
	s.schedule(0)
	<-started

	closed := make(chan struct{})
	go func() {
		s.close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("close returned while a run was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed
	require.True(t, finished.Load())
}

func TestBatch_BackgroundRefresh(t *testing.T) {
	src := &scripted{}
	src.push(fetch.Bytes(document(time.Time{}, idp("a"))), nil)
	src.push(fetch.Bytes(document(time.Time{}, idp("b"))), nil)

	cfg := DefaultConfig()
	cfg.MinRefreshDelay = 10 * time.Millisecond
	cfg.MaxRefreshDelay = 20 * time.Millisecond
	b, err := NewBatch("bg", src, cfg)
	require.NoError(t, err)
	defer b.Destroy()

	require.NoError(t, b.Init(context.Background()))
	require.Eventually(t, func() bool {
		return len(b.Snapshot().Lookup("b")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBatch_TriggerRefresh(t *testing.T) {
	src := &scripted{}
	src.push(fetch.Bytes(document(time.Time{}, idp("a"))), nil)
	src.push(fetch.Bytes(document(time.Time{}, idp("b"))), nil)

	trigger := make(chan struct{}, 1)
	b := newTestBatch(t, src, DefaultConfig(), WithTrigger(trigger))
	require.NoError(t, b.Init(context.Background()))
	require.Equal(t, []string{"a"}, b.Snapshot().IDs())

	trigger <- struct{}{}
	require.Eventually(t, func() bool {
		return len(b.Snapshot().Lookup("b")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
