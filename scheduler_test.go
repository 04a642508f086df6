// scheduler_test.go: Worker pool lifecycle
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agilira/go-errors"
)

func TestPool_RunsTasks(t *testing.T) {
	pool := NewPool(3, 10, nil, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := pool.Submit(func(ctx context.Context) error {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
			return nil
		}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	wg.Wait()

	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if count != 10 {
		t.Errorf("Expected 10 tasks run, got %d", count)
	}
	stats := pool.Stats()
	if stats.Submitted != 10 || stats.Processed != 10 || stats.Failed != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool(1, 1, nil, nil)
	noop := func(context.Context) error { return nil }

	if err := pool.Submit(noop); err != ErrPoolNotStarted {
		t.Errorf("Expected ErrPoolNotStarted, got %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(context.Background()); err != ErrPoolAlreadyStarted {
		t.Errorf("Expected ErrPoolAlreadyStarted, got %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := pool.Submit(noop); err != ErrPoolStopped {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
	if err := pool.Start(context.Background()); err != ErrPoolStopped {
		t.Errorf("Restart after stop should fail, got %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("Second Stop should be a no-op: %v", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	pool := NewPool(1, 1, nil, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	running := make(chan struct{})
	blocker := func(context.Context) error {
		close(running)
		<-release
		return nil
	}

	if err := pool.Submit(blocker); err != nil {
		t.Fatal(err)
	}
	<-running
	if err := pool.Submit(func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Queue slot should be free: %v", err)
	}
	if err := pool.Submit(func(context.Context) error { return nil }); err != ErrQueueFull {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if pool.Stats().Dropped != 1 {
		t.Errorf("Expected 1 dropped task, got %d", pool.Stats().Dropped)
	}

	close(release)
	if err := pool.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestPool_ErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var seen []error
	done := make(chan struct{}, 2)
	pool := NewPool(1, 4, nil, func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
		done <- struct{}{}
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	_ = pool.Submit(func(context.Context) error { return errors.New(ErrCodeEngine, "task failed") })
	_ = pool.Submit(func(context.Context) error { panic("boom") })
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for task errors")
		}
	}

	if err := pool.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !HasCode(seen[0], ErrCodeEngine) || !HasCode(seen[1], ErrCodePool) {
		t.Errorf("Unexpected task errors: %v", seen)
	}
	if pool.Stats().Failed != 2 {
		t.Errorf("Expected 2 failed tasks, got %d", pool.Stats().Failed)
	}
}

func TestPool_StopTimeout(t *testing.T) {
	pool := NewPool(1, 1, nil, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	defer close(release)
	running := make(chan struct{})
	_ = pool.Submit(func(context.Context) error {
		close(running)
		<-release
		return nil
	})
	<-running

	if err := pool.Stop(20 * time.Millisecond); err != ErrStopTimeout {
		t.Errorf("Expected ErrStopTimeout, got %v", err)
	}
}

func TestPool_ContextEndRunsAcceptedTasks(t *testing.T) {
	pool := NewPool(1, 4, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	var ran int64
	for i := 0; i < 3; i++ {
		if err := pool.Submit(func(context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	cancel()
	close(release)
	if err := pool.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := atomic.LoadInt64(&ran); got != 3 {
		t.Errorf("Expected queued tasks to run after cancel, got %d of 3", got)
	}
	if err := pool.Submit(func(context.Context) error { return nil }); err != ErrPoolStopped {
		t.Errorf("Submit after drain should fail, got %v", err)
	}
}
