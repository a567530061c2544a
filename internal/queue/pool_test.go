package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPoolSingleWorkerIsFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	const n = 20

	p := NewPool(1, func(_ context.Context, id string) {
		mu.Lock()
		order = append(order, id)
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
	})

	// Submit before Start so every job is queued when the worker begins.
	for i := 0; i < n; i++ {
		pos, err := p.Submit(fmt.Sprintf("job-%02d", i))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if pos != i+1 {
			t.Fatalf("expected position %d, got %d", i+1, pos)
		}
	}
	if pos, ok := p.Position("job-05"); !ok || pos != 6 {
		t.Fatalf("expected job-05 at 6, got %d %v", pos, ok)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for jobs")
	}
	for i, id := range order {
		if want := fmt.Sprintf("job-%02d", i); id != want {
			t.Fatalf("position %d ran %s, want %s", i, id, want)
		}
	}
}

func TestPoolPositionClearedOnDequeue(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	p := NewPool(1, func(_ context.Context, id string) {
		started <- id
		<-release
	})
	p.Start(context.Background())
	defer p.Stop()

	if _, err := p.Submit("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit("b"); err != nil {
		t.Fatal(err)
	}
	if got := <-started; got != "a" {
		t.Fatalf("expected a first, got %s", got)
	}

	if _, ok := p.Position("a"); ok {
		t.Fatalf("dequeued job still reports a queue position")
	}
	if pos, ok := p.Position("b"); !ok || pos != 1 {
		t.Fatalf("expected b at position 1, got %d %v", pos, ok)
	}
	snap := p.Snapshot()
	if snap.Workers != 1 || snap.Queued != 1 || snap.Running != 1 || p.InProgress() != 1 || p.Len() != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	close(release)
	<-started
}

func TestPoolRecoversPanics(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	p := NewPool(1, func(_ context.Context, id string) {
		defer wg.Done()
		if id == "boom" {
			panic("handler exploded")
		}
	})
	p.Start(context.Background())
	defer p.Stop()

	_, _ = p.Submit("boom")
	_, _ = p.Submit("fine")

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not survive the panic")
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.InProgress() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("in-progress marker not cleared after panic")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolStopLetsInFlightFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var ran []string
	var mu sync.Mutex

	p := NewPool(1, func(ctx context.Context, id string) {
		mu.Lock()
		ran = append(ran, id)
		mu.Unlock()
		if id == "slow" {
			close(started)
			<-release
			if ctx.Err() != nil {
				t.Errorf("handler context cancelled on stop")
			}
			mu.Lock()
			finished = true
			mu.Unlock()
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	_, _ = p.Submit("slow")
	<-started
	_, _ = p.Submit("queued")

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := p.Submit("late"); errors.Is(err, ErrStopped) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool did not stop after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := p.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Fatalf("in-flight job was interrupted")
	}
	if len(ran) != 1 {
		t.Fatalf("stopped pool dequeued new work: %v", ran)
	}
	// Submits racing the asynchronous stop may still land behind "queued".
	if pos, ok := p.Position("queued"); !ok || pos != 1 {
		t.Fatalf("expected the unstarted job to stay at the head of the queue, got %d %v", pos, ok)
	}
}

func TestPoolStopKeepsQueuedJobs(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := NewPool(1, func(context.Context, string) {
		started <- struct{}{}
		<-release
	})
	p.Start(context.Background())
	_, _ = p.Submit("running")
	<-started
	_, _ = p.Submit("waiting")

	p.Stop()
	if _, err := p.Submit("late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop: %v", err)
	}
	close(release)
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if p.Len() != 1 || p.InProgress() != 0 {
		t.Fatalf("expected one queued job and none running, got %d/%d", p.Len(), p.InProgress())
	}
}

func TestNewPoolMinimumOneWorker(t *testing.T) {
	if got := NewPool(0, func(context.Context, string) {}).Snapshot().Workers; got != 1 {
		t.Fatalf("expected 1 worker, got %d", got)
	}
}
