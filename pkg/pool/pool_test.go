package pool

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsJob(t *testing.T) {
	p := New(4, 16)
	defer p.Shutdown(time.Millisecond)

	var ran atomic.Bool
	done := make(chan struct{})
	if ok := p.Submit(func() { ran.Store(true); close(done) }); !ok {
		t.Fatal("expected Submit to accept job")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job to run")
	}
	if !ran.Load() {
		t.Fatal("expected job to have run")
	}
}

func TestEnqueueForAllThreadsRunsOnEveryWorker(t *testing.T) {
	p := New(6, 16)
	defer p.Shutdown(time.Millisecond)

	var count atomic.Int32
	done := make(chan struct{})
	p.EnqueueForAllThreads(func() {
		if count.Add(1) == int32(p.Workers()) {
			close(done)
		}
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out, only %d of %d workers ran the broadcast job", count.Load(), p.Workers())
	}
}

func TestManySubmittedJobsAllComplete(t *testing.T) {
	p := New(4, 64)
	defer p.Shutdown(time.Millisecond)

	const n = 200
	var completed atomic.Int32
	for i := 0; i < n; i++ {
		p.Submit(func() { completed.Add(1) })
	}
	deadline := time.After(2 * time.Second)
	for completed.Load() < n {
		select {
		case <-deadline:
			t.Fatalf("timed out, completed %d/%d", completed.Load(), n)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSubmitAfterStopReturnsFalse(t *testing.T) {
	p := New(2, 8)
	p.Stop()
	if ok := p.Submit(func() {}); ok {
		t.Fatal("expected Submit to reject after Stop")
	}
	p.Join()
}

func TestShutdownDrainsQueuedWorkBeforeJoining(t *testing.T) {
	p := New(3, 32)
	var completed atomic.Int32
	for i := 0; i < 30; i++ {
		p.Submit(func() { completed.Add(1) })
	}
	p.Shutdown(time.Millisecond)
	if completed.Load() != 30 {
		t.Fatalf("expected all 30 jobs to drain before shutdown completed, got %d", completed.Load())
	}
}
