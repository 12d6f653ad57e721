package revalidate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"encore.app/cachestore"
	"encore.app/dispatcher"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	fail  int32 // number of leading calls to fail
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatcher.Request) (*dispatcher.Response, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if int32(n) <= atomic.LoadInt32(&f.fail) {
		return nil, errors.New("upstream unreachable")
	}
	return &dispatcher.Response{Status: 200}, nil
}

type fakeCache struct {
	marked atomic.Int32
}

func (f *fakeCache) MarkRevalidateAttempt(ctx context.Context, id string) error {
	f.marked.Add(1)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

func TestEnqueue_SuccessfulRefreshPublishesCompletion(t *testing.T) {
	disp := &fakeDispatcher{}
	cache := &fakeCache{}
	svc := NewService(disp, cache, Config{NumWorkers: 1, QueueSize: 4, RefreshTimeout: time.Second, RetryAttempts: 2, BackoffBase: time.Millisecond})
	defer svc.Shutdown()

	svc.Enqueue("tenant-1", "GET", "/items/1", &cachestore.Entry{ID: "entry-1"})

	waitFor(t, func() bool {
		disp.mu.Lock()
		defer disp.mu.Unlock()
		return disp.calls == 1
	})
	if cache.marked.Load() != 0 {
		t.Fatalf("expected no revalidate-at updates on success, got %d", cache.marked.Load())
	}
}

func TestEnqueue_ExhaustedRetriesMarksRevalidateAttempt(t *testing.T) {
	disp := &fakeDispatcher{fail: 100}
	cache := &fakeCache{}
	svc := NewService(disp, cache, Config{NumWorkers: 1, QueueSize: 4, RefreshTimeout: time.Second, RetryAttempts: 2, BackoffBase: time.Millisecond})
	defer svc.Shutdown()

	svc.Enqueue("tenant-1", "GET", "/items/1", &cachestore.Entry{ID: "entry-2"})

	waitFor(t, func() bool { return cache.marked.Load() == 1 })
}

func TestEnqueue_NilEntryIsNoop(t *testing.T) {
	disp := &fakeDispatcher{}
	cache := &fakeCache{}
	svc := NewService(disp, cache, DefaultConfig())
	defer svc.Shutdown()

	svc.Enqueue("tenant-1", "GET", "/items/1", nil)

	time.Sleep(20 * time.Millisecond)
	disp.mu.Lock()
	calls := disp.calls
	disp.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected dispatcher not to be called for a nil entry, got %d calls", calls)
	}
}

func TestEnqueue_FullQueueDropsTaskWithoutBlocking(t *testing.T) {
	disp := &fakeDispatcher{}
	cache := &fakeCache{}
	// Zero workers: nothing ever drains the queue, so the second Enqueue
	// call must not block on a full channel.
	svc := &Service{dispatch: disp, cache: cache, cfg: Config{RefreshTimeout: time.Second, RetryAttempts: 1, BackoffBase: time.Millisecond}, tasks: make(chan task, 1), stop: make(chan struct{})}

	svc.Enqueue("tenant-1", "GET", "/a", &cachestore.Entry{ID: "e1"})

	done := make(chan struct{})
	go func() {
		svc.Enqueue("tenant-1", "GET", "/b", &cachestore.Entry{ID: "e2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Enqueue blocked on a full queue")
	}
}

func TestQueueSizeAndActiveCount(t *testing.T) {
	svc := &Service{tasks: make(chan task, 4), stop: make(chan struct{})}
	svc.Enqueue("t", "GET", "/x", &cachestore.Entry{ID: "e1"})
	if got := svc.QueueSize(); got != 1 {
		t.Fatalf("expected queue size 1, got %d", got)
	}
	svc.active.Store(3)
	if got := svc.ActiveCount(); got != 3 {
		t.Fatalf("expected active count 3, got %d", got)
	}
}
