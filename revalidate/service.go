// Package revalidate implements the §4.8 stale-while-revalidate worker
// pool: a stale cache hit keeps serving its stored body while a background
// task re-fetches from upstream through the dispatcher and replaces it.
//
// Design Philosophy:
// - Grounded directly on the teacher's warming.WorkerPool: a buffered task
//   channel, a fixed set of worker goroutines, and an exponential-backoff
//   retry loop. The teacher warms predicted hot keys; this pool instead
//   re-fetches one already-known stale entry, so there is no predictor and
//   no strategy table, just the queue/worker/retry shape.
// - A full queue drops the task rather than blocking the caller, same as
//   the teacher's QueueTasks: the entry is still being served stale, so a
//   dropped revalidation just means it is retried on the next cache hit
//   once the §4.8 cooldown passes.
package revalidate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"
	"encore.dev/rlog"

	"encore.app/cachestore"
	"encore.app/dispatcher"
)

// Dispatcher is the subset of dispatcher.Dispatcher this package depends
// on: re-running the original request with ForceRefresh set.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (*dispatcher.Response, error)
}

// Cache is the subset of cachestore.Service this package depends on.
type Cache interface {
	MarkRevalidateAttempt(ctx context.Context, id string) error
}

// Config tunes the worker pool, mirroring the teacher's warming.Config
// fields that survive the predictor/strategy removal.
type Config struct {
	NumWorkers     int
	QueueSize      int
	RefreshTimeout time.Duration
	RetryAttempts  int
	BackoffBase    time.Duration
}

// DefaultConfig matches the teacher's warming defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:     4,
		QueueSize:      1000,
		RefreshTimeout: 5 * time.Second,
		RetryAttempts:  3,
		BackoffBase:    100 * time.Millisecond,
	}
}

type task struct {
	TenantID string
	Method   string
	URL      string
	EntryID  string
	QueuedAt time.Time
}

// Service is the worker pool itself. It satisfies dispatcher.Revalidator.
type Service struct {
	dispatch Dispatcher
	cache    Cache
	cfg      Config

	tasks  chan task
	stop   chan struct{}
	wg     sync.WaitGroup
	active atomic.Int32
}

// NewService starts cfg.NumWorkers goroutines immediately, same as the
// teacher's NewWorkerPool.
func NewService(dispatch Dispatcher, cache Cache, cfg Config) *Service {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultConfig().NumWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	s := &Service{
		dispatch: dispatch,
		cache:    cache,
		cfg:      cfg,
		tasks:    make(chan task, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	return s
}

// Enqueue satisfies dispatcher.Revalidator. A full queue drops the task.
func (s *Service) Enqueue(tenantID, method, url string, entry *cachestore.Entry) {
	if entry == nil {
		return
	}
	t := task{TenantID: tenantID, Method: method, URL: url, EntryID: entry.ID, QueuedAt: time.Now()}
	select {
	case s.tasks <- t:
	default:
		rlog.Warn("revalidation queue full, dropping task", "entry_id", entry.ID)
	}
}

func (s *Service) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case t := <-s.tasks:
			s.active.Add(1)
			if err := s.attempt(t); err != nil {
				s.retry(t)
			} else {
				s.publishCompleted(t, "success")
			}
			s.active.Add(-1)
		}
	}
}

func (s *Service) attempt(t task) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
	defer cancel()
	_, err := s.dispatch.Dispatch(ctx, dispatcher.Request{
		TenantID:     t.TenantID,
		Method:       t.Method,
		URL:          t.URL,
		ForceRefresh: true,
	})
	return err
}

// retry implements the teacher's exponential-backoff-with-jitter loop.
// Giving up only updates revalidate_at, per §4.8 — the stale entry keeps
// serving and the next cache hit past the cooldown will try again.
func (s *Service) retry(t task) {
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		sleep := s.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
		jitter := time.Duration(time.Now().UnixNano() % int64(sleep/2+1))
		time.Sleep(sleep + jitter)

		if err := s.attempt(t); err == nil {
			s.publishCompleted(t, "success")
			return
		}

		if attempt == s.cfg.RetryAttempts {
			if err := s.cache.MarkRevalidateAttempt(context.Background(), t.EntryID); err != nil {
				rlog.Error("failed to record revalidation attempt", "err", err, "entry_id", t.EntryID)
			}
			s.publishCompleted(t, "failure")
		}
	}
}

// ActiveCount returns the number of workers currently processing a task.
func (s *Service) ActiveCount() int {
	return int(s.active.Load())
}

// QueueSize returns the number of tasks waiting to be picked up.
func (s *Service) QueueSize() int {
	return len(s.tasks)
}

// Shutdown stops every worker and waits for in-flight tasks to finish.
func (s *Service) Shutdown() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Service) publishCompleted(t task, status string) {
	event := &CompletedEvent{
		EntryID:     t.EntryID,
		TenantID:    t.TenantID,
		Status:      status,
		DurationMs:  time.Since(t.QueuedAt).Milliseconds(),
		CompletedAt: time.Now(),
	}
	if _, err := CompletedTopic.Publish(context.Background(), event); err != nil {
		rlog.Error("failed to publish revalidation completion", "err", err, "entry_id", t.EntryID)
	}
}

// CompletedEvent mirrors the teacher's WarmCompletedEvent shape.
type CompletedEvent struct {
	EntryID     string    `json:"entry_id"`
	TenantID    string    `json:"tenant_id"`
	Status      string    `json:"status"` // success | failure
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// CompletedTopic lets monitoring track revalidation success/failure rates
// without a direct dependency on this package.
var CompletedTopic = pubsub.NewTopic[*CompletedEvent]("cache-revalidation-completed", pubsub.TopicConfig{
	DeliveryGuarantee: pubsub.AtLeastOnce,
})
