package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kfsoftware/hlf-privsync/pkg/extract"
	"github.com/kfsoftware/hlf-privsync/pkg/fetch"
)

// Tracker is the slice of the progress store the pool drives. Acquire is
// exclusive: no two workers may hold a lease on the same item.
type Tracker interface {
	IsPending(item extract.WorkItem) (bool, error)
	Acquire(item extract.WorkItem, lease time.Duration) (bool, int, error)
	Release(item extract.WorkItem) error
	Complete(item extract.WorkItem) error
	Skip(item extract.WorkItem, reason string) error
	DeadLetter(item extract.WorkItem, reason string) error
}

type Fetcher interface {
	Fetch(item extract.WorkItem) (*fetch.PrivateDataValue, error)
}

type Sink interface {
	Upsert(value *fetch.PrivateDataValue) error
}

// Observer receives item outcomes, for metrics. All methods may be called
// concurrently.
type Observer interface {
	ItemCompleted()
	ItemSkipped(reason string)
	ItemDeadLettered()
	FetchRetried()
	QueueDepthChanged(depth int)
}

type nopObserver struct{}

func (nopObserver) ItemCompleted()        {}
func (nopObserver) ItemSkipped(string)    {}
func (nopObserver) ItemDeadLettered()     {}
func (nopObserver) FetchRetried()         {}
func (nopObserver) QueueDepthChanged(int) {}

type Config struct {
	Workers     int
	QueueSize   int
	Lease       time.Duration
	RetryBudget int
	Backoff     Backoff
}

// Pool pulls WorkItems off a bounded queue and drives fetch, sink and
// progress transitions with at-least-once delivery. Producers block on
// Enqueue when the queue is full; that backpressure is what throttles the
// block intake path.
type Pool struct {
	cfg     Config
	queue   chan extract.WorkItem
	tracker Tracker
	fetcher Fetcher
	sink    Sink
	obs     Observer
	wg      sync.WaitGroup
	timers  sync.WaitGroup
}

func New(cfg Config, tracker Tracker, fetcher Fetcher, sink Sink, obs Observer) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Pool{
		cfg:     cfg,
		queue:   make(chan extract.WorkItem, cfg.QueueSize),
		tracker: tracker,
		fetcher: fetcher,
		sink:    sink,
		obs:     obs,
	}
}

// Depth is the number of queued items, for the queue gauge.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Enqueue blocks until the item is queued or ctx is done.
func (p *Pool) Enqueue(ctx context.Context, item extract.WorkItem) error {
	select {
	case p.queue <- item:
		p.obs.QueueDepthChanged(p.Depth())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker finished its current item. Items still queued at shutdown keep
// their pending record and are replayed at next startup.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	p.wg.Wait()
	p.timers.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			p.obs.QueueDepthChanged(p.Depth())
			p.process(ctx, worker, item)
		}
	}
}

func (p *Pool) process(ctx context.Context, worker int, item extract.WorkItem) {
	pending, err := p.tracker.IsPending(item)
	if err != nil {
		log.Errorf("Worker %d failed pending check for %s: %v", worker, item, err)
		return
	}
	if !pending {
		log.Debugf("Worker %d discarding %s, already handled", worker, item)
		return
	}
	acquired, attempts, err := p.tracker.Acquire(item, p.cfg.Lease)
	if err != nil {
		log.Errorf("Worker %d failed lease acquisition for %s: %v", worker, item, err)
		return
	}
	if !acquired {
		log.Debugf("Worker %d lost the lease race for %s", worker, item)
		return
	}
	value, err := p.fetcher.Fetch(item)
	if err != nil {
		p.dispose(ctx, item, attempts, err)
		return
	}
	if err := p.sink.Upsert(value); err != nil {
		p.dispose(ctx, item, attempts, errors.Wrap(err, "sink upsert failed"))
		return
	}
	if err := p.tracker.Complete(item); err != nil {
		log.Errorf("Failed to mark %s complete: %v", item, err)
		return
	}
	p.obs.ItemCompleted()
	log.Debugf("Worker %d completed %s", worker, item)
}

// dispose routes a failed attempt: terminal skip, retry with backoff, or
// dead-letter once the budget is spent.
func (p *Pool) dispose(ctx context.Context, item extract.WorkItem, attempts int, cause error) {
	switch errors.Cause(cause) {
	case fetch.ErrUnauthorized:
		log.Warnf("Skipping %s: %v", item, cause)
		if err := p.tracker.Skip(item, cause.Error()); err != nil {
			log.Errorf("Failed to record skip for %s: %v", item, err)
		}
		p.obs.ItemSkipped("unauthorized")
		return
	case fetch.ErrNotFound:
		log.Warnf("Skipping %s: %v", item, cause)
		if err := p.tracker.Skip(item, cause.Error()); err != nil {
			log.Errorf("Failed to record skip for %s: %v", item, err)
		}
		p.obs.ItemSkipped("notfound")
		return
	}
	if attempts >= p.cfg.RetryBudget {
		log.Errorf("Dead-lettering %s after %d attempts: %v", item, attempts, cause)
		if err := p.tracker.DeadLetter(item, cause.Error()); err != nil {
			log.Errorf("Failed to dead-letter %s: %v", item, err)
		}
		p.obs.ItemDeadLettered()
		return
	}
	if err := p.tracker.Release(item); err != nil {
		log.Errorf("Failed to release %s: %v", item, err)
		return
	}
	delay := p.cfg.Backoff.Duration(attempts)
	log.Infof("Requeueing %s in %s after attempt %d: %v", item, delay, attempts, cause)
	p.obs.FetchRetried()
	p.timers.Add(1)
	go func() {
		defer p.timers.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			// The pending record survives; next startup replays it.
		case <-timer.C:
			if err := p.Enqueue(ctx, item); err != nil {
				log.Debugf("Dropped requeue of %s at shutdown: %v", item, err)
			}
		}
	}()
}
