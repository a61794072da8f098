package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfsoftware/hlf-privsync/pkg/extract"
	"github.com/kfsoftware/hlf-privsync/pkg/fetch"
	"github.com/kfsoftware/hlf-privsync/pkg/pool"
	"github.com/kfsoftware/hlf-privsync/pkg/progress"
)

// scriptedFetcher returns the scripted errors in order, then succeeds.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []error
	delay  time.Duration
	calls  int
}

func (f *scriptedFetcher) Fetch(item extract.WorkItem) (*fetch.PrivateDataValue, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if call < len(f.script) {
		return nil, f.script[call]
	}
	return &fetch.PrivateDataValue{
		Collection:  item.Collection,
		Key:         item.Key,
		TxID:        item.TxID,
		Value:       []byte(`{"ok":true}`),
		BlockNumber: item.BlockNumber,
	}, nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu      sync.Mutex
	upserts []*fetch.PrivateDataValue
}

func (s *recordingSink) Upsert(value *fetch.PrivateDataValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, value)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

// depthObserver records every queue depth report.
type depthObserver struct {
	mu     sync.Mutex
	depths []int
}

func (o *depthObserver) ItemCompleted()     {}
func (o *depthObserver) ItemSkipped(string) {}
func (o *depthObserver) ItemDeadLettered()  {}
func (o *depthObserver) FetchRetried()      {}
func (o *depthObserver) QueueDepthChanged(depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.depths = append(o.depths, depth)
}

func (o *depthObserver) snapshot() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.depths...)
}

func newTracker(t *testing.T) (*progress.Store, func()) {
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	return progress.NewStore(db), func() { db.Close() }
}

func testItem() extract.WorkItem {
	return extract.WorkItem{
		ChannelID:   "mychannel",
		BlockNumber: 42,
		TxID:        "tx1",
		Collection:  "pii",
		Key:         "alice",
	}
}

func runPool(t *testing.T, cfg pool.Config, tracker pool.Tracker, fetcher pool.Fetcher, sink pool.Sink) (*pool.Pool, context.CancelFunc, *sync.WaitGroup) {
	cfg.Backoff = pool.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	p := pool.New(cfg, tracker, fetcher, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()
	return p, cancel, &wg
}

func TestCompletesItemThroughSink(t *testing.T) {
	tracker, cleanup := newTracker(t)
	defer cleanup()
	fetcher := &scriptedFetcher{}
	sink := &recordingSink{}
	p, cancel, wg := runPool(t, pool.Config{Workers: 2, RetryBudget: 3}, tracker, fetcher, sink)

	item := testItem()
	_, err := tracker.Admit(item)
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), item))

	require.Eventually(t, func() bool {
		pending, err := tracker.IsPending(item)
		return err == nil && !pending && sink.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
	assert.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, "alice", sink.upserts[0].Key)
}

func TestUnauthorizedIsSkippedWithoutRetry(t *testing.T) {
	tracker, cleanup := newTracker(t)
	defer cleanup()
	fetcher := &scriptedFetcher{script: []error{
		errors.Wrap(fetch.ErrUnauthorized, "Org3MSP is not a member of collection pii"),
		errors.Wrap(fetch.ErrUnauthorized, "Org3MSP is not a member of collection pii"),
		errors.Wrap(fetch.ErrUnauthorized, "Org3MSP is not a member of collection pii"),
	}}
	sink := &recordingSink{}
	p, cancel, wg := runPool(t, pool.Config{Workers: 2, RetryBudget: 3}, tracker, fetcher, sink)

	item := testItem()
	_, err := tracker.Admit(item)
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), item))

	require.Eventually(t, func() bool {
		pending, err := tracker.IsPending(item)
		return err == nil && !pending
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()

	// Exactly one fetch, never retried, nothing stored.
	assert.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, 0, sink.count())
	states, err := tracker.Pending("mychannel")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestNotFoundIsTerminal(t *testing.T) {
	tracker, cleanup := newTracker(t)
	defer cleanup()
	fetcher := &scriptedFetcher{script: []error{
		errors.Wrap(fetch.ErrNotFound, "purged past block-to-live"),
	}}
	sink := &recordingSink{}
	p, cancel, wg := runPool(t, pool.Config{Workers: 1, RetryBudget: 3}, tracker, fetcher, sink)

	item := testItem()
	_, err := tracker.Admit(item)
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), item))

	require.Eventually(t, func() bool {
		pending, err := tracker.IsPending(item)
		return err == nil && !pending
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
	assert.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, 0, sink.count())
}

func TestTransientFailuresRetryWithinBudget(t *testing.T) {
	tracker, cleanup := newTracker(t)
	defer cleanup()
	// retryBudget-1 transient failures, then success: completes with a
	// single sink call.
	fetcher := &scriptedFetcher{script: []error{
		errors.New("peer temporarily unreachable"),
		errors.New("peer temporarily unreachable"),
	}}
	sink := &recordingSink{}
	p, cancel, wg := runPool(t, pool.Config{Workers: 2, RetryBudget: 3}, tracker, fetcher, sink)

	item := testItem()
	_, err := tracker.Admit(item)
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), item))

	require.Eventually(t, func() bool {
		pending, err := tracker.IsPending(item)
		return err == nil && !pending && sink.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
	assert.Equal(t, 3, fetcher.callCount())
	assert.Equal(t, 1, sink.count())
}

func TestExhaustedBudgetDeadLetters(t *testing.T) {
	tracker, cleanup := newTracker(t)
	defer cleanup()
	fetcher := &scriptedFetcher{script: []error{
		errors.New("peer temporarily unreachable"),
		errors.New("peer temporarily unreachable"),
		errors.New("peer temporarily unreachable"),
	}}
	sink := &recordingSink{}
	p, cancel, wg := runPool(t, pool.Config{Workers: 1, RetryBudget: 2}, tracker, fetcher, sink)

	item := testItem()
	_, err := tracker.Admit(item)
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), item))

	require.Eventually(t, func() bool {
		states, err := tracker.DeadLetters("mychannel")
		return err == nil && len(states) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
	assert.Equal(t, 2, fetcher.callCount())
	assert.Equal(t, 0, sink.count())
	states, err := tracker.DeadLetters("mychannel")
	require.NoError(t, err)
	assert.Contains(t, states[0].Reason, "unreachable")
}

func TestQueueDepthReportedOnEnqueueAndDequeue(t *testing.T) {
	tracker, cleanup := newTracker(t)
	defer cleanup()
	fetcher := &scriptedFetcher{}
	sink := &recordingSink{}
	obs := &depthObserver{}
	p := pool.New(pool.Config{Workers: 1, RetryBudget: 3}, tracker, fetcher, sink, obs)

	item := testItem()
	_, err := tracker.Admit(item)
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), item))
	assert.Equal(t, []int{1}, obs.snapshot())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()

	// The dequeue reported the drained queue; the gauge cannot go stale.
	depths := obs.snapshot()
	require.Len(t, depths, 2)
	assert.Equal(t, 0, depths[1])
}

func TestRacingWorkersFetchOnce(t *testing.T) {
	tracker, cleanup := newTracker(t)
	defer cleanup()
	fetcher := &scriptedFetcher{delay: 50 * time.Millisecond}
	sink := &recordingSink{}
	p, cancel, wg := runPool(t, pool.Config{Workers: 4, RetryBudget: 3}, tracker, fetcher, sink)

	item := testItem()
	_, err := tracker.Admit(item)
	require.NoError(t, err)
	// The same identity delivered twice: only the lease winner fetches.
	require.NoError(t, p.Enqueue(context.Background(), item))
	require.NoError(t, p.Enqueue(context.Background(), item))

	require.Eventually(t, func() bool {
		pending, err := tracker.IsPending(item)
		return err == nil && !pending && sink.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()
	wg.Wait()
	assert.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, 1, sink.count())
}
