package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kfsoftware/hlf-privsync/pkg/events"
	"github.com/kfsoftware/hlf-privsync/pkg/extract"
	"github.com/kfsoftware/hlf-privsync/pkg/pool"
	"github.com/kfsoftware/hlf-privsync/pkg/progress"
)

// BlockStreamer produces parsed blocks from a resume point; events.Source
// is the production implementation.
type BlockStreamer interface {
	Stream(ctx context.Context, fromBlock uint64, out chan<- *extract.BlockRecord) error
}

type Config struct {
	ChannelID         string
	ResumeFromBlock   int64 // <0 means use stored progress
	ReconnectAttempts int
	ReconnectBackoff  pool.Backoff
}

// Pipeline owns the queue, the pool and the tracker, constructed once and
// passed everywhere by reference. The event-receiving path only parses,
// filters and admits; everything that can block on I/O runs on the pool's
// workers.
type Pipeline struct {
	cfg     Config
	source  BlockStreamer
	filter  *extract.Filter
	tracker *progress.Store
	workers *pool.Pool
	metrics *Metrics
}

func New(cfg Config, source BlockStreamer, filter *extract.Filter, tracker *progress.Store, workers *pool.Pool, metrics *Metrics) *Pipeline {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Pipeline{
		cfg:     cfg,
		source:  source,
		filter:  filter,
		tracker: tracker,
		workers: workers,
		metrics: metrics,
	}
}

// Run drives the pipeline until ctx is cancelled or the subscription is
// lost beyond the reconnect budget. In-flight work items left behind at
// shutdown simply lose their lease and are replayed at next startup.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.replay(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	poolDone := make(chan struct{})
	go func() {
		p.workers.Run(ctx)
		close(poolDone)
	}()

	var streamErr error
	reconnects := 0
	first := true
	for {
		from, err := p.resumePoint(first)
		first = false
		if err != nil {
			streamErr = err
			break
		}
		log.Infof("Streaming channel %s from block %d", p.cfg.ChannelID, from)
		err = p.stream(ctx, from)
		if err == nil {
			break
		}
		if errors.Cause(err) != events.ErrConnectionLost || reconnects >= p.cfg.ReconnectAttempts {
			streamErr = err
			break
		}
		reconnects++
		p.metrics.Reconnects.Inc()
		delay := p.cfg.ReconnectBackoff.Duration(reconnects)
		log.Warnf("Block stream lost, reconnect %d/%d in %s", reconnects, p.cfg.ReconnectAttempts, delay)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			continue
		}
		break
	}
	// Stop the workers even when the stream failed while the caller's
	// context is still active; the pool only returns on cancellation.
	cancel()
	<-poolDone
	return streamErr
}

// replay refills the queue with items that were admitted but not finished
// before the last shutdown, including expired leases of crashed workers.
func (p *Pipeline) replay(ctx context.Context) error {
	items, err := p.tracker.Pending(p.cfg.ChannelID)
	if err != nil {
		return errors.Wrap(err, "list pending items failed")
	}
	if len(items) == 0 {
		return nil
	}
	log.Infof("Replaying %d unfinished items", len(items))
	for _, item := range items {
		if err := p.workers.Enqueue(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// resumePoint picks where to stream from. An explicit ResumeFromBlock
// only applies to the first connection; reconnects always continue from
// the last acknowledged block.
func (p *Pipeline) resumePoint(first bool) (uint64, error) {
	if first && p.cfg.ResumeFromBlock >= 0 {
		return uint64(p.cfg.ResumeFromBlock), nil
	}
	return p.tracker.Resume(p.cfg.ChannelID)
}

func (p *Pipeline) stream(ctx context.Context, from uint64) error {
	blocks := make(chan *extract.BlockRecord)
	errc := make(chan error, 1)
	go func() {
		errc <- p.source.Stream(ctx, from, blocks)
	}()
	for {
		select {
		case <-ctx.Done():
			return <-errc
		case err := <-errc:
			return err
		case record := <-blocks:
			if err := p.handleBlock(ctx, record); err != nil {
				return err
			}
		}
	}
}

// handleBlock admits every WorkItem of a block durably, then advances the
// resume point past the block. The order matters: a crash between the two
// steps re-reads the block, which re-admission absorbs.
func (p *Pipeline) handleBlock(ctx context.Context, record *extract.BlockRecord) error {
	p.metrics.BlocksReceived.Inc()
	for _, tx := range record.Txs {
		for _, item := range p.filter.Items(p.cfg.ChannelID, record.Number, tx) {
			admitted, err := p.tracker.Admit(item)
			if err != nil {
				return errors.Wrapf(err, "admit %s failed", item)
			}
			if !admitted {
				log.Debugf("Item %s already handled, not admitting", item)
				continue
			}
			p.metrics.ItemsAdmitted.Inc()
			if err := p.workers.Enqueue(ctx, item); err != nil {
				return err
			}
		}
	}
	if err := p.tracker.SetResume(p.cfg.ChannelID, record.Number+1); err != nil {
		return errors.Wrapf(err, "persist resume point after block %d", record.Number)
	}
	log.Debugf("Block %d handled, resume point now %d", record.Number, record.Number+1)
	return nil
}

// DeadLetters exposes the parked items for operator inspection.
func (p *Pipeline) DeadLetters() ([]progress.ItemState, error) {
	return p.tracker.DeadLetters(p.cfg.ChannelID)
}
