package events

import (
	"context"

	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-sdk-go/pkg/client/ledger"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/fab"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kfsoftware/hlf-privsync/pkg/extract"
)

// ErrConnectionLost is returned when the peer closed the block event
// stream, or when a ledger query during backfill failed; both mean the
// peer link is gone, not the data. The source does not re-subscribe on
// its own; the owning pipeline restarts it from the last acknowledged
// block.
var ErrConnectionLost = errors.New("block event connection lost")

// BlockEventService is the slice of the SDK event client the source
// needs; *event.Client satisfies it.
type BlockEventService interface {
	RegisterBlockEvent(filter ...fab.BlockFilter) (fab.Registration, <-chan *fab.BlockEvent, error)
	Unregister(reg fab.Registration)
}

// LedgerQuerier is the slice of the SDK ledger client used to backfill
// blocks the event stream will not replay.
type LedgerQuerier interface {
	QueryInfo(options ...ledger.RequestOption) (*fab.BlockchainInfoResponse, error)
	QueryBlock(blockNumber uint64, options ...ledger.RequestOption) (*cb.Block, error)
}

// Source yields parsed blocks of one channel in strictly increasing
// order. It first backfills from the ledger up to the current height,
// then follows live block events. Parsing happens here so nothing past
// this boundary touches raw protos.
type Source struct {
	events  BlockEventService
	ledger  LedgerQuerier
	targets []fab.Peer
}

func NewSource(events BlockEventService, ledgerClient LedgerQuerier, targets []fab.Peer) *Source {
	return &Source{
		events:  events,
		ledger:  ledgerClient,
		targets: targets,
	}
}

// Stream sends blocks starting at fromBlock into out until ctx is done or
// the subscription drops. Sends block on a full out channel; that is the
// intake backpressure. Returns nil on cancellation, ErrConnectionLost
// when the event channel closes.
func (s *Source) Stream(ctx context.Context, fromBlock uint64, out chan<- *extract.BlockRecord) error {
	next := fromBlock
	if s.ledger != nil {
		n, err := s.backfill(ctx, next, out)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		next = n
	}
	reg, eventCh, err := s.events.RegisterBlockEvent()
	if err != nil {
		return errors.Wrapf(ErrConnectionLost, "block event registration failed: %v", err)
	}
	defer s.events.Unregister(reg)
	log.Infof("Listening for block events from block %d", next)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-eventCh:
			if !ok {
				return ErrConnectionLost
			}
			number := event.Block.Header.Number
			if number < next {
				// Seek overlap or redelivery; already handled.
				log.Debugf("Dropping already seen block %d", number)
				continue
			}
			if number > next && s.ledger != nil {
				n, err := s.backfillTo(ctx, next, number, out)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				next = n
			}
			record, err := extract.ParseBlock(event.Block)
			if err != nil {
				return errors.Wrapf(err, "parse block %d", number)
			}
			if err := s.send(ctx, out, record); err != nil {
				return nil
			}
			next = number + 1
		}
	}
}

// backfill reads committed blocks from the ledger until the channel
// height is reached, returning the next block to expect from events.
func (s *Source) backfill(ctx context.Context, from uint64, out chan<- *extract.BlockRecord) (uint64, error) {
	info, err := s.ledger.QueryInfo(ledger.WithTargets(s.targets...))
	if err != nil {
		return from, errors.Wrapf(ErrConnectionLost, "query channel info failed: %v", err)
	}
	height := info.BCI.Height
	if from >= height {
		return from, nil
	}
	log.Infof("Backfilling blocks %d..%d", from, height-1)
	return s.backfillTo(ctx, from, height, out)
}

func (s *Source) backfillTo(ctx context.Context, from, to uint64, out chan<- *extract.BlockRecord) (uint64, error) {
	for number := from; number < to; number++ {
		block, err := s.ledger.QueryBlock(number, ledger.WithTargets(s.targets...))
		if err != nil {
			return number, errors.Wrapf(ErrConnectionLost, "query block %d failed: %v", number, err)
		}
		record, err := extract.ParseBlock(block)
		if err != nil {
			return number, errors.Wrapf(err, "parse block %d", number)
		}
		if number%100 == 0 {
			log.Infof("Backfill at block %d of %d", number, to)
		}
		if err := s.send(ctx, out, record); err != nil {
			return number, err
		}
	}
	return to, nil
}

func (s *Source) send(ctx context.Context, out chan<- *extract.BlockRecord, record *extract.BlockRecord) error {
	select {
	case out <- record:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
