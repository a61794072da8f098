package progress

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kfsoftware/hlf-privsync/pkg/extract"
)

// Status of one WorkItem in the durable store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "inflight"
	StatusDone       Status = "done"
	StatusSkipped    Status = "skipped"
	StatusDeadLetter Status = "deadletter"
)

func (s Status) terminal() bool {
	return s == StatusDone || s == StatusSkipped || s == StatusDeadLetter
}

// ItemState is the persisted record of one WorkItem.
type ItemState struct {
	Item        extract.WorkItem `json:"item"`
	Status      Status           `json:"status"`
	LeaseExpiry int64            `json:"leaseExpiry,omitempty"`
	Attempts    int              `json:"attempts"`
	Reason      string           `json:"reason,omitempty"`
	UpdatedAt   int64            `json:"updatedAt"`
}

const (
	itemPrefix   = "item/"
	resumePrefix = "resume/"
)

// Store is the durable progress tracker. It is the single source of truth
// for which WorkItems are complete and who holds a lease on what; badger
// transactions give the compare-and-set semantics lease acquisition needs.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

func NewStore(db *badger.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NewStoreWithClock is for tests that need to move time past a lease.
func NewStoreWithClock(db *badger.DB, now func() time.Time) *Store {
	return &Store{db: db, now: now}
}

func itemKey(item extract.WorkItem) []byte {
	return []byte(itemPrefix + item.ID())
}

func resumeKey(channelID string) []byte {
	return []byte(resumePrefix + channelID)
}

// Admit records a WorkItem as pending work, durably, before it may enter
// the queue. It returns false when the item is already terminal or
// currently leased, in which case the caller must not enqueue it.
func (s *Store) Admit(item extract.WorkItem) (bool, error) {
	admitted := false
	err := s.update(func(txn *badger.Txn) error {
		state, found, err := s.get(txn, item)
		if err != nil {
			return err
		}
		if found {
			if state.Status.terminal() {
				return nil
			}
			if state.Status == StatusInFlight && state.LeaseExpiry > s.now().UnixNano() {
				return nil
			}
		}
		state.Item = item
		state.Status = StatusPending
		state.LeaseExpiry = 0
		admitted = true
		return s.put(txn, item, state)
	})
	return admitted, err
}

// Acquire takes the exclusive lease on a WorkItem. Exactly one concurrent
// caller wins; the rest get false. The returned attempt count includes
// this acquisition.
func (s *Store) Acquire(item extract.WorkItem, lease time.Duration) (bool, int, error) {
	acquired := false
	attempts := 0
	err := s.update(func(txn *badger.Txn) error {
		state, found, err := s.get(txn, item)
		if err != nil {
			return err
		}
		if found {
			if state.Status.terminal() {
				return nil
			}
			if state.Status == StatusInFlight && state.LeaseExpiry > s.now().UnixNano() {
				return nil
			}
		}
		state.Item = item
		state.Status = StatusInFlight
		state.LeaseExpiry = s.now().Add(lease).UnixNano()
		state.Attempts++
		acquired = true
		attempts = state.Attempts
		return s.put(txn, item, state)
	})
	return acquired, attempts, err
}

// Release hands a leased item back to pending so it can be re-delivered.
// The attempt count is kept.
func (s *Store) Release(item extract.WorkItem) error {
	return s.transition(item, StatusPending, "")
}

// Complete marks the item done. Callers must only invoke this after the
// sink durably acknowledged the upsert.
func (s *Store) Complete(item extract.WorkItem) error {
	return s.transition(item, StatusDone, "")
}

// Skip records a terminal non-retryable outcome (unauthorized, not found).
func (s *Store) Skip(item extract.WorkItem, reason string) error {
	return s.transition(item, StatusSkipped, reason)
}

// DeadLetter parks an item that exhausted its retry budget for operator
// inspection.
func (s *Store) DeadLetter(item extract.WorkItem, reason string) error {
	return s.transition(item, StatusDeadLetter, reason)
}

func (s *Store) transition(item extract.WorkItem, status Status, reason string) error {
	return s.update(func(txn *badger.Txn) error {
		state, _, err := s.get(txn, item)
		if err != nil {
			return err
		}
		state.Item = item
		state.Status = status
		state.LeaseExpiry = 0
		state.Reason = reason
		return s.put(txn, item, state)
	})
}

// IsPending reports whether the item still needs work. Unknown items are
// pending; a held, unexpired lease means someone else owns it.
func (s *Store) IsPending(item extract.WorkItem) (bool, error) {
	pending := true
	err := s.db.View(func(txn *badger.Txn) error {
		state, found, err := s.get(txn, item)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if state.Status.terminal() {
			pending = false
			return nil
		}
		if state.Status == StatusInFlight && state.LeaseExpiry > s.now().UnixNano() {
			pending = false
		}
		return nil
	})
	return pending, err
}

// Pending lists the items of a channel that need (re-)delivery: pending
// records plus in-flight records whose lease expired, i.e. a crashed
// worker's abandoned work. Used to refill the queue at startup.
func (s *Store) Pending(channelID string) ([]extract.WorkItem, error) {
	var items []extract.WorkItem
	err := s.scan(channelID, func(state ItemState) {
		switch {
		case state.Status == StatusPending:
			items = append(items, state.Item)
		case state.Status == StatusInFlight && state.LeaseExpiry <= s.now().UnixNano():
			items = append(items, state.Item)
		}
	})
	return items, err
}

// DeadLetters lists the dead-lettered records of a channel.
func (s *Store) DeadLetters(channelID string) ([]ItemState, error) {
	var states []ItemState
	err := s.scan(channelID, func(state ItemState) {
		if state.Status == StatusDeadLetter {
			states = append(states, state)
		}
	})
	return states, err
}

func (s *Store) scan(channelID string, visit func(ItemState)) error {
	prefix := []byte(itemPrefix + channelID + "/")
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var state ItemState
			if err := json.Unmarshal(val, &state); err != nil {
				return errors.Wrapf(err, "corrupt progress record %s", it.Item().Key())
			}
			visit(state)
		}
		return nil
	})
}

// Resume returns the next block to read for a channel; 0 when nothing was
// stored yet.
func (s *Store) Resume(channelID string) (uint64, error) {
	var blockNumber uint64
	err := s.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get(resumeKey(channelID))
		if err == badger.ErrKeyNotFound {
			log.Warnf("No stored progress for channel %s, starting from first block", channelID)
			return nil
		}
		if err != nil {
			return err
		}
		val, err := entry.ValueCopy(nil)
		if err != nil {
			return err
		}
		blockNumber, err = strconv.ParseUint(string(val), 10, 64)
		return err
	})
	return blockNumber, err
}

// SetResume advances the resume point. Callers must only advance past a
// block once every one of its WorkItems is durably admitted.
func (s *Store) SetResume(channelID string, blockNumber uint64) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Set(resumeKey(channelID), []byte(strconv.FormatUint(blockNumber, 10)))
	})
}

func (s *Store) get(txn *badger.Txn, item extract.WorkItem) (ItemState, bool, error) {
	entry, err := txn.Get(itemKey(item))
	if err == badger.ErrKeyNotFound {
		return ItemState{}, false, nil
	}
	if err != nil {
		return ItemState{}, false, err
	}
	val, err := entry.ValueCopy(nil)
	if err != nil {
		return ItemState{}, false, err
	}
	var state ItemState
	if err := json.Unmarshal(val, &state); err != nil {
		return ItemState{}, false, errors.Wrapf(err, "corrupt progress record for %s", item)
	}
	return state, true, nil
}

func (s *Store) put(txn *badger.Txn, item extract.WorkItem, state ItemState) error {
	state.UpdatedAt = s.now().UnixNano()
	val, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return txn.Set(itemKey(item), val)
}

// update runs fn in a serializable badger transaction, retrying on
// write conflicts so concurrent lease takers serialize cleanly.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if err == badger.ErrConflict {
			continue
		}
		return err
	}
}
