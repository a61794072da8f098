package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// WorkItem is one private-data fetch obligation. The first five fields
// together identify it uniquely across the whole deployment; TxDate is
// carried along for the stored document and is not part of the identity.
type WorkItem struct {
	ChannelID   string    `json:"channelId"`
	BlockNumber uint64    `json:"blockNumber"`
	TxID        string    `json:"txId"`
	Collection  string    `json:"collection"`
	Key         string    `json:"key"`
	TxDate      time.Time `json:"txDate"`
}

func (w WorkItem) ID() string {
	return fmt.Sprintf("%s/%020d/%s/%s/%s", w.ChannelID, w.BlockNumber, w.TxID, w.Collection, w.Key)
}

func (w WorkItem) String() string {
	return fmt.Sprintf("%s block=%d tx=%s collection=%s key=%s", w.ChannelID, w.BlockNumber, w.TxID, w.Collection, w.Key)
}

// Filter decides which transactions are worth a private-data fetch and
// turns them into WorkItems. It only ever matches the composed namespace
// "<chaincode>~<collection>" for collections in the allow-list, so system
// namespaces (lscc, _lifecycle, ...) can never produce work: they carry no
// collection separator and are never equal to a composed name.
type Filter struct {
	chaincode   string
	collections map[string]struct{}
	expr        *govaluate.EvaluableExpression
}

// NewFilter builds a Filter for one chaincode and its allow-listed
// collections. expression is an optional govaluate predicate over
// collection, key, txId and blockNumber; empty means "match everything".
func NewFilter(chaincode string, collections []string, expression string) (*Filter, error) {
	if chaincode == "" {
		return nil, errors.New("chaincode name is required")
	}
	if strings.Contains(chaincode, "~") {
		return nil, errors.Errorf("invalid chaincode name %q", chaincode)
	}
	f := &Filter{
		chaincode:   chaincode,
		collections: map[string]struct{}{},
	}
	for _, c := range collections {
		if c == "" {
			return nil, errors.New("empty collection name in allow-list")
		}
		f.collections[c] = struct{}{}
	}
	if expression != "" {
		expr, err := govaluate.NewEvaluableExpression(expression)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid filter expression %q", expression)
		}
		f.expr = expr
	}
	return f, nil
}

// Items extracts the WorkItems of one transaction. Invalid transactions
// yield nothing. Multiple writes to the same key within the transaction
// coalesce to the final write, per write-set semantics; a final delete
// yields no item.
func (f *Filter) Items(channelID string, blockNumber uint64, tx TransactionRecord) []WorkItem {
	if !tx.Valid {
		return nil
	}
	var items []WorkItem
	for _, ws := range f.writeSets(tx) {
		collection := strings.TrimPrefix(ws.Namespace, f.chaincode+"~")
		for _, key := range finalKeys(ws) {
			item := WorkItem{
				ChannelID:   channelID,
				BlockNumber: blockNumber,
				TxID:        tx.TxID,
				Collection:  collection,
				Key:         key,
				TxDate:      tx.TxDate,
			}
			if !f.matches(item) {
				log.Debugf("Filter expression rejected %s", item)
				continue
			}
			items = append(items, item)
		}
	}
	return items
}

func (f *Filter) writeSets(tx TransactionRecord) []NamespaceWriteSet {
	var relevant []NamespaceWriteSet
	for _, ws := range tx.Writes {
		for collection := range f.collections {
			if ws.Namespace == PrivateNamespace(f.chaincode, collection) {
				relevant = append(relevant, ws)
				break
			}
		}
	}
	return relevant
}

// finalKeys returns the keys whose final write within the set is a live
// write, in first-seen order.
func finalKeys(ws NamespaceWriteSet) []string {
	var order []string
	last := map[string]WriteEntry{}
	for _, w := range ws.Writes {
		if _, seen := last[w.Key]; !seen {
			order = append(order, w.Key)
		}
		last[w.Key] = w
	}
	var keys []string
	for _, key := range order {
		if last[key].IsDelete {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (f *Filter) matches(item WorkItem) bool {
	if f.expr == nil {
		return true
	}
	result, err := f.expr.Evaluate(map[string]interface{}{
		"collection":  item.Collection,
		"key":         item.Key,
		"txId":        item.TxID,
		"blockNumber": float64(item.BlockNumber),
	})
	if err != nil {
		log.Warnf("Filter expression failed for %s: %v", item, err)
		return false
	}
	matched, ok := result.(bool)
	return ok && matched
}
