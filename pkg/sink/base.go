package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kfsoftware/hlf-privsync/pkg/fetch"
)

// Sink persists fetched private values. Upsert must be idempotent under
// re-delivery of the same (collection, key, txID): storing the same value
// again is a no-op success, which is what makes at-least-once replay safe.
type Sink interface {
	Upsert(value *fetch.PrivateDataValue) error
	Close() error
}

const (
	CollectionKey  = "_privsync_collection"
	FabricKeyField = "_privsync_key"
	TxIDKey        = "_privsync_txid"
	BlockKey       = "_privsync_block"
	TxDateKey      = "_privsync_tx_date"
)

// DocumentID is the deterministic identity a value is stored under.
func DocumentID(value *fetch.PrivateDataValue) string {
	return fmt.Sprintf("%s:%s:%s", value.Collection, value.Key, value.TxID)
}

// Document renders the payload for the document sinks. JSON payloads keep
// their structure; anything else lands under "value".
func Document(value *fetch.PrivateDataValue) map[string]interface{} {
	var data map[string]interface{}
	if err := json.Unmarshal(value.Value, &data); err != nil {
		data = map[string]interface{}{
			"value": string(value.Value),
		}
	}
	data[CollectionKey] = value.Collection
	data[FabricKeyField] = value.Key
	data[TxIDKey] = value.TxID
	data[BlockKey] = value.BlockNumber
	if !value.TxDate.IsZero() {
		data[TxDateKey] = value.TxDate.UTC().Format(time.RFC3339)
	}
	return data
}
