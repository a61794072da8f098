package extract

import (
	"fmt"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset/kvrwset"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BlockRecord is a parsed block: the portion of a committed block this
// pipeline cares about. Blocks carry only the hashes of private values,
// never the values themselves.
type BlockRecord struct {
	ChannelID string
	Number    uint64
	Txs       []TransactionRecord
}

type TransactionRecord struct {
	TxID   string
	Valid  bool
	TxDate time.Time
	Writes []NamespaceWriteSet
}

// NamespaceWriteSet holds the writes of one transaction under one
// namespace. Private-data namespaces use the form
// "<chaincodeName>~<collectionName>"; public namespaces are the plain
// chaincode name.
type NamespaceWriteSet struct {
	Namespace string
	Writes    []WriteEntry
}

// WriteEntry is one key write. For private namespaces ValueHash is set and
// the value bytes are absent; collections keep the key public and hash
// only the value, so the key comes through as-is.
type WriteEntry struct {
	Key       string
	ValueHash []byte
	IsDelete  bool
}

// ParseBlock lowers a raw block into a BlockRecord. Non-endorser
// transactions (config updates and the like) are skipped.
func ParseBlock(block *cb.Block) (*BlockRecord, error) {
	if block == nil || block.Header == nil || block.Data == nil {
		return nil, errors.New("malformed block: missing header or data")
	}
	record := &BlockRecord{
		Number: block.Header.Number,
	}
	flags := validationFlags(block)
	for i, txData := range block.Data.Data {
		env := &cb.Envelope{}
		if err := proto.Unmarshal(txData, env); err != nil {
			return nil, errors.Wrapf(err, "unmarshal envelope %d in block %d", i, block.Header.Number)
		}
		payload := &cb.Payload{}
		if err := proto.Unmarshal(env.Payload, payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal payload from envelope failed")
		}
		if payload.Header == nil {
			return nil, errors.Errorf("envelope %d in block %d has no header", i, block.Header.Number)
		}
		chdr := &cb.ChannelHeader{}
		if err := proto.Unmarshal(payload.Header.ChannelHeader, chdr); err != nil {
			return nil, errors.Wrap(err, "unmarshal channel header failed")
		}
		if record.ChannelID == "" {
			record.ChannelID = chdr.ChannelId
		}
		if cb.HeaderType(chdr.Type) != cb.HeaderType_ENDORSER_TRANSACTION {
			log.Debugf("Skipping %s in block %d", cb.HeaderType(chdr.Type), block.Header.Number)
			continue
		}
		tx := TransactionRecord{
			TxID:  chdr.TxId,
			Valid: flags.valid(i),
		}
		if chdr.Timestamp != nil {
			txDate, err := ptypes.Timestamp(chdr.Timestamp)
			if err == nil {
				tx.TxDate = txDate
			}
		}
		writes, err := txWrites(payload.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "extract writes of tx %s", chdr.TxId)
		}
		tx.Writes = writes
		record.Txs = append(record.Txs, tx)
	}
	return record, nil
}

func txWrites(txBytes []byte) ([]NamespaceWriteSet, error) {
	tx := &pb.Transaction{}
	if err := proto.Unmarshal(txBytes, tx); err != nil {
		return nil, errors.Wrap(err, "unmarshal transaction failed")
	}
	var sets []NamespaceWriteSet
	for _, action := range tx.Actions {
		ccAction, err := chaincodeAction(action.Payload)
		if err != nil {
			log.Debugf("Failed to get action %v", err)
			continue
		}
		txRWSet := &rwset.TxReadWriteSet{}
		if err := proto.Unmarshal(ccAction.Results, txRWSet); err != nil {
			return nil, errors.Wrap(err, "unmarshal rwset failed")
		}
		for _, ns := range txRWSet.NsRwset {
			if len(ns.Rwset) > 0 {
				kvSet := &kvrwset.KVRWSet{}
				if err := proto.Unmarshal(ns.Rwset, kvSet); err != nil {
					return nil, errors.Wrapf(err, "unmarshal kv rwset of namespace %s", ns.Namespace)
				}
				if len(kvSet.Writes) > 0 {
					sets = append(sets, publicWrites(ns.Namespace, kvSet))
				}
			}
			for _, coll := range ns.CollectionHashedRwset {
				hashed := &kvrwset.HashedRWSet{}
				if err := proto.Unmarshal(coll.HashedRwset, hashed); err != nil {
					return nil, errors.Wrapf(err, "unmarshal hashed rwset of collection %s", coll.CollectionName)
				}
				if len(hashed.HashedWrites) == 0 {
					continue
				}
				sets = append(sets, collectionWrites(ns.Namespace, coll.CollectionName, hashed))
			}
		}
	}
	return sets, nil
}

func publicWrites(namespace string, kvSet *kvrwset.KVRWSet) NamespaceWriteSet {
	ws := NamespaceWriteSet{Namespace: namespace}
	for _, w := range kvSet.Writes {
		ws.Writes = append(ws.Writes, WriteEntry{
			Key:      w.Key,
			IsDelete: w.IsDelete,
		})
	}
	return ws
}

func collectionWrites(namespace, collection string, hashed *kvrwset.HashedRWSet) NamespaceWriteSet {
	ws := NamespaceWriteSet{Namespace: PrivateNamespace(namespace, collection)}
	for _, w := range hashed.HashedWrites {
		ws.Writes = append(ws.Writes, WriteEntry{
			Key:       string(w.KeyHash),
			ValueHash: w.ValueHash,
			IsDelete:  w.IsDelete,
		})
	}
	return ws
}

// PrivateNamespace composes the write-set namespace of a private data
// collection.
func PrivateNamespace(chaincode, collection string) string {
	return fmt.Sprintf("%s~%s", chaincode, collection)
}

func chaincodeAction(actionPayload []byte) (*pb.ChaincodeAction, error) {
	ccPayload := &pb.ChaincodeActionPayload{}
	if err := proto.Unmarshal(actionPayload, ccPayload); err != nil {
		return nil, errors.Wrap(err, "unmarshal chaincode action payload failed")
	}
	if ccPayload.Action == nil {
		return nil, errors.New("transaction action has no chaincode action")
	}
	prp := &pb.ProposalResponsePayload{}
	if err := proto.Unmarshal(ccPayload.Action.ProposalResponsePayload, prp); err != nil {
		return nil, errors.Wrap(err, "unmarshal proposal response payload failed")
	}
	ccAction := &pb.ChaincodeAction{}
	if err := proto.Unmarshal(prp.Extension, ccAction); err != nil {
		return nil, errors.Wrap(err, "unmarshal chaincode action failed")
	}
	return ccAction, nil
}

type txFlags []uint8

func validationFlags(block *cb.Block) txFlags {
	if block.Metadata == nil || len(block.Metadata.Metadata) <= int(cb.BlockMetadataIndex_TRANSACTIONS_FILTER) {
		return nil
	}
	return txFlags(block.Metadata.Metadata[cb.BlockMetadataIndex_TRANSACTIONS_FILTER])
}

// valid reports whether tx i committed as VALID. Blocks without a
// transactions filter are treated as all-valid, matching what the peer
// does for pre-validation blocks.
func (f txFlags) valid(i int) bool {
	if i >= len(f) {
		return true
	}
	return pb.TxValidationCode(f[i]) == pb.TxValidationCode_VALID
}
