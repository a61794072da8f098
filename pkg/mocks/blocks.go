package mocks

import (
	"crypto/sha256"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset/kvrwset"
	pb "github.com/hyperledger/fabric-protos-go/peer"
)

// Builders for test blocks carrying public and collection-hashed write
// sets, marshaled the way the peer does.

type TXInfo struct {
	TxID             string
	ChaincodeID      string
	TxValidationCode pb.TxValidationCode
	HeaderType       cb.HeaderType
	Results          []byte
}

type CollWrites struct {
	Collection string
	Writes     []*kvrwset.KVWriteHash
}

type NsWrites struct {
	Namespace   string
	Writes      []*kvrwset.KVWrite
	Collections []*CollWrites
}

// HashedWrite builds one collection write: the key stays public, the
// value is carried only as its hash.
func HashedWrite(key string, value []byte) *kvrwset.KVWriteHash {
	h := sha256.Sum256(value)
	return &kvrwset.KVWriteHash{
		KeyHash:   []byte(key),
		ValueHash: h[:],
	}
}

func HashedDelete(key string) *kvrwset.KVWriteHash {
	return &kvrwset.KVWriteHash{
		KeyHash:  []byte(key),
		IsDelete: true,
	}
}

func TxResults(sets ...*NsWrites) []byte {
	txRWSet := &rwset.TxReadWriteSet{
		DataModel: rwset.TxReadWriteSet_KV,
	}
	for _, set := range sets {
		nsRWSet := &rwset.NsReadWriteSet{
			Namespace: set.Namespace,
		}
		kvBytes, err := proto.Marshal(&kvrwset.KVRWSet{
			Writes: set.Writes,
		})
		if err != nil {
			panic(err)
		}
		nsRWSet.Rwset = kvBytes
		for _, coll := range set.Collections {
			hashedBytes, err := proto.Marshal(&kvrwset.HashedRWSet{
				HashedWrites: coll.Writes,
			})
			if err != nil {
				panic(err)
			}
			nsRWSet.CollectionHashedRwset = append(
				nsRWSet.CollectionHashedRwset,
				&rwset.CollectionHashedReadWriteSet{
					CollectionName: coll.Collection,
					HashedRwset:    hashedBytes,
				},
			)
		}
		txRWSet.NsRwset = append(txRWSet.NsRwset, nsRWSet)
	}
	txRWBytes, err := proto.Marshal(txRWSet)
	if err != nil {
		panic(err)
	}
	return txRWBytes
}

func NewTxAction(ccID string, results []byte) *pb.TransactionAction {
	chaincodeAction := &pb.ChaincodeAction{
		ChaincodeId: &pb.ChaincodeID{
			Name: ccID,
		},
		Results: results,
	}
	extBytes, err := proto.Marshal(chaincodeAction)
	if err != nil {
		panic(err)
	}
	prp := &pb.ProposalResponsePayload{
		Extension: extBytes,
	}
	prpBytes, err := proto.Marshal(prp)
	if err != nil {
		panic(err)
	}
	chActionPayload := &pb.ChaincodeActionPayload{
		Action: &pb.ChaincodeEndorsedAction{
			ProposalResponsePayload: prpBytes,
		},
	}
	payloadBytes, err := proto.Marshal(chActionPayload)
	if err != nil {
		panic(err)
	}

	return &pb.TransactionAction{
		Payload: payloadBytes,
		Header:  nil,
	}
}

func NewTx(
	channelID string,
	txInfo *TXInfo,
) *cb.Envelope {
	tx := &pb.Transaction{
		Actions: []*pb.TransactionAction{NewTxAction(txInfo.ChaincodeID, txInfo.Results)},
	}
	txBytes, err := proto.Marshal(tx)
	if err != nil {
		panic(err)
	}
	timestamp, err := ptypes.TimestampProto(time.Now().UTC())
	if err != nil {
		panic(err)
	}
	channelHeader := &cb.ChannelHeader{
		ChannelId: channelID,
		TxId:      txInfo.TxID,
		Type:      int32(txInfo.HeaderType),
		Timestamp: timestamp,
	}
	channelHeaderBytes, err := proto.Marshal(channelHeader)
	if err != nil {
		panic(err)
	}

	payload := &cb.Payload{
		Header: &cb.Header{
			ChannelHeader: channelHeaderBytes,
		},
		Data: txBytes,
	}
	payloadBytes, err := proto.Marshal(payload)
	if err != nil {
		panic(err)
	}

	return &cb.Envelope{
		Payload: payloadBytes,
	}
}

func NewBlock(channelID string, number uint64, transactions ...*TXInfo) *cb.Block {
	var data [][]byte
	txValidationFlags := make([]uint8, len(transactions))
	for i, txInfo := range transactions {
		envBytes, err := proto.Marshal(NewTx(channelID, txInfo))
		if err != nil {
			panic(err)
		}
		data = append(data, envBytes)
		txValidationFlags[i] = uint8(txInfo.TxValidationCode)
	}

	blockMetaData := make([][]byte, 4)
	blockMetaData[cb.BlockMetadataIndex_TRANSACTIONS_FILTER] = txValidationFlags

	return &cb.Block{
		Header:   &cb.BlockHeader{Number: number},
		Metadata: &cb.BlockMetadata{Metadata: blockMetaData},
		Data:     &cb.BlockData{Data: data},
	}
}
