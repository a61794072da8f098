package extract_test

import (
	"testing"

	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset/kvrwset"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfsoftware/hlf-privsync/pkg/extract"
	"github.com/kfsoftware/hlf-privsync/pkg/mocks"
)

func piiBlock(number uint64, code pb.TxValidationCode, writes ...*kvrwset.KVWriteHash) *cb.Block {
	return mocks.NewBlock(
		"mychannel",
		number,
		&mocks.TXInfo{
			TxID:             "tx1",
			ChaincodeID:      "mycc",
			TxValidationCode: code,
			HeaderType:       cb.HeaderType_ENDORSER_TRANSACTION,
			Results: mocks.TxResults(&mocks.NsWrites{
				Namespace: "mycc",
				Collections: []*mocks.CollWrites{
					{Collection: "pii", Writes: writes},
				},
			}),
		},
	)
}

func newFilter(t *testing.T, collections []string, expression string) *extract.Filter {
	filter, err := extract.NewFilter("mycc", collections, expression)
	require.NoError(t, err)
	return filter
}

func TestParseBlockCollectionWrites(t *testing.T) {
	block := piiBlock(42, pb.TxValidationCode_VALID, mocks.HashedWrite("alice", []byte(`{"ssn":"123"}`)))
	record, err := extract.ParseBlock(block)
	require.NoError(t, err)
	assert.Equal(t, "mychannel", record.ChannelID)
	assert.Equal(t, uint64(42), record.Number)
	require.Len(t, record.Txs, 1)
	tx := record.Txs[0]
	assert.Equal(t, "tx1", tx.TxID)
	assert.True(t, tx.Valid)
	assert.False(t, tx.TxDate.IsZero())
	require.Len(t, tx.Writes, 1)
	ws := tx.Writes[0]
	assert.Equal(t, "mycc~pii", ws.Namespace)
	require.Len(t, ws.Writes, 1)
	assert.Equal(t, "alice", ws.Writes[0].Key)
	assert.NotEmpty(t, ws.Writes[0].ValueHash)
}

func TestParseBlockSkipsConfigTransactions(t *testing.T) {
	block := mocks.NewBlock(
		"mychannel",
		7,
		&mocks.TXInfo{
			TxID:             "cfg",
			TxValidationCode: pb.TxValidationCode_VALID,
			HeaderType:       cb.HeaderType_CONFIG,
		},
	)
	record, err := extract.ParseBlock(block)
	require.NoError(t, err)
	assert.Empty(t, record.Txs)
}

func TestFilterEndToEndScenario(t *testing.T) {
	// Block #42, one valid tx writing key "alice" in mycc~pii, allow-list
	// {pii}: exactly one WorkItem.
	block := piiBlock(42, pb.TxValidationCode_VALID, mocks.HashedWrite("alice", []byte(`{"ssn":"123"}`)))
	record, err := extract.ParseBlock(block)
	require.NoError(t, err)
	filter := newFilter(t, []string{"pii"}, "")
	items := filter.Items(record.ChannelID, record.Number, record.Txs[0])
	require.Len(t, items, 1)
	assert.Equal(t, extract.WorkItem{
		ChannelID:   "mychannel",
		BlockNumber: 42,
		TxID:        "tx1",
		Collection:  "pii",
		Key:         "alice",
		TxDate:      record.Txs[0].TxDate,
	}, items[0])
	assert.False(t, items[0].TxDate.IsZero())
}

func TestFilterIgnoresInvalidTransactions(t *testing.T) {
	block := piiBlock(42, pb.TxValidationCode_MVCC_READ_CONFLICT, mocks.HashedWrite("alice", []byte("v")))
	record, err := extract.ParseBlock(block)
	require.NoError(t, err)
	require.Len(t, record.Txs, 1)
	assert.False(t, record.Txs[0].Valid)
	filter := newFilter(t, []string{"pii"}, "")
	assert.Empty(t, filter.Items(record.ChannelID, record.Number, record.Txs[0]))
}

func TestFilterSystemNamespacesNeverMatch(t *testing.T) {
	// A write under a reserved namespace yields nothing even when the
	// allow-list happens to contain the namespace's own name.
	block := mocks.NewBlock(
		"mychannel",
		9,
		&mocks.TXInfo{
			TxID:             "tx9",
			ChaincodeID:      "lscc",
			TxValidationCode: pb.TxValidationCode_VALID,
			HeaderType:       cb.HeaderType_ENDORSER_TRANSACTION,
			Results: mocks.TxResults(
				&mocks.NsWrites{
					Namespace: "lscc",
					Writes:    []*kvrwset.KVWrite{{Key: "mycc", Value: []byte("deploy")}},
				},
				&mocks.NsWrites{
					Namespace: "_lifecycle",
					Writes:    []*kvrwset.KVWrite{{Key: "mycc", Value: []byte("commit")}},
				},
			),
		},
	)
	record, err := extract.ParseBlock(block)
	require.NoError(t, err)
	for _, allowList := range [][]string{{"pii"}, {"lscc"}, {"_lifecycle"}, {"lscc", "_lifecycle", "pii"}} {
		filter := newFilter(t, allowList, "")
		assert.Empty(t, filter.Items(record.ChannelID, record.Number, record.Txs[0]))
	}
}

func TestFilterIgnoresCollectionsOutsideAllowList(t *testing.T) {
	block := mocks.NewBlock(
		"mychannel",
		10,
		&mocks.TXInfo{
			TxID:             "tx10",
			ChaincodeID:      "mycc",
			TxValidationCode: pb.TxValidationCode_VALID,
			HeaderType:       cb.HeaderType_ENDORSER_TRANSACTION,
			Results: mocks.TxResults(&mocks.NsWrites{
				Namespace: "mycc",
				Collections: []*mocks.CollWrites{
					{Collection: "internal", Writes: []*kvrwset.KVWriteHash{mocks.HashedWrite("secret", []byte("v"))}},
				},
			}),
		},
	)
	record, err := extract.ParseBlock(block)
	require.NoError(t, err)
	filter := newFilter(t, []string{"pii"}, "")
	assert.Empty(t, filter.Items(record.ChannelID, record.Number, record.Txs[0]))
}

func TestFilterCoalescesWritesPerKey(t *testing.T) {
	block := piiBlock(
		11,
		pb.TxValidationCode_VALID,
		mocks.HashedWrite("alice", []byte("v1")),
		mocks.HashedWrite("bob", []byte("v2")),
		mocks.HashedWrite("alice", []byte("v3")),
	)
	record, err := extract.ParseBlock(block)
	require.NoError(t, err)
	filter := newFilter(t, []string{"pii"}, "")
	items := filter.Items(record.ChannelID, record.Number, record.Txs[0])
	require.Len(t, items, 2)
	assert.Equal(t, "alice", items[0].Key)
	assert.Equal(t, "bob", items[1].Key)
}

func TestFilterDropsKeysDeletedLast(t *testing.T) {
	block := piiBlock(
		12,
		pb.TxValidationCode_VALID,
		mocks.HashedWrite("alice", []byte("v1")),
		mocks.HashedDelete("alice"),
	)
	record, err := extract.ParseBlock(block)
	require.NoError(t, err)
	filter := newFilter(t, []string{"pii"}, "")
	assert.Empty(t, filter.Items(record.ChannelID, record.Number, record.Txs[0]))
}

func TestFilterExpression(t *testing.T) {
	block := piiBlock(
		13,
		pb.TxValidationCode_VALID,
		mocks.HashedWrite("alice", []byte("v1")),
		mocks.HashedWrite("bob", []byte("v2")),
	)
	record, err := extract.ParseBlock(block)
	require.NoError(t, err)
	filter := newFilter(t, []string{"pii"}, "collection == 'pii' && key != 'bob'")
	items := filter.Items(record.ChannelID, record.Number, record.Txs[0])
	require.Len(t, items, 1)
	assert.Equal(t, "alice", items[0].Key)
}

func TestFilterRejectsInvalidExpression(t *testing.T) {
	_, err := extract.NewFilter("mycc", []string{"pii"}, "key ==")
	require.Error(t, err)
}
