package fetch

import (
	"strings"
	"time"

	"github.com/hyperledger/fabric-sdk-go/pkg/client/channel"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/errors/status"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/fab"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	grpccodes "google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/kfsoftware/hlf-privsync/pkg/extract"
)

// Terminal fetch outcomes. Anything else returned by Fetch is transient
// and may be retried by the caller.
var (
	// ErrUnauthorized means our organization is not a member of the
	// collection's policy. Retrying cannot change that.
	ErrUnauthorized = errors.New("not authorized for collection")
	// ErrNotFound means no authorized peer holds the payload anymore:
	// it was purged past the collection's block-to-live, or never
	// replicated to the peers we may ask.
	ErrNotFound = errors.New("private data not found")
)

// PrivateDataValue is one fetched private payload. It lives only long
// enough to be upserted into the sink.
type PrivateDataValue struct {
	Collection  string
	Key         string
	TxID        string
	Value       []byte
	BlockNumber uint64
	TxDate      time.Time
}

// QueryClient is the slice of the SDK channel client the fetcher needs.
type QueryClient interface {
	Query(request channel.Request, options ...channel.RequestOption) (channel.Response, error)
}

const defaultQueryFunc = "GetPrivateData"

// Fetcher retrieves private payloads from peers that are authorized for
// the target collection. It performs exactly one query attempt per Fetch
// call; retry policy belongs to the worker pool.
type Fetcher struct {
	client      QueryClient
	chaincode   string
	queryFunc   string
	localMSPID  string
	collections map[string]CollectionConfig
	targets     map[string][]fab.Peer
}

func New(client QueryClient, chaincode string, localMSPID string, collections []CollectionConfig, targets map[string][]fab.Peer) *Fetcher {
	byName := map[string]CollectionConfig{}
	for _, c := range collections {
		byName[c.Name] = c
	}
	return &Fetcher{
		client:      client,
		chaincode:   chaincode,
		queryFunc:   defaultQueryFunc,
		localMSPID:  localMSPID,
		collections: byName,
		targets:     targets,
	}
}

// WithQueryFunc overrides the chaincode function queried for private data.
func (f *Fetcher) WithQueryFunc(fn string) *Fetcher {
	f.queryFunc = fn
	return f
}

// Fetch queries one authorized peer for the private value behind a
// WorkItem. The membership check happens before any network call: an
// unauthorized caller fails fast and must not burn a query on it.
func (f *Fetcher) Fetch(item extract.WorkItem) (*PrivateDataValue, error) {
	collection, known := f.collections[item.Collection]
	if !known {
		return nil, errors.Wrapf(ErrUnauthorized, "collection %s is not configured", item.Collection)
	}
	if !collection.member(f.localMSPID) {
		return nil, errors.Wrapf(ErrUnauthorized, "%s is not a member of collection %s", f.localMSPID, item.Collection)
	}
	peers := f.targets[item.Collection]
	if len(peers) == 0 {
		// No authorized peer is currently reachable; transient.
		return nil, errors.Errorf("no authorized peers for collection %s", item.Collection)
	}
	response, err := f.client.Query(
		channel.Request{
			ChaincodeID: f.chaincode,
			Fcn:         f.queryFunc,
			Args:        [][]byte{[]byte(item.Collection), []byte(item.Key)},
		},
		channel.WithTargets(peers...),
	)
	if err != nil {
		return nil, classify(err)
	}
	if len(response.Payload) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "empty payload for key %s in collection %s", item.Key, item.Collection)
	}
	log.Debugf("Fetched %d bytes for %s", len(response.Payload), item)
	return &PrivateDataValue{
		Collection:  item.Collection,
		Key:         item.Key,
		TxID:        item.TxID,
		Value:       response.Payload,
		BlockNumber: item.BlockNumber,
		TxDate:      item.TxDate,
	}, nil
}

// classify maps a query error onto the fetch taxonomy. Chaincode-level
// statuses carry HTTP-ish codes; transport failures stay transient.
func classify(err error) error {
	if st, ok := status.FromError(err); ok {
		switch st.Group {
		case status.ChaincodeStatus, status.EndorserServerStatus:
			switch st.Code {
			case 403:
				return errors.Wrap(ErrUnauthorized, st.Message)
			case 404:
				return errors.Wrap(ErrNotFound, st.Message)
			}
		}
	}
	switch grpcstatus.Code(errors.Cause(err)) {
	case grpccodes.PermissionDenied:
		return errors.Wrap(ErrUnauthorized, err.Error())
	case grpccodes.NotFound:
		return errors.Wrap(ErrNotFound, err.Error())
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "does not have read access"), strings.Contains(msg, "unauthorized"):
		return errors.Wrap(ErrUnauthorized, err.Error())
	case strings.Contains(msg, "private data matching public hash version is not available"), strings.Contains(msg, "does not exist"):
		return errors.Wrap(ErrNotFound, err.Error())
	}
	return err
}
