package fetch

import (
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/context"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/fab"
	log "github.com/sirupsen/logrus"
)

// CollectionConfig names a private data collection and the organizations
// that are members of its policy. Only peers of member organizations can
// serve the collection's values.
type CollectionConfig struct {
	Name       string   `mapstructure:"name"`
	MemberOrgs []string `mapstructure:"memberOrgs"`
}

func (c CollectionConfig) member(mspID string) bool {
	for _, org := range c.MemberOrgs {
		if org == mspID {
			return true
		}
	}
	return false
}

// MaxPeerLag is how many blocks a peer's ledger may trail the channel
// height before we stop sending it private data queries.
const MaxPeerLag = 1000

// CollectionTargets discovers the channel's peers and groups the ones
// eligible for private-data queries by collection: the peer's org must be
// a collection member and its ledger close enough to the channel height
// that the data we ask for has been committed there.
func CollectionTargets(ctxChannel context.Channel, collections []CollectionConfig) (map[string][]fab.Peer, error) {
	discovery, err := ctxChannel.ChannelService().Discovery()
	if err != nil {
		return nil, err
	}
	peers, err := discovery.GetPeers()
	if err != nil {
		return nil, err
	}
	height := channelHeight(peers)
	targets := map[string][]fab.Peer{}
	for _, collection := range collections {
		for _, peer := range peers {
			if !collection.member(peer.MSPID()) {
				continue
			}
			if height-peerHeight(peer) > MaxPeerLag {
				log.Warnf("Peer %s lags channel height %d, skipping for collection %s", peer.URL(), height, collection.Name)
				continue
			}
			targets[collection.Name] = append(targets[collection.Name], peer)
		}
		log.Infof("Collection %s has %d eligible peers", collection.Name, len(targets[collection.Name]))
	}
	return targets, nil
}

func channelHeight(peers []fab.Peer) int {
	height := 0
	for _, peer := range peers {
		if h := peerHeight(peer); h > height {
			height = h
		}
	}
	return height
}

func peerHeight(peer fab.Peer) int {
	props := peer.Properties()
	h, ok := props[fab.PropertyLedgerHeight].(uint64)
	if !ok {
		return 0
	}
	return int(h)
}
