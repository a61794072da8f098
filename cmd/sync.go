package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v2"
	"github.com/elastic/go-elasticsearch/v7"
	"github.com/hyperledger/fabric-sdk-go/pkg/client/channel"
	"github.com/hyperledger/fabric-sdk-go/pkg/client/event"
	"github.com/hyperledger/fabric-sdk-go/pkg/client/ledger"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/fab"
	"github.com/hyperledger/fabric-sdk-go/pkg/core/config"
	"github.com/hyperledger/fabric-sdk-go/pkg/fab/events/deliverclient/seek"
	"github.com/hyperledger/fabric-sdk-go/pkg/fabsdk"
	"github.com/meilisearch/meilisearch-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kfsoftware/hlf-privsync/pkg/events"
	"github.com/kfsoftware/hlf-privsync/pkg/extract"
	"github.com/kfsoftware/hlf-privsync/pkg/fetch"
	"github.com/kfsoftware/hlf-privsync/pkg/pipeline"
	"github.com/kfsoftware/hlf-privsync/pkg/pool"
	"github.com/kfsoftware/hlf-privsync/pkg/progress"
	"github.com/kfsoftware/hlf-privsync/pkg/sink"
)

type Provider string

const (
	MeiliSearch   Provider = "meilisearch"
	ElasticSearch Provider = "elasticsearch"
	Database      Provider = "sql"
)

type options struct {
	configPath  string
	channelName string
	org         string
	user        string
	blockNumber int64
	dataDir     string
}

const DataStoreDirectory = "hlf-privsync.badgerdb"

func NewSyncCmd() *cobra.Command {
	c := options{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Follow a channel and replicate private data into a store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := badger.Open(badger.DefaultOptions(c.dataDir))
			if err != nil {
				return err
			}
			defer db.Close()
			tracker := progress.NewStore(db)

			store, err := newSink(cfg, c.channelName)
			if err != nil {
				return err
			}
			defer store.Close()

			configBackend := config.FromFile(c.configPath)
			sdk, err := fabsdk.New(configBackend)
			if err != nil {
				return err
			}
			defer sdk.Close()
			channelCtx := sdk.ChannelContext(
				c.channelName,
				fabsdk.WithUser(c.user),
				fabsdk.WithOrg(c.org),
			)
			chCtx, err := channelCtx()
			if err != nil {
				return err
			}
			targets, err := fetch.CollectionTargets(chCtx, cfg.Collections)
			if err != nil {
				return err
			}
			allPeers := unionPeers(targets)

			resume, err := resumePoint(c.blockNumber, tracker, c.channelName)
			if err != nil {
				return err
			}
			eventClient, err := event.New(
				channelCtx,
				event.WithBlockEvents(),
				event.WithSeekType(seek.FromBlock),
				event.WithBlockNum(resume),
			)
			if err != nil {
				return err
			}
			ledgerClient, err := ledger.New(channelCtx)
			if err != nil {
				return err
			}
			chClient, err := channel.New(channelCtx)
			if err != nil {
				return err
			}
			mspID := chCtx.Identifier().MSPID
			fetcher := fetch.New(chClient, cfg.Chaincode, mspID, cfg.Collections, targets)
			if cfg.QueryFunction != "" {
				fetcher = fetcher.WithQueryFunc(cfg.QueryFunction)
			}
			filter, err := extract.NewFilter(cfg.Chaincode, cfg.collectionNames(), cfg.FilterExpression)
			if err != nil {
				return err
			}
			metrics := pipeline.NewMetrics()
			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return err
			}
			if cfg.Metrics.ListenAddress != "" {
				go serveMetrics(cfg.Metrics.ListenAddress)
			}
			workers := pool.New(pool.Config{
				Workers:     cfg.Workers,
				QueueSize:   cfg.QueueSize,
				Lease:       cfg.lease(),
				RetryBudget: cfg.RetryBudget,
				Backoff:     cfg.Backoff.policy(),
			}, tracker, fetcher, store, metrics)
			source := events.NewSource(eventClient, ledgerClient, allPeers)
			pipelineResume := c.blockNumber
			if pipelineResume < 0 && viper.IsSet("resumeFromBlock") && viper.GetInt64("resumeFromBlock") >= 0 {
				pipelineResume = viper.GetInt64("resumeFromBlock")
			}
			pipe := pipeline.New(pipeline.Config{
				ChannelID:         c.channelName,
				ResumeFromBlock:   pipelineResume,
				ReconnectAttempts: cfg.ReconnectAttempts,
				ReconnectBackoff:  cfg.Backoff.policy(),
			}, source, filter, tracker, workers, metrics)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				signals := make(chan os.Signal, 1)
				signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
				sig := <-signals
				log.Infof("Received %s, shutting down", sig)
				cancel()
			}()
			log.Infof("Starting from block number: %d", resume)
			return pipe.Run(ctx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.configPath, "config", "", "", "Connection profile for the SDK")
	persistentFlags.StringVarP(&c.channelName, "channel", "", "", "Channel to follow")
	persistentFlags.StringVarP(&c.org, "org", "", "", "Organization of the identity")
	persistentFlags.StringVarP(&c.user, "user", "", "admin", "User of the identity")
	persistentFlags.Int64VarP(&c.blockNumber, "block-number", "", -1, "Block to resume from, overrides stored progress")
	persistentFlags.StringVarP(&c.dataDir, "data-dir", "", DataStoreDirectory, "Directory of the progress store")
	cmd.MarkPersistentFlagRequired("config")
	cmd.MarkPersistentFlagRequired("channel")
	cmd.MarkPersistentFlagRequired("org")
	return cmd
}

func newSink(cfg *Config, channelName string) (sink.Sink, error) {
	switch Provider(cfg.Database.Type) {
	case MeiliSearch:
		meiliClient := meilisearch.NewClient(meilisearch.Config{
			Host:   cfg.Database.URL,
			APIKey: cfg.Database.APIKey,
		})
		if _, err := meiliClient.Indexes().List(); err != nil {
			return nil, err
		}
		return sink.NewMeiliSink(meiliClient, channelName)
	case ElasticSearch:
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cfg.Database.URLs,
			Username:  cfg.Database.User,
			Password:  cfg.Database.Password,
		})
		if err != nil {
			return nil, err
		}
		return sink.NewElasticSink(esClient, channelName), nil
	case Database:
		var driver sink.DriverName
		switch cfg.Database.Driver {
		case sink.PostgresqlDriver:
			driver = sink.PostgresqlDriver
		case sink.MySQLDriver:
			driver = sink.MySQLDriver
		default:
			return nil, errors.Errorf("Driver %s not supported", cfg.Database.Driver)
		}
		return sink.NewDatabaseSink(driver, cfg.Database.DataSource, channelName)
	default:
		return nil, errors.Errorf("No valid provider: %s", cfg.Database.Type)
	}
}

func resumePoint(flagValue int64, tracker *progress.Store, channelName string) (uint64, error) {
	if flagValue >= 0 {
		return uint64(flagValue), nil
	}
	if viper.IsSet("resumeFromBlock") {
		if stored := viper.GetInt64("resumeFromBlock"); stored >= 0 {
			return uint64(stored), nil
		}
	}
	return tracker.Resume(channelName)
}

func unionPeers(targets map[string][]fab.Peer) []fab.Peer {
	seen := map[string]struct{}{}
	var peers []fab.Peer
	for _, collectionPeers := range targets {
		for _, peer := range collectionPeers {
			if _, ok := seen[peer.URL()]; ok {
				continue
			}
			seen[peer.URL()] = struct{}{}
			peers = append(peers, peer)
		}
	}
	return peers
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("Serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Metrics server stopped: %v", err)
	}
}
