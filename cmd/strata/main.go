package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratastore/strata/pkg/admin"
	"github.com/stratastore/strata/pkg/block"
	"github.com/stratastore/strata/pkg/config"
	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/log"
	"github.com/stratastore/strata/pkg/metrics"
	"github.com/stratastore/strata/pkg/model"
	"github.com/stratastore/strata/pkg/repair"
	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/rpc"
	"github.com/stratastore/strata/pkg/security"
	"github.com/stratastore/strata/pkg/table"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "strata",
	Short:   "Strata node: content-addressed block storage and CRDT-replicated metadata",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("strata version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("config", "/etc/strata/strata.yaml", "Path to the node config file")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus /metrics listen address")
	serveCmd.Flags().Duration("repair-interval", 24*time.Hour, "Interval between automatic repair-driver sweeps")
	serveCmd.Flags().Int("resync-workers", 8, "Number of concurrent block resync workers")
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node's RPC server, background workers and repair driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		repairInterval, _ := cmd.Flags().GetDuration("repair-interval")
		resyncWorkers, _ := cmd.Flags().GetInt("resync-workers")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		self, err := cfg.ResolvedNodeID()
		if err != nil {
			return err
		}
		psk, err := security.ParsePSK(cfg.RPCSecret)
		if err != nil {
			return err
		}

		log.Logger.Info().Str("node_id", self.String()).Str("bind", cfg.RPCBindAddr).Msg("starting strata node")

		bdb, err := db.Open(cfg.MetadataDir + "/node.db")
		if err != nil {
			return fmt.Errorf("open metadata db: %w", err)
		}
		defer bdb.Close()

		sys, err := rpc.NewSystem(rpc.Config{Self: self, PSK: psk, DefaultTimeout: 10 * time.Second})
		if err != nil {
			return fmt.Errorf("build rpc system: %w", err)
		}
		if err := sys.Listen(cfg.RPCBindAddr); err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.RPCBindAddr, err)
		}
		defer sys.Close()

		publicAddr := cfg.RPCPublicAddr
		if publicAddr == "" {
			publicAddr = sys.Addr()
		}
		sys.AddPeer(self, publicAddr) // self-registration: the ring always lists us as one of our own replicas

		for _, entry := range cfg.BootstrapPeers {
			id, addr, err := config.ParseBootstrapPeer(entry)
			if err != nil {
				return fmt.Errorf("bootstrap_peers: %w", err)
			}
			sys.AddPeer(id, addr)
		}

		members := map[ring.NodeID]ring.NodeInfo{self: {Zone: cfg.Zone, Capacity: cfg.Capacity}}
		for _, entry := range cfg.BootstrapPeers {
			id, _, _ := config.ParseBootstrapPeer(entry)
			members[id] = ring.NodeInfo{}
		}
		watcher := ring.NewWatcher(ring.Build(1, members, cfg.ReplicationMode.N()))
		ringFn := func() block.Ring { return watcher.Current() }
		sharded := table.ShardedReplication{
			RingFn:       func() table.Ring { return watcher.Current() },
			ReadQuorumN:  quorumOf(cfg.ReplicationMode.N()),
			WriteQuorumN: quorumOf(cfg.ReplicationMode.N()),
		}
		full := table.FullReplication{
			Members:      func() []ring.NodeID { return allMembers(watcher.Current()) },
			WriteQuorumN: quorumOf(cfg.ReplicationMode.N()),
		}

		mgr, err := block.NewManager(bdb, sys, block.Config{
			DataDir:          cfg.DataDir,
			MetaDir:          cfg.MetadataDir,
			CompressionLevel: cfg.CompressionLevel,
			WriteQuorum:      sharded.WriteQuorumN,
			ReadQuorum:       sharded.ReadQuorumN,
			RingFn:           ringFn,
		})
		if err != nil {
			return fmt.Errorf("open block manager: %w", err)
		}

		objectCounter, err := model.NewIndexCounter("object_counter", self, full, bdb, sys)
		if err != nil {
			return fmt.Errorf("open object_counter table: %w", err)
		}
		versions, err := table.New[model.VersionEntry]("versions", model.VersionSchema{DB: bdb, BlockManager: mgr}, sharded, bdb, sys, self)
		if err != nil {
			return fmt.Errorf("open versions table: %w", err)
		}
		blockRefs, err := table.New[model.BlockRefEntry]("block_refs", model.BlockRefSchema{DB: bdb, BlockManager: mgr}, sharded, bdb, sys, self)
		if err != nil {
			return fmt.Errorf("open block_refs table: %w", err)
		}
		objects, err := table.New[model.ObjectEntry]("objects", model.ObjectSchema{Counter: objectCounter}, sharded, bdb, sys, self)
		if err != nil {
			return fmt.Errorf("open objects table: %w", err)
		}
		buckets, err := table.New[model.BucketEntry]("buckets", model.BucketSchema{}, full, bdb, sys, self)
		if err != nil {
			return fmt.Errorf("open buckets table: %w", err)
		}
		aliases, err := table.New[model.BucketAliasEntry]("bucket_aliases", model.BucketAliasSchema{}, full, bdb, sys, self)
		if err != nil {
			return fmt.Errorf("open bucket_aliases table: %w", err)
		}
		keys, err := table.New[model.KeyEntry]("keys", model.KeySchema{}, full, bdb, sys, self)
		if err != nil {
			return fmt.Errorf("open keys table: %w", err)
		}

		driver := &repair.Driver{Objects: objects, Versions: versions, BlockRefs: blockRefs, Blocks: mgr}
		admin.Register(sys, &admin.Server{Driver: driver, Counter: objectCounter})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stop := make(chan struct{})

		objects.RunBackgroundWorkers(ctx, stop)
		versions.RunBackgroundWorkers(ctx, stop)
		blockRefs.RunBackgroundWorkers(ctx, stop)
		buckets.RunBackgroundWorkers(ctx, stop)
		aliases.RunBackgroundWorkers(ctx, stop)
		keys.RunBackgroundWorkers(ctx, stop)
		objectCounter.RunBackgroundWorkers(ctx, stop)
		go mgr.RunResyncWorkers(ctx, resyncWorkers)
		go mgr.RunScrubLoop(stop)
		go driver.RunLoop(ctx, stop, repairInterval)
		go func() {
			if err := sys.Serve(ctx); err != nil {
				log.Logger.Error().Err(err).Msg("rpc server stopped")
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		close(stop)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		return nil
	},
}

func quorumOf(n int) int {
	q := n/2 + 1
	if q < 1 {
		return 1
	}
	return q
}

func allMembers(r *ring.Ring) []ring.NodeID {
	out := make([]ring.NodeID, 0, len(r.Members()))
	for id := range r.Members() {
		out = append(out, id)
	}
	return out
}
