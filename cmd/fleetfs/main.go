package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cberner/fleetfs/pkg/client"
	"github.com/cberner/fleetfs/pkg/config"
	"github.com/cberner/fleetfs/pkg/log"
	"github.com/cberner/fleetfs/pkg/raft"
	"github.com/cberner/fleetfs/pkg/router"
	"github.com/cberner/fleetfs/pkg/server"
	"github.com/cberner/fleetfs/pkg/storage"
	"github.com/cberner/fleetfs/pkg/transport"
	"github.com/cberner/fleetfs/pkg/types"
)

// Version information (set via ldflags during build)
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
	Use:   "fleetfs",
	Short: "FleetFS - distributed POSIX-like filesystem",
	Long: `FleetFS is a distributed filesystem served by a cluster of storage
nodes. Mutating operations are ordered through replicated logs, one per
consensus group; reads are served by any node after a freshness handshake.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("FleetFS version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(readyCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(checksumCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOutput,
	})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a storage node",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		nodeID, _ := cmd.Flags().GetUint64("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cluster, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if _, ok := cluster.NodeAddress(types.NodeID(nodeID)); !ok {
			return fmt.Errorf("node %d not declared in cluster config", nodeID)
		}
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		wal, err := raft.OpenWAL(dataDir)
		if err != nil {
			return err
		}
		defer wal.Close()

		pool := transport.NewPool(cluster, types.NodeID(nodeID))
		defer pool.Close()

		manager, err := raft.NewManager(cluster, types.NodeID(nodeID), wal, store, pool)
		if err != nil {
			return err
		}
		manager.Start()
		defer manager.Stop()

		if metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Logger.Error().Err(err).Msg("metrics endpoint failed")
				}
			}()
		}

		listener, err := net.Listen("tcp", bindAddr)
		if err != nil {
			return fmt.Errorf("failed to bind %s: %w", bindAddr, err)
		}

		srv := server.New(router.New(manager, pool, store))

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-signals
			log.Logger.Info().Msg("shutting down")
			srv.Shutdown()
		}()

		return srv.Serve(listener)
	},
}

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Wait until every local group on a node has elected a leader",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("server")
		c := client.New(addr)
		defer c.Close()
		if err := c.FilesystemReady(); err != nil {
			return err
		}
		fmt.Println("ready")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a filesystem consistency check on a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("server")
		c := client.New(addr)
		defer c.Close()
		if err := c.FilesystemCheck(); err != nil {
			return fmt.Errorf("filesystem check failed: %w", err)
		}
		fmt.Println("clean")
		return nil
	},
}

var checksumCmd = &cobra.Command{
	Use:   "checksum",
	Short: "Print per-group data checksums of a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("server")
		c := client.New(addr)
		defer c.Close()
		checksums, err := c.FilesystemChecksum()
		if err != nil {
			return err
		}
		for _, sum := range checksums {
			fmt.Printf("group %d: %s\n", sum.Group, hex.EncodeToString(sum.Checksum))
		}
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "cluster.yaml", "Cluster config file")
	serverCmd.Flags().Uint64("node-id", 0, "This node's id in the cluster config")
	serverCmd.Flags().String("bind", ":8090", "Address to listen on")
	serverCmd.Flags().String("data-dir", "./data", "Data directory")
	serverCmd.Flags().String("metrics-addr", "", "Prometheus metrics listen address (disabled when empty)")

	for _, c := range []*cobra.Command{readyCmd, checkCmd, checksumCmd} {
		c.Flags().String("server", "localhost:8090", "Address of a storage node")
	}
}
