package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/corelink-net/corelink/pkg/node"
	"github.com/corelink-net/corelink/pkg/transfer"
)

var (
	flagStorage   string
	flagListen    []string
	flagOffer     []string
	flagAPIAddr   string
	flagService   string
	flagBatch     int
	flagTimeout   time.Duration
	flagNoMDNS    bool
	flagLogLevel  string
	flagStatusInt time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "corelink",
		Short: "Peer-to-peer file distribution node",
		Long: `corelink runs a local-network file distribution node. Offered files
are announced to every discovered peer; offers received from peers are
downloaded automatically, verified chunk by chunk and placed under the
storage directory once complete.`,
		RunE: run,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&flagStorage, "storage", "storage", "storage root for uploads, downloads and completed files")
	flags.StringArrayVar(&flagListen, "listen", nil, "multiaddrs to listen on (default: TCP and QUIC on random ports)")
	flags.StringArrayVar(&flagOffer, "offer", nil, "file to offer at startup (repeatable)")
	flags.StringVar(&flagAPIAddr, "api", "", "listen address for the websocket event feed, e.g. 127.0.0.1:9090")
	flags.StringVar(&flagService, "service", "", "mDNS service name override")
	flags.IntVar(&flagBatch, "batch", 5, "chunk request batch size")
	flags.DurationVar(&flagTimeout, "timeout", 10*time.Second, "per-chunk request timeout")
	flags.BoolVar(&flagNoMDNS, "no-mdns", false, "disable local peer discovery")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.DurationVar(&flagStatusInt, "status-interval", 30*time.Second, "how often to print transfer status")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := logging.SetLogLevel("*", flagLogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
	}

	cfg := node.DefaultConfig()
	cfg.Transfer.StoragePath = flagStorage
	cfg.Transfer.BatchSize = flagBatch
	cfg.Transfer.RequestTimeout = flagTimeout
	cfg.ServiceName = flagService
	cfg.EnableDiscovery = !flagNoMDNS
	cfg.APIAddr = flagAPIAddr
	if len(flagListen) > 0 {
		cfg.Host.ListenAddrs = flagListen
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	fmt.Printf("node %s up\n", n.Host().ID())
	for _, addr := range n.Host().Addrs() {
		fmt.Printf("  listening on %s/p2p/%s\n", addr, n.Host().ID())
	}

	for _, path := range flagOffer {
		manifest, err := n.Offer(path)
		if err != nil {
			return fmt.Errorf("failed to offer %s: %w", path, err)
		}
		fmt.Printf("offering %s  id=%s  (%d bytes, %d chunks)\n",
			manifest.Name, manifest.FileID, manifest.Size, manifest.TotalChunks)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	status := time.NewTicker(flagStatusInt)
	defer status.Stop()

	for {
		select {
		case <-sig:
			fmt.Println("shutting down")
			return nil
		case <-status.C:
			printStatus(n)
		}
	}
}

func printStatus(n *node.Node) {
	peers := n.Peers()
	sessions := n.Sessions()
	fmt.Printf("peers: %d, downloads: %d\n", len(peers), len(sessions))
	for _, p := range sessions {
		switch {
		case p.Failure != transfer.FailNone:
			fmt.Printf("  %s  %s (%s) %d%%\n", p.Name, p.Status, p.Failure, p.Percent)
		default:
			fmt.Printf("  %s  %s %d%%\n", p.Name, p.Status, p.Percent)
		}
	}
}
