package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Operative-001/ringnet/internal/config"
	"github.com/Operative-001/ringnet/internal/contract"
	"github.com/Operative-001/ringnet/internal/crypto"
	"github.com/Operative-001/ringnet/internal/eventlog"
	"github.com/Operative-001/ringnet/internal/metrics"
	"github.com/Operative-001/ringnet/internal/node"
	"github.com/Operative-001/ringnet/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "ringnet",
	Short: "A peer-to-peer key/value overlay on a ring.",
	Long: `ringnet runs a node of a small-world overlay network.

Nodes take a place on a ring of locations in [0,1), keep a bounded set of
neighbors and route put, get and subscribe requests greedily towards the
location of each key, storing values on every hop they pass.`,
	SilenceUsage: true,
}

// loadConfig builds the settings from the config file, if any, and the
// flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("data") {
		cfg.DataDir, _ = flags.GetString("data")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("gateway-peer") {
		peers, _ := flags.GetStringSlice("gateway-peer")
		cfg.Gateways = nil
		for _, p := range peers {
			key, addr, ok := strings.Cut(p, "@")
			if !ok {
				return cfg, fmt.Errorf("gateway %q: want <hex key>@<multiaddr>", p)
			}
			cfg.Gateways = append(cfg.Gateways, config.Gateway{Addr: addr, PublicKey: key})
		}
	}
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("gateway") {
		cfg.Gateway, _ = flags.GetBool("gateway")
		if cfg.Gateway && !flags.Changed("listen") && cfg.Listen == config.DefaultListen {
			cfg.Listen = fmt.Sprintf("0.0.0.0:%d", config.DefaultGatewayPort)
		}
	}
	if flags.Changed("public-addr") {
		cfg.PublicAddr, _ = flags.GetString("public-addr")
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddr, _ = flags.GetString("metrics")
	}
	return cfg, cfg.Validate()
}

// ─── keygen ─────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := cfg.IdentityPath()
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("identity already exists at %s (use --force to replace it)", path)
		}

		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := kp.Save(path); err != nil {
			return err
		}
		id, err := kp.PeerID()
		if err != nil {
			return err
		}
		fmt.Printf("\n✓ Identity generated\n")
		fmt.Printf("  Peer id    : %s\n", id)
		fmt.Printf("  Public key : %s\n", kp.PublicKeyHex())
		fmt.Printf("  Saved to   : %s\n\n", path)
		fmt.Println("Gateways publish their public key; joiners pass it as --gateway-peer <key>@<multiaddr>.")
		return nil
	},
}

// ─── run ────────────────────────────────────────────────────────────────────

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := cfg.NewLogger()
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		kp, err := crypto.LoadKeyPair(cfg.IdentityPath())
		if err != nil {
			return fmt.Errorf("no identity at %s, run 'ringnet keygen' first: %w", cfg.IdentityPath(), err)
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return err
		}

		store, err := contract.OpenBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		events := eventlog.Combined{eventlog.NewLogRegister(log)}
		if cfg.EventLog.Enabled {
			file, err := eventlog.OpenFile(cfg.FileOptions(log))
			if err != nil {
				return err
			}
			defer file.Close()
			events = append(events, file)
		}

		m := metrics.New()
		if cfg.MetricsAddr != "" {
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		n, err := startNode(cfg, kp, store, events, log, m)
		if err != nil {
			return err
		}
		defer n.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if len(cfg.Gateways) > 0 {
			joinCtx, cancel := context.WithTimeout(ctx, cfg.Ops.ConnectTTL)
			if err := n.Join(joinCtx); err != nil {
				log.Warn("initial join failed, maintenance will retry", zap.Error(err))
			}
			cancel()
		}

		c := n.Contact()
		fmt.Printf("\n  Peer id   : %s\n", n.PeerID())
		fmt.Printf("  Public key: %s\n", kp.PublicKeyHex())
		fmt.Printf("  Listening : %s\n", n.LocalAddr())
		if c.Addr != "" {
			fmt.Printf("  Public    : %s\n", c.Addr)
		}
		if c.Peer.HasLocation() {
			fmt.Printf("  Location  : %s\n", c.Peer.Location)
		}
		if cfg.Gateway {
			addr := c.Addr
			if addr == "" {
				addr = n.LocalAddr().String()
			}
			if m, err := config.GatewayMultiaddr(addr); err == nil {
				fmt.Printf("  Join with : --gateway-peer %s@%s\n", kp.PublicKeyHex(), m)
			}
		}
		if cfg.MetricsAddr != "" {
			fmt.Printf("  Metrics   : http://%s/metrics\n", cfg.MetricsAddr)
		}
		fmt.Printf("  Data      : %s\n\n", cfg.DataDir)

		<-ctx.Done()
		fmt.Println("\nShutting down.")
		return nil
	},
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func startNode(cfg config.Config, kp *crypto.KeyPair, store contract.Store, events eventlog.Register, log *zap.Logger, m *metrics.Metrics) (*node.Node, error) {
	conn, err := transport.ListenUDP(cfg.Listen)
	if err != nil {
		return nil, err
	}
	nc, err := cfg.NodeConfig(kp, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	nc.Store = store
	nc.Events = events
	nc.Logger = log
	nc.Metrics = m
	n, err := node.New(nc)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := n.Start(context.Background()); err != nil {
		n.Stop()
		return nil, err
	}
	return n, nil
}

// clientNode starts a throwaway node with a fresh identity that joins
// through the configured gateways.
func clientNode(ctx context.Context, cmd *cobra.Command) (*node.Node, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Gateways) == 0 {
		return nil, nil, errors.New("no gateways configured, pass --gateway-peer or a config file")
	}
	if !cmd.Flags().Changed("log-level") {
		cfg.LogLevel = "warn"
	}
	cfg.Gateway = false
	cfg.Listen = config.DefaultListen
	log, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	n, err := startNode(cfg, kp, contract.NewMemoryStore(), eventlog.Discard{}, log, metrics.New())
	if err != nil {
		return nil, nil, err
	}
	if err := n.Join(ctx); err != nil {
		n.Stop()
		return nil, nil, err
	}
	return n, func() { n.Stop(); log.Sync() }, nil //nolint:errcheck
}

func opContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() { cancel(); stop() }
}

// ─── put ────────────────────────────────────────────────────────────────────

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a value in the network",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := opContext(cmd)
		defer cancel()
		n, done, err := clientNode(ctx, cmd)
		if err != nil {
			return err
		}
		defer done()

		key := contract.Key(args[0])
		value := strings.Join(args[1:], " ")
		params, _ := cmd.Flags().GetString("params")
		var p contract.Params
		if params != "" {
			p = contract.Params(params)
		}
		if err := n.Put(ctx, key, contract.Value(value), p); err != nil {
			return err
		}
		fmt.Printf("✓ stored %q at %s\n", key, key.Location())
		return nil
	},
}

// ─── get ────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a value from the network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := opContext(cmd)
		defer cancel()
		n, done, err := clientNode(ctx, cmd)
		if err != nil {
			return err
		}
		defer done()

		key := contract.Key(args[0])
		v, err := n.Get(ctx, key)
		if err != nil {
			return err
		}
		fmt.Println(string(v))

		if watch, _ := cmd.Flags().GetBool("watch"); !watch {
			return nil
		}
		updates, unsubscribe, err := n.Subscribe(ctx, key)
		if err != nil {
			return err
		}
		defer unsubscribe()
		for {
			select {
			case v, ok := <-updates:
				if !ok {
					return nil
				}
				fmt.Println(string(v))
			case <-ctx.Done():
				return nil
			}
		}
	},
}

// ─── status ─────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the node identity and its recent network events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		kp, err := crypto.LoadKeyPair(cfg.IdentityPath())
		if err != nil {
			fmt.Println("No identity found. Run 'ringnet keygen' to create one.")
			return nil
		}
		id, err := kp.PeerID()
		if err != nil {
			return err
		}
		fmt.Printf("Peer id    : %s\n", id)
		fmt.Printf("Public key : %s\n", kp.PublicKeyHex())

		if _, err := os.Stat(cfg.EventLogPath()); err != nil {
			fmt.Println("Event log  : none")
			return nil
		}
		file, err := eventlog.OpenFile(cfg.FileOptions(zap.NewNop()))
		if err != nil {
			return err
		}
		defer file.Close()

		limit, _ := cmd.Flags().GetInt("events")
		events, err := file.Events(limit)
		if err != nil {
			return err
		}
		fmt.Printf("Event log  : %s (%d records)\n", cfg.EventLogPath(), file.Len())
		for _, e := range events {
			fmt.Printf("  %s  %-18s", e.At.Format(time.RFC3339), e.Kind)
			if e.Key != "" {
				fmt.Printf(" key=%s", e.Key)
			}
			if e.Other != "" {
				fmt.Printf(" peer=%s", e.Other)
			}
			fmt.Println()
		}

		routes, err := file.RouteEvents(eventlog.MaxHistory)
		if err != nil {
			return err
		}
		ok := 0
		for _, r := range routes {
			if r.Success {
				ok++
			}
		}
		fmt.Printf("Routes     : %d ok of %d\n", ok, len(routes))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("data", config.Default().DataDir, "Data directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringSlice("gateway-peer", nil, "Gateway as <hex key>@<multiaddr>, e.g. ab12…@/ip4/203.0.113.7/udp/7800")

	keygenCmd.Flags().Bool("force", false, "Replace an existing identity")

	runCmd.Flags().String("listen", config.DefaultListen, "UDP listen address")
	runCmd.Flags().Bool("gateway", false, "Accept connections from unknown peers")
	runCmd.Flags().String("public-addr", "", "Address peers reach this node at")
	runCmd.Flags().String("metrics", "", "Serve Prometheus metrics on this address")

	for _, cmd := range []*cobra.Command{putCmd, getCmd} {
		cmd.Flags().Duration("timeout", 90*time.Second, "Give up after this long")
	}
	putCmd.Flags().String("params", "", "Contract parameters stored with the value")
	getCmd.Flags().Bool("watch", false, "Keep printing new values until interrupted")

	statusCmd.Flags().Int("events", 20, "How many recent events to show")

	rootCmd.AddCommand(keygenCmd, runCmd, putCmd, getCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
