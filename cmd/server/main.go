package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrkv/discovery"
	"github.com/ryandielhenn/zephyrkv/internal/config"
	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
	"github.com/ryandielhenn/zephyrkv/pkg/kv"
	"github.com/ryandielhenn/zephyrkv/pkg/node"
	"github.com/ryandielhenn/zephyrkv/pkg/rpc"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

const (
	bootstrapAttempts = 5
	bootstrapBackoff  = 500 * time.Millisecond
	shutdownTimeout   = 5 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type flagValues struct {
	configPath    string
	name          string
	peerHost      string
	peerPort      int
	clientAddr    string
	bootstrap     string
	etcdEndpoints []string
	capacity      int
	logLevel      string
	logFormat     string
}

func newRootCommand() *cobra.Command {
	var fv flagValues
	cmd := &cobra.Command{
		Use:          "zephyrkv",
		Short:        "Run a zephyrkv node",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(fv.configPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(os.Getenv); err != nil {
				return err
			}
			applyFlags(cmd.Flags(), &fv, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			lg, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer lg.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, lg)
		},
	}

	bindFlags(cmd.Flags(), &fv)
	return cmd
}

func bindFlags(fs *pflag.FlagSet, fv *flagValues) {
	fs.StringVarP(&fv.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&fv.name, "name", "", "node name (default random)")
	fs.StringVar(&fv.peerHost, "peer-host", "", "advertised host for peer traffic")
	fs.IntVar(&fv.peerPort, "peer-port", 0, "port for peer traffic")
	fs.StringVar(&fv.clientAddr, "client-addr", "", "listen address for the client API")
	fs.StringVar(&fv.bootstrap, "bootstrap", "", "seed identity, name=host:port")
	fs.StringSliceVar(&fv.etcdEndpoints, "etcd", nil, "etcd endpoints for seed discovery")
	fs.IntVar(&fv.capacity, "capacity", 0, "store capacity in bytes")
	fs.StringVar(&fv.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&fv.logFormat, "log-format", "", "json or console")
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(fs *pflag.FlagSet, fv *flagValues, cfg *config.Config) {
	if fs.Changed("name") {
		cfg.Name = fv.name
	}
	if fs.Changed("peer-host") {
		cfg.PeerHost = fv.peerHost
	}
	if fs.Changed("peer-port") {
		cfg.PeerPort = fv.peerPort
	}
	if fs.Changed("client-addr") {
		cfg.ClientAddr = fv.clientAddr
	}
	if fs.Changed("bootstrap") {
		cfg.Bootstrap = fv.bootstrap
	}
	if fs.Changed("etcd") {
		cfg.Etcd.Endpoints = fv.etcdEndpoints
	}
	if fs.Changed("capacity") {
		cfg.StoreCapacity = fv.capacity
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = fv.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = fv.logFormat
	}
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(ctx context.Context, cfg config.Config, lg *zap.Logger) (err error) {
	telemetry.SetBuildInfo(version, gitSHA)
	self := cfg.Identity()
	lg = lg.With(zap.String("node", self.Name))

	// 1. Everything that can fail before a listener is up
	seed, haveSeed, err := cfg.Seed()
	if err != nil {
		return err
	}
	var cli *clientv3.Client
	if len(cfg.Etcd.Endpoints) > 0 {
		cli, err = discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			return fmt.Errorf("etcd: %w", err)
		}
		defer cli.Close()
	}

	store := kv.NewStore(cfg.StoreCapacity, kv.WithStoreLogger(lg.Named("kv")))
	hc := &http.Client{Transport: &http.Transport{
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}}
	svc, err := gossip.New(cfg.Membership(), rpc.Dialer(hc), gossip.WithLogger(lg.Named("gossip")))
	if err != nil {
		return err
	}
	n := node.NewNode(svc, store, cfg.ClientAddr, lg.Named("node"))

	// 2. Listeners; from here on every exit goes through shutdown
	peerSrv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.PeerPort)),
		Handler:           rpc.NewServer(svc, store, lg.Named("rpc")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	clientSrv := &http.Server{
		Addr:              cfg.ClientAddr,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{peerSrv, clientSrv} {
		g.Go(func() error {
			lg.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	defer func() {
		svc.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range []*http.Server{clientSrv, peerSrv} {
			if err := srv.Shutdown(sctx); err != nil {
				lg.Warn("shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		if werr := g.Wait(); err == nil {
			err = werr
		}
	}()

	// 3. Seed discovery and registration
	if cli != nil {
		if !haveSeed {
			peers, err := discovery.ListPeers(gctx, cli, cfg.Etcd.Prefix)
			if err != nil {
				lg.Warn("etcd seed lookup failed", zap.Error(err))
			}
			seed, haveSeed = discovery.PickSeed(peers, self)
		}
		unregister, err := discovery.RegisterNode(gctx, cli, cfg.Etcd.Prefix, self, cfg.Etcd.LeaseTTL, lg.Named("discovery"))
		if err != nil {
			return err
		}
		defer unregister()
	}

	if haveSeed {
		bootstrap(gctx, svc, seed, lg)
	}
	svc.Start()

	if cli != nil {
		go discovery.WatchPeers(gctx, cli, cfg.Etcd.Prefix, lg.Named("discovery"), func(peers []gossip.Identity) {
			joinUnknown(gctx, svc, peers, lg)
		})
	}

	// 4. Wait for a signal or a listener failure; the deferred shutdown drains
	<-gctx.Done()
	lg.Info("shutting down")
	return nil
}

// bootstrap retries the seed a few times; a node that cannot reach its seed
// still starts and may be joined later by others.
func bootstrap(ctx context.Context, svc *gossip.Service, seed gossip.Identity, lg *zap.Logger) {
	for attempt := 1; attempt <= bootstrapAttempts; attempt++ {
		err := svc.Bootstrap(ctx, seed)
		if err == nil {
			return
		}
		lg.Warn("bootstrap failed", zap.String("seed", seed.String()), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * bootstrapBackoff):
		}
	}
}

// joinUnknown exchanges state with registered nodes the membership has not
// heard of yet.
func joinUnknown(ctx context.Context, svc *gossip.Service, peers []gossip.Identity, lg *zap.Logger) {
	known := make(map[gossip.Identity]bool)
	for _, m := range svc.Members() {
		known[m.ID] = true
	}
	for _, p := range peers {
		if known[p] || p == svc.Self() {
			continue
		}
		if err := svc.Bootstrap(ctx, p); err != nil {
			lg.Debug("join via registry failed", zap.String("peer", p.String()), zap.Error(err))
		}
	}
}
