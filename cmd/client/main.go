package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	cfgpkg "sst/telemetry/pkg/config"
	"sst/telemetry/pkg/feedhttp"
	"sst/telemetry/pkg/logging"
	"sst/telemetry/pkg/monitor"
	"sst/telemetry/pkg/registry"
	"sst/telemetry/pkg/resolve"
	"sst/telemetry/pkg/session"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "client",
		Short:        "Server state telemetry client",
		SilenceUsage: true,
		Version:      version,
		RunE:         func(cmd *cobra.Command, args []string) error { return runCmd(cfgPath) },
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "config/client.json", "client config file (json); SST_* env overrides it")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect to every registered server and stream telemetry",
			RunE:  func(cmd *cobra.Command, args []string) error { return runCmd(cfgPath) },
		},
		serversCmd(&cfgPath),
		keygenCmd(),
		serviceCmd(&cfgPath),
	)
	return cmd
}

func loadConfig(path string) (cfgpkg.ClientConfig, error) {
	cfg, err := cfgpkg.LoadClientConfig(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func runCmd(cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	closer := logging.Setup("client", cfg.Dir, logging.Rotation{MaxSizeMB: cfg.MaxSizeMB, MaxBackups: cfg.MaxBackups, MaxAgeDays: cfg.MaxAgeDays})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg)
}

// run wires the registry, sessions, feed and HTTP surface and blocks until
// ctx is done.
func run(ctx context.Context, cfg cfgpkg.ClientConfig) error {
	if logging.Debug() {
		log.Printf("[BOOT] debug on, version=%s", version)
	}
	store, err := registry.Open(cfg.RegistryPath, cfg.RegistryKey)
	if err != nil {
		return err
	}

	tlsCfg, err := clientTLS(cfg.CAFile)
	if err != nil {
		return err
	}
	dialer := &session.TLSDialer{Timeout: cfg.DialTimeout.Duration, Config: tlsCfg}
	if len(cfg.DNSServers) > 0 {
		dialer.Resolver = resolve.NewMultiResolver(cfg.DNSServers, 2*time.Second, 30*time.Second)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mgr := session.NewManager(dialer,
		session.WithClientID(cfg.ClientID),
		session.WithRetryDelay(cfg.RetryDelay.Duration),
		session.WithMetrics(session.NewMetrics(reg)),
	)
	feed := session.NewFeed(mgr)
	mon := monitor.New(store, mgr, feed, monitor.WithReconnectInterval(cfg.ReconnectInterval.Duration))

	log.Printf("[BOOT] client %s starting with %d registered server(s) from %s", version, len(store.List()), store.Path())
	mon.Start(ctx)

	httpErr := make(chan error, 1)
	if cfg.ListenAddr != "" {
		go func() { httpErr <- feedhttp.New(mon, mgr, feed, reg).ListenAndServe(ctx, cfg.ListenAddr) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-httpErr:
		if runErr != nil {
			runErr = fmt.Errorf("feed http: %w", runErr)
		}
	}
	log.Printf("[BOOT] shutting down")
	mgr.CloseAll()
	if !waitTimeout(feed.Wait, 5*time.Second) {
		log.Printf("[BOOT] readers still busy after 5s, exiting anyway")
	}
	return runErr
}

func clientTLS(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca_file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("ca_file holds no PEM certificates")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// waitTimeout runs wait and reports whether it returned within d.
func waitTimeout(wait func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
