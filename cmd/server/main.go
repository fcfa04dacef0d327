package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"sst/telemetry/pkg/config"
	"sst/telemetry/pkg/emitter"
	"sst/telemetry/pkg/logging"
	"sst/telemetry/pkg/proto"
	"sst/telemetry/pkg/sampler"
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
		Use:          "server",
		Short:        "Server state telemetry emitter",
		SilenceUsage: true,
		Version:      version,
		RunE:         func(cmd *cobra.Command, args []string) error { return runCmd(cfgPath) },
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "config/server.json", "server config file (json); SST_* env overrides it")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Serve host telemetry to authenticated clients",
			RunE:  func(cmd *cobra.Command, args []string) error { return runCmd(cfgPath) },
		},
		keygenCmd(),
		gencertCmd(),
	)
	return cmd
}

func runCmd(cfgPath string) error {
	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	closer := logging.Setup("server", cfg.Dir, logging.Rotation{MaxSizeMB: cfg.MaxSizeMB, MaxBackups: cfg.MaxBackups, MaxAgeDays: cfg.MaxAgeDays})
	defer closer.Close()

	secret, _ := proto.ParseSecret(cfg.Secret)
	cert, err := serverCert(cfg.TLS)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := emitter.New(sampler.New(cfg.Mounts), secret, cfg.Interval.Duration)
	go watchConfig(ctx, cfgPath, srv, secret)
	return srv.ListenAndServeTLS(ctx, cfg.Addr, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
}

// serverCert loads the configured key pair or, when none is configured,
// one generated for this host under data/.
func serverCert(t config.TLSConfig) (tls.Certificate, error) {
	if t.CertFile != "" {
		return tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	}
	hn, _ := os.Hostname()
	cert, err := emitter.LoadOrGenerate(filepath.Join("data", "cert.pem"), filepath.Join("data", "key.pem"), []string{hn, "localhost", "127.0.0.1"})
	if err == nil {
		log.Printf("[BOOT] using self-signed certificate data/cert.pem; distribute it to clients as ca_file")
	}
	return cert, err
}

// watchConfig swaps the shared secret when the config file changes. Other
// settings need a restart.
func watchConfig(ctx context.Context, path string, srv *emitter.Server, current proto.Secret) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[CONFIG] watcher error: %v", err)
		return
	}
	defer w.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		log.Printf("[CONFIG] abs path error: %v", err)
		return
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		log.Printf("[CONFIG] watch add error: %v", err)
		return
	}
	last := current.String()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || filepath.Base(ev.Name) != filepath.Base(abs) {
				continue
			}
			sc, err := config.LoadServerConfig(abs)
			if err != nil {
				log.Printf("[CONFIG] reload failed: %v", err)
				continue
			}
			secret, err := proto.ParseSecret(sc.Secret)
			if err != nil {
				log.Printf("[CONFIG] reload ignored, secret invalid: %v", err)
				continue
			}
			if s := secret.String(); s != last {
				last = s
				srv.SetSecret(secret)
			}
		case err := <-w.Errors:
			log.Printf("[CONFIG] watch error: %v", err)
		}
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new 64 hex character shared secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := make([]byte, proto.SecretSize)
			if _, err := rand.Read(b); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(b))
			return nil
		},
	}
}

func gencertCmd() *cobra.Command {
	var certFile, keyFile string
	cmd := &cobra.Command{
		Use:   "gencert <host>...",
		Short: "Write a self-signed certificate for the given names and addresses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			certPEM, keyPEM, err := emitter.GenerateCertPair(args)
			if err != nil {
				return err
			}
			if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certFile, keyFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&certFile, "cert", "cert.pem", "certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "key.pem", "private key output path")
	return cmd
}
