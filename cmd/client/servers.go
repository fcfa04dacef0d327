package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sst/telemetry/pkg/registry"
)

func openStore(cfgPath string) (*registry.Store, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return registry.Open(cfg.RegistryPath, cfg.RegistryKey)
}

// serversCmd edits the registry file. A running client picks the change up
// through its file watch.
func serversCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List, add or remove registered servers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List registered servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tENDPOINT")
			for _, r := range store.List() {
				fmt.Fprintf(tw, "%s\t%s\n", r.Name, r.Endpoint())
			}
			return tw.Flush()
		},
	})

	var secret string
	add := &cobra.Command{
		Use:   "add <name> <host:port>",
		Short: "Register a server (replaces one with the same name)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("SST_SERVER_SECRET")
			}
			r, err := registry.ParseRecord(args[0], args[1], secret)
			if err != nil {
				return err
			}
			store, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			if err := store.Add(r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s at %s\n", r.Name, r.Endpoint())
			return nil
		},
	}
	add.Flags().StringVar(&secret, "secret", "", "64 hex character shared secret (or SST_SERVER_SECRET)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a registered server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			return store.Remove(args[0])
		},
	})
	return cmd
}

func keygenCmd() *cobra.Command {
	var fernetKey bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new shared secret, or a registry key with --registry-key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fernetKey {
				fmt.Fprintln(cmd.OutOrStdout(), registry.GenerateKey())
				return nil
			}
			s, err := newSecret()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fernetKey, "registry-key", false, "generate a key for encrypting secrets at rest")
	return cmd
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
