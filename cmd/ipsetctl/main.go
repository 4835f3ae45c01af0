// ipsetctl inspects and manages ipset remotes outside of git: listing refs,
// dumping objects, exporting a published set, creating the signing identity,
// and mounting a set as a read-only filesystem.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/systemshift/git-remote-ipset/internal/config"
	"github.com/systemshift/git-remote-ipset/internal/ipfs"
	"github.com/systemshift/git-remote-ipset/internal/ledger"
	"github.com/systemshift/git-remote-ipset/internal/pack"
)

var (
	cfg config.Config

	flagLedgerAPI string
	flagIPFSAPI   string
	flagVerbose   bool
)

func main() {
	root := &cobra.Command{
		Use:          "ipsetctl",
		Short:        "Inspect and manage ipset remotes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagLedgerAPI, "ledger-api", "", "ledger gateway URL (defaults to config)")
	root.PersistentFlags().StringVar(&flagIPFSAPI, "ipfs-api", "", "content store API URL (defaults to config)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logrus.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
		logrus.SetLevel(logrus.WarnLevel)
		if flagVerbose {
			logrus.SetLevel(logrus.DebugLevel)
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if flagLedgerAPI != "" {
			cfg.LedgerAPI = flagLedgerAPI
		}
		if flagIPFSAPI != "" {
			cfg.IPFSAPI = flagIPFSAPI
		}
		return nil
	}

	root.AddCommand(
		newLsRemoteCmd(),
		newShowCmd(),
		newCatCmd(),
		newExportCmd(),
		newKeygenCmd(),
		newMountCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadRemote reads the current manifest of an ip set. A nil manifest means
// the ip set exists but has never been published to.
func loadRemote(ctx context.Context, ipSetID string) (*pack.Manifest, string, *ipfs.Client, error) {
	store := ipfs.NewClient(cfg.IPFSAPI)
	lg := ledger.NewHTTPClient(cfg.LedgerAPI, cfg.FinalityBudget())

	addr, err := lg.ManifestAddress(ctx, ipSetID)
	if err != nil {
		return nil, "", nil, err
	}
	if addr == "" {
		return nil, "", store, nil
	}
	data, err := store.Get(ctx, addr)
	if err != nil {
		return nil, "", nil, fmt.Errorf("manifest %s: %w", addr, err)
	}
	m, err := pack.DecodeManifest(data)
	if err != nil {
		return nil, "", nil, fmt.Errorf("manifest %s: %w", addr, err)
	}
	return m, addr, store, nil
}
