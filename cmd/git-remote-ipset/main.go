package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/systemshift/git-remote-ipset/internal/config"
	"github.com/systemshift/git-remote-ipset/internal/gitdag"
	"github.com/systemshift/git-remote-ipset/internal/ipfs"
	"github.com/systemshift/git-remote-ipset/internal/ledger"
	"github.com/systemshift/git-remote-ipset/internal/protocol"
	"github.com/systemshift/git-remote-ipset/internal/remote"
)

// git invokes the helper as `git-remote-ipset <remote> <url>` with the
// protocol on stdin/stdout. Everything human-readable goes to stderr; a
// single stray line on stdout corrupts the exchange.
func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: git-remote-ipset <remote> ipset://<ip-set-id>")
	}
	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logrus.SetLevel(logrus.WarnLevel)
	if os.Getenv("GIT_TRANSPORT_HELPER_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("remote", flag.Arg(0))

	ipSetID, err := parseIPSetID(flag.Arg(1))
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	gitDir := os.Getenv("GIT_DIR")
	if gitDir == "" {
		gitDir = "."
	}
	local, err := gitdag.Open(gitDir)
	if err != nil {
		log.Fatalf("open local repository: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := ipfs.NewClient(cfg.IPFSAPI)
	if !store.IsAvailable(ctx) {
		log.Warnf("content store not reachable at %s", cfg.IPFSAPI)
	}

	// Pushes need a signer; fetches do not. A missing or unreadable key is
	// reported when a push actually happens.
	var signer *ledger.Identity
	idPath, err := config.IdentityPath()
	if err == nil {
		signer, err = ledger.LoadIdentity(idPath)
	}
	if err != nil {
		log.WithError(err).Warn("identity unavailable, pushes will fail")
		signer = nil
	}

	sess := remote.NewSession(remote.SessionConfig{
		IPSetID: ipSetID,
		Local:   local,
		Store:   store,
		Ledger:  ledger.NewHTTPClient(cfg.LedgerAPI, cfg.FinalityBudget()),
		Signer:  signer,
		Workers: cfg.TransferWorkers,
		Retries: cfg.PushRetries,
		Log:     log,
	})

	eng := protocol.NewEngine(sess, os.Stdin, os.Stdout, log)
	if err := eng.Run(ctx); err != nil {
		log.Fatalf("session failed: %v", err)
	}
}

// parseIPSetID accepts both url syntax (ipset://<id>) and git's transport
// helper syntax (ipset::<id>, which arrives with or without the prefix).
func parseIPSetID(arg string) (string, error) {
	id := arg
	switch {
	case strings.HasPrefix(arg, "ipset://"):
		id = strings.TrimPrefix(arg, "ipset://")
	case strings.HasPrefix(arg, "ipset::"):
		id = strings.TrimPrefix(arg, "ipset::")
	}
	id = strings.TrimSuffix(id, "/")
	if id == "" || strings.ContainsAny(id, "/ \t") {
		return "", fmt.Errorf("malformed ip set url %q", arg)
	}
	return id, nil
}
