package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/systemshift/git-remote-ipset/internal/config"
	"github.com/systemshift/git-remote-ipset/internal/gitdag"
	"github.com/systemshift/git-remote-ipset/internal/ipfs"
	"github.com/systemshift/git-remote-ipset/internal/pack"
)

func newLsRemoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls-remote <ip-set-id>",
		Short: "List the refs published to an ip set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, _, err := loadRemote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if m == nil {
				return nil
			}
			if tip, ok := m.Tip(m.Head); ok {
				fmt.Printf("%s\tHEAD\n", tip)
			}
			for _, name := range m.RefNames() {
				tip, _ := m.Tip(name)
				fmt.Printf("%s\t%s\n", tip, name)
			}
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ip-set-id>",
		Short: "Summarize the published state of an ip set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, addr, _, err := loadRemote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ip set:    %s\n", args[0])
			if m == nil {
				fmt.Printf("published: no\n")
				return nil
			}
			fmt.Printf("manifest:  %s\n", addr)
			fmt.Printf("head:      %s\n", m.Head)
			fmt.Printf("refs:      %d\n", len(m.Refs))
			fmt.Printf("objects:   %d\n", len(m.Objects))
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <ip-set-id> <object-id>",
		Short: "Print one published object, like git cat-file -p",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h := plumbing.NewHash(args[1])
			if h.String() != strings.ToLower(args[1]) {
				return fmt.Errorf("malformed object id %q", args[1])
			}
			m, _, store, err := loadRemote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("ip set %s has never been published to", args[0])
			}
			o, _, err := fetchObject(cmd, store, m, h)
			if err != nil {
				return err
			}
			if o.Kind != gitdag.KindTree {
				_, err := os.Stdout.Write(o.Data)
				return err
			}
			for _, e := range o.Entries {
				typ := "blob"
				switch e.Mode {
				case filemode.Dir:
					typ = "tree"
				case filemode.Submodule:
					typ = "commit"
				}
				fmt.Printf("%s %s %s\t%s\n", strings.TrimPrefix(e.Mode.String(), "0"), typ, e.ID, e.Name)
			}
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <ip-set-id> <dir>",
		Short: "Write the manifest and every object envelope to a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, addr, store, err := loadRemote(ctx, args[0])
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("ip set %s has never been published to", args[0])
			}
			dir := args[1]
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			data, err := store.Get(ctx, addr)
			if err != nil {
				return fmt.Errorf("manifest %s: %w", addr, err)
			}
			if err := writeEnvelope(dir, addr, data); err != nil {
				return err
			}

			ids := make([]plumbing.Hash, 0, len(m.Objects))
			for h := range m.Objects {
				ids = append(ids, h)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

			for _, h := range ids {
				_, data, err := fetchObject(cmd, store, m, h)
				if err != nil {
					return err
				}
				oaddr, _ := m.AddressOf(h)
				if err := writeEnvelope(dir, oaddr, data); err != nil {
					return err
				}
			}
			fmt.Printf("exported the manifest and %d objects to %s\n", len(ids), dir)
			return nil
		},
	}
}

// fetchObject downloads one indexed object and checks that the payload
// decodes to the id the manifest promised. It returns the decoded object
// along with the raw envelope bytes.
func fetchObject(cmd *cobra.Command, store *ipfs.Client, m *pack.Manifest, h plumbing.Hash) (*gitdag.Object, []byte, error) {
	addr, ok := m.AddressOf(h)
	if !ok {
		return nil, nil, fmt.Errorf("object %s is not indexed by this ip set", h)
	}
	logrus.Debugf("fetch %s from %s", h, addr)
	data, err := store.Get(cmd.Context(), addr)
	if err != nil {
		return nil, nil, fmt.Errorf("object %s: %w", h, err)
	}
	o, err := pack.DecodeObject(data)
	if err != nil {
		return nil, nil, fmt.Errorf("object %s: %w", h, err)
	}
	if o.ID != h {
		return nil, nil, fmt.Errorf("object %s: %w: content at %s decodes to %s", h, pack.ErrCorrupt, addr, o.ID)
	}
	return o, data, nil
}

func writeEnvelope(dir, addr string, data []byte) error {
	name, err := ipfs.Filename(addr)
	if err != nil {
		return fmt.Errorf("address %s: %w", addr, err)
	}
	return config.SafeWrite(filepath.Join(dir, name), data, 0o644)
}
