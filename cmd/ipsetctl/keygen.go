package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systemshift/git-remote-ipset/internal/config"
	"github.com/systemshift/git-remote-ipset/internal/ledger"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the signing identity if missing and print its DID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.IdentityPath()
			if err != nil {
				return err
			}
			id, err := ledger.LoadIdentity(path)
			if err != nil {
				return err
			}
			fmt.Println(id.DID)
			return nil
		},
	}
}
