package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/systemshift/git-remote-ipset/internal/vfs"
)

func newMountCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "mount <ip-set-id> <mountpoint>",
		Short: "Mount the published state as a read-only filesystem",
		Long: `Mount exposes a snapshot of the published refs as a browsable tree.
Each ref becomes a directory holding the files of its tip commit. The mount
reflects the manifest at mount time; push again and remount to see updates.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, _, store, err := loadRemote(ctx, args[0])
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("ip set %s has never been published to", args[0])
			}

			mountpoint := args[1]
			if err := os.MkdirAll(mountpoint, 0o755); err != nil {
				return err
			}
			server, err := vfs.Mount(mountpoint, vfs.NewView(m, store), debug)
			if err != nil {
				return fmt.Errorf("mount %s: %w", mountpoint, err)
			}

			go func() {
				<-ctx.Done()
				if err := server.Unmount(); err != nil {
					logrus.Errorf("unmount: %v", err)
				}
			}()

			fmt.Printf("mounted %s at %s\n", args[0], mountpoint)
			fmt.Printf("interrupt to unmount, or: fusermount -u %s\n", mountpoint)
			server.Wait()
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log the FUSE message stream")
	return cmd
}
