package vfs

import (
	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
)

// Mount mounts a view at mountpoint. The returned server blocks in Wait()
// and stops on Unmount().
func Mount(mountpoint string, view *View, debug bool) (*gofuse.Server, error) {
	root := &RootNode{view: view}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "ipset",
			Name:          "ipset",
			DisableXAttrs: true,
			Debug:         debug,
			Options:       []string{"ro"},
		},
	}
	return fs.Mount(mountpoint, root, opts)
}
