package vfs

import (
	"context"
	"strings"
	"syscall"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// RootNode is the mountpoint directory. It contains HEAD plus the ref
// namespace ("refs/heads/...", "refs/tags/..."), each ref a browsable tree.
type RootNode struct {
	fs.Inode
	view *View
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

// OnAdd builds the ref hierarchy. The manifest is a snapshot, so the set of
// refs is fixed for the lifetime of the mount; only object content is lazy.
func (r *RootNode) OnAdd(ctx context.Context) {
	if head := r.view.Head(); head != "" {
		hf := &headFile{data: []byte("ref: " + head + "\n")}
		child := r.NewPersistentInode(ctx, hf, fs.StableAttr{
			Mode: syscall.S_IFREG,
			Ino:  stableIno("HEAD"),
		})
		r.AddChild("HEAD", child, true)
	}

	for _, name := range r.view.RefNames() {
		tip, ok := r.view.Tip(name)
		if !ok {
			continue
		}
		r.addRef(ctx, name, tip)
	}
}

// addRef creates the namespace directories leading to a ref and hangs the
// ref's tree directory off the last one.
func (r *RootNode) addRef(ctx context.Context, name string, tip plumbing.Hash) {
	segs := strings.Split(name, "/")
	parent := &r.Inode
	path := ""
	for _, seg := range segs[:len(segs)-1] {
		if path == "" {
			path = seg
		} else {
			path = path + "/" + seg
		}
		child := parent.GetChild(seg)
		if child == nil {
			child = parent.NewPersistentInode(ctx, &nsDir{path: path}, fs.StableAttr{
				Mode: syscall.S_IFDIR,
				Ino:  stableIno(path),
			})
			parent.AddChild(seg, child, true)
		}
		parent = child
	}

	td := &treeDir{view: r.view, id: tip, path: name}
	leaf := parent.NewPersistentInode(ctx, td, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(name),
	})
	parent.AddChild(segs[len(segs)-1], leaf, true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0755
	out.Ino = stableIno("/")
	return fs.OK
}

// nsDir is a ref namespace level ("refs", "refs/heads"). Its children are
// persistent inodes, so the default lookup and readdir serve them.
type nsDir struct {
	fs.Inode
	path string
}

var _ = (fs.NodeGetattrer)((*nsDir)(nil))

func (d *nsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0755
	out.Ino = stableIno(d.path)
	return fs.OK
}

// headFile tells the reader which ref is the default branch, in the shape
// git uses for .git/HEAD.
type headFile struct {
	fs.Inode
	data []byte
}

var _ = (fs.NodeGetattrer)((*headFile)(nil))
var _ = (fs.NodeOpener)((*headFile)(nil))
var _ = (fs.NodeReader)((*headFile)(nil))

func (f *headFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(f.data))
	out.Ino = stableIno("HEAD")
	return fs.OK
}

func (f *headFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (f *headFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(f.data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	return fuse.ReadResultData(f.data[off:end]), fs.OK
}
