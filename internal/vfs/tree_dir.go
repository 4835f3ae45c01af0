package vfs

import (
	"context"
	"syscall"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// treeDir serves one tree of the object graph as a directory. At a ref root
// the id is the ref tip (commit or tag) and is peeled to its tree on first
// use; below that it is a tree id directly.
type treeDir struct {
	fs.Inode
	view *View
	id   plumbing.Hash
	path string
}

var _ = (fs.NodeLookuper)((*treeDir)(nil))
var _ = (fs.NodeReaddirer)((*treeDir)(nil))
var _ = (fs.NodeGetattrer)((*treeDir)(nil))

func (d *treeDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0755
	out.Ino = stableIno(d.path)
	return fs.OK
}

func (d *treeDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	tree, err := d.view.Tree(ctx, d.id)
	if err != nil {
		return nil, errnoOf(err)
	}
	entries := make([]fuse.DirEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		mode, ok := entryMode(e.Mode)
		if !ok {
			continue
		}
		entries = append(entries, fuse.DirEntry{
			Name: e.Name,
			Mode: mode,
			Ino:  stableIno(d.path + "/" + e.Name),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *treeDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tree, err := d.view.Tree(ctx, d.id)
	if err != nil {
		return nil, errnoOf(err)
	}
	for _, e := range tree.Entries {
		if e.Name != name {
			continue
		}
		path := d.path + "/" + e.Name
		switch e.Mode {
		case filemode.Dir:
			child := d.NewInode(ctx, &treeDir{view: d.view, id: e.ID, path: path}, fs.StableAttr{
				Mode: syscall.S_IFDIR,
				Ino:  stableIno(path),
			})
			return child, fs.OK
		case filemode.Regular, filemode.Executable, filemode.Deprecated:
			f := &blobFile{view: d.view, id: e.ID, exec: e.Mode == filemode.Executable, path: path}
			child := d.NewInode(ctx, f, fs.StableAttr{
				Mode: syscall.S_IFREG,
				Ino:  stableIno(path),
			})
			return child, fs.OK
		case filemode.Symlink:
			l := &symlinkNode{view: d.view, id: e.ID, path: path}
			child := d.NewInode(ctx, l, fs.StableAttr{
				Mode: syscall.S_IFLNK,
				Ino:  stableIno(path),
			})
			return child, fs.OK
		default:
			// Submodule commits live in another repository.
			return nil, syscall.ENOENT
		}
	}
	return nil, syscall.ENOENT
}

func entryMode(m filemode.FileMode) (uint32, bool) {
	switch m {
	case filemode.Dir:
		return syscall.S_IFDIR, true
	case filemode.Regular, filemode.Executable, filemode.Deprecated:
		return syscall.S_IFREG, true
	case filemode.Symlink:
		return syscall.S_IFLNK, true
	default:
		return 0, false
	}
}

// blobFile serves one blob's bytes.
type blobFile struct {
	fs.Inode
	view *View
	id   plumbing.Hash
	exec bool
	path string
}

var _ = (fs.NodeGetattrer)((*blobFile)(nil))
var _ = (fs.NodeOpener)((*blobFile)(nil))
var _ = (fs.NodeReader)((*blobFile)(nil))

func (f *blobFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	o, err := f.view.Object(ctx, f.id)
	if err != nil {
		return errnoOf(err)
	}
	out.Mode = 0444
	if f.exec {
		out.Mode = 0555
	}
	out.Size = uint64(len(o.Data))
	out.Ino = stableIno(f.path)
	return fs.OK
}

func (f *blobFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (f *blobFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	o, err := f.view.Object(ctx, f.id)
	if err != nil {
		return nil, errnoOf(err)
	}
	data := o.Data
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), fs.OK
}

// symlinkNode serves a symlink blob; the blob's bytes are the target path.
type symlinkNode struct {
	fs.Inode
	view *View
	id   plumbing.Hash
	path string
}

var _ = (fs.NodeGetattrer)((*symlinkNode)(nil))
var _ = (fs.NodeReadlinker)((*symlinkNode)(nil))

func (l *symlinkNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0777
	out.Ino = stableIno(l.path)
	return fs.OK
}

func (l *symlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	o, err := l.view.Object(ctx, l.id)
	if err != nil {
		return nil, errnoOf(err)
	}
	return o.Data, fs.OK
}
