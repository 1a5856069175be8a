package fuse

import (
	"context"
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// RootNode is the mountpoint directory. Contains "issues/", "status/" and
// "labels/".
type RootNode struct {
	fs.Inode
	*view
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	children := []struct {
		name string
		node fs.InodeEmbedder
	}{
		{"issues", &IssuesDir{view: r.view}},
		{"status", &StatusRootDir{view: r.view}},
		{"labels", &LabelsRootDir{view: r.view}},
	}
	for _, c := range children {
		inode := r.NewPersistentInode(ctx, c.node, fs.StableAttr{
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(c.name),
		})
		r.AddChild(c.name, inode, true)
	}
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("/")
	return fs.OK
}

// IssuesDir lists every issue by id.
type IssuesDir struct {
	fs.Inode
	*view
}

var _ = (fs.NodeLookuper)((*IssuesDir)(nil))
var _ = (fs.NodeReaddirer)((*IssuesDir)(nil))
var _ = (fs.NodeGetattrer)((*IssuesDir)(nil))

func (d *IssuesDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("issues")
	return fs.OK
}

func (d *IssuesDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	ids, err := d.issues.ListIssueIDs()
	if err != nil {
		return nil, d.errno("list issues", err)
	}
	entries := make([]fuse.DirEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, fuse.DirEntry{
			Name: strconv.FormatUint(id, 10),
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(issuePath(id)),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *IssuesDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, ok := parseID(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	exists, err := d.issues.IssueExists(id)
	if err != nil {
		return nil, d.errno("lookup issue "+name, err)
	}
	if !exists {
		return nil, syscall.ENOENT
	}
	out.Mode = syscall.S_IFDIR | 0555
	child := &IssueDir{view: d.view, id: id}
	return d.NewInode(ctx, child, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(issuePath(id)),
	}), fs.OK
}
