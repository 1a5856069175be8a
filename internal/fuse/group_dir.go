package fuse

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gitissue/gitissue/internal/issue"
	"github.com/gitissue/gitissue/internal/issuestore"
)

// StatusRootDir lists one directory per status.
type StatusRootDir struct {
	fs.Inode
	*view
}

var _ = (fs.NodeLookuper)((*StatusRootDir)(nil))
var _ = (fs.NodeReaddirer)((*StatusRootDir)(nil))
var _ = (fs.NodeGetattrer)((*StatusRootDir)(nil))

func (d *StatusRootDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("status")
	return fs.OK
}

func (d *StatusRootDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, 0, len(issue.Statuses))
	for _, s := range issue.Statuses {
		entries = append(entries, fuse.DirEntry{
			Name: s.String(),
			Mode: syscall.S_IFDIR,
			Ino:  stableIno("status/" + s.String()),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *StatusRootDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	for _, s := range issue.Statuses {
		if s.String() != name {
			continue
		}
		dir := "status/" + name
		out.Mode = syscall.S_IFDIR | 0555
		return d.NewInode(ctx, &GroupDir{view: d.view, dir: dir, filter: issuestore.StatusFilter(s)}, fs.StableAttr{
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(dir),
		}), fs.OK
	}
	return nil, syscall.ENOENT
}

// LabelsRootDir lists one directory per label in use on any issue.
type LabelsRootDir struct {
	fs.Inode
	*view
}

var _ = (fs.NodeLookuper)((*LabelsRootDir)(nil))
var _ = (fs.NodeReaddirer)((*LabelsRootDir)(nil))
var _ = (fs.NodeGetattrer)((*LabelsRootDir)(nil))

func (d *LabelsRootDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("labels")
	return fs.OK
}

// validLabelDir reports whether a label can be shown as a directory name.
func validLabelDir(label string) bool {
	return label != "" && label != "." && label != ".." && !strings.ContainsAny(label, "/\x00")
}

func (d *LabelsRootDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	all, err := d.issues.ListIssues(issuestore.Filter{})
	if err != nil {
		return nil, d.errno("list labels", err)
	}
	seen := make(map[string]bool)
	for _, is := range all {
		for _, l := range is.Labels {
			if validLabelDir(l) {
				seen[l] = true
			}
		}
	}
	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	entries := make([]fuse.DirEntry, 0, len(labels))
	for _, l := range labels {
		entries = append(entries, fuse.DirEntry{
			Name: l,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno("labels/" + l),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *LabelsRootDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !validLabelDir(name) {
		return nil, syscall.ENOENT
	}
	filter := issuestore.Filter{Label: name}
	probe := filter
	probe.Limit = 1
	found, err := d.issues.ListIssues(probe)
	if err != nil {
		return nil, d.errno("lookup label "+name, err)
	}
	if len(found) == 0 {
		return nil, syscall.ENOENT
	}
	dir := "labels/" + name
	out.Mode = syscall.S_IFDIR | 0555
	return d.NewInode(ctx, &GroupDir{view: d.view, dir: dir, filter: filter}, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(dir),
	}), fs.OK
}

// GroupDir lists the issues matching filter as symlinks into issues/.
type GroupDir struct {
	fs.Inode
	*view
	dir    string
	filter issuestore.Filter
}

var _ = (fs.NodeLookuper)((*GroupDir)(nil))
var _ = (fs.NodeReaddirer)((*GroupDir)(nil))
var _ = (fs.NodeGetattrer)((*GroupDir)(nil))

func (d *GroupDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.dir)
	return fs.OK
}

func (d *GroupDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	matches, err := d.issues.ListIssues(d.filter)
	if err != nil {
		return nil, d.errno("list "+d.dir, err)
	}
	return fs.NewListDirStream(linkEntries(d.dir, matches)), fs.OK
}

func (d *GroupDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, ok := parseID(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	is, err := d.issues.GetIssue(id)
	if err != nil {
		return nil, d.errno("lookup "+d.dir+"/"+name, err)
	}
	ok, err = d.filter.Match(is)
	if err != nil {
		return nil, d.errno("match "+d.dir, err)
	}
	if !ok {
		return nil, syscall.ENOENT
	}
	out.Mode = syscall.S_IFLNK | 0777
	return d.NewInode(ctx, &IssueLink{id: id}, fs.StableAttr{
		Mode: syscall.S_IFLNK,
		Ino:  stableIno(d.dir + "/" + name),
	}), fs.OK
}

// IssueLink points from a group directory back to issues/<id>.
type IssueLink struct {
	fs.Inode
	id uint64
}

var _ = (fs.NodeReadlinker)((*IssueLink)(nil))
var _ = (fs.NodeGetattrer)((*IssueLink)(nil))

func (l *IssueLink) target() string {
	return "../../issues/" + strconv.FormatUint(l.id, 10)
}

func (l *IssueLink) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(l.target()), fs.OK
}

func (l *IssueLink) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0777 | syscall.S_IFLNK
	out.Size = uint64(len(l.target()))
	return fs.OK
}
