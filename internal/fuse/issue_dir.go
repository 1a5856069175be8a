package fuse

import (
	"context"
	"encoding/json"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gitissue/gitissue/internal/issue"
)

// issueField renders one file of an issue directory.
type issueField struct {
	name   string
	render func(is *issue.Issue) ([]byte, error)
}

func line(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s + "\n")
}

func text(f func(is *issue.Issue) string) func(*issue.Issue) ([]byte, error) {
	return func(is *issue.Issue) ([]byte, error) { return line(f(is)), nil }
}

var issueFields = []issueField{
	{"title", text(func(is *issue.Issue) string { return is.Title })},
	{"description", text(func(is *issue.Issue) string { return is.Description })},
	{"status", text(func(is *issue.Issue) string { return is.Status.String() })},
	{"priority", text(func(is *issue.Issue) string { return is.Priority.String() })},
	{"assignee", text(func(is *issue.Issue) string {
		if is.Assignee == nil {
			return ""
		}
		return is.Assignee.String()
	})},
	{"labels", text(func(is *issue.Issue) string { return strings.Join(is.Labels, "\n") })},
	{"issue.json", func(is *issue.Issue) ([]byte, error) {
		data, err := json.MarshalIndent(is, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}},
}

func lookupField(name string) (issueField, bool) {
	for _, f := range issueFields {
		if f.name == name {
			return f, true
		}
	}
	return issueField{}, false
}

// IssueDir is issues/<id>/: one file per field, issue.json and events/.
type IssueDir struct {
	fs.Inode
	*view
	id uint64
}

var _ = (fs.NodeLookuper)((*IssueDir)(nil))
var _ = (fs.NodeReaddirer)((*IssueDir)(nil))
var _ = (fs.NodeGetattrer)((*IssueDir)(nil))

func (d *IssueDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(issuePath(d.id))
	return fs.OK
}

func (d *IssueDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	base := issuePath(d.id)
	entries := make([]fuse.DirEntry, 0, len(issueFields)+1)
	for _, f := range issueFields {
		entries = append(entries, fuse.DirEntry{
			Name: f.name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno(base + "/" + f.name),
		})
	}
	entries = append(entries, fuse.DirEntry{
		Name: "events",
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(base + "/events"),
	})
	return fs.NewListDirStream(entries), fs.OK
}

func (d *IssueDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	base := issuePath(d.id)
	if name == "events" {
		out.Mode = syscall.S_IFDIR | 0555
		return d.NewInode(ctx, &EventsDir{view: d.view, id: d.id}, fs.StableAttr{
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(base + "/events"),
		}), fs.OK
	}
	field, ok := lookupField(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	f := &IssueFile{view: d.view, id: d.id, field: field}
	data, errno := f.content()
	if errno != fs.OK {
		return nil, errno
	}
	out.Mode = syscall.S_IFREG | 0444
	out.Size = uint64(len(data))
	return d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(base + "/" + name),
	}), fs.OK
}

// IssueFile is a read-only file rendered from the rebuilt issue on every
// access.
type IssueFile struct {
	fs.Inode
	*view
	id    uint64
	field issueField
}

var _ = (fs.NodeGetattrer)((*IssueFile)(nil))
var _ = (fs.NodeOpener)((*IssueFile)(nil))
var _ = (fs.NodeReader)((*IssueFile)(nil))

func (f *IssueFile) content() ([]byte, syscall.Errno) {
	is, err := f.issues.GetIssue(f.id)
	if err != nil {
		return nil, f.errno("read issue "+issuePath(f.id), err)
	}
	data, err := f.field.render(is)
	if err != nil {
		return nil, f.errno("render "+f.field.name, err)
	}
	return data, fs.OK
}

func (f *IssueFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, errno := f.content()
	if errno != fs.OK {
		return errno
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = stableIno(issuePath(f.id) + "/" + f.field.name)
	return fs.OK
}

func (f *IssueFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *IssueFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := f.content()
	if errno != fs.OK {
		return nil, errno
	}
	return fuse.ReadResultData(readAt(data, off, len(dest))), fs.OK
}
