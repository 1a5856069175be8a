package fuse

import (
	"context"
	"strconv"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gitissue/gitissue/internal/issue"
)

// EventsDir is issues/<id>/events/, holding <n>.json for the n-th event of
// the chain, oldest first and counted from 1.
type EventsDir struct {
	fs.Inode
	*view
	id uint64
}

var _ = (fs.NodeLookuper)((*EventsDir)(nil))
var _ = (fs.NodeReaddirer)((*EventsDir)(nil))
var _ = (fs.NodeGetattrer)((*EventsDir)(nil))

func (d *EventsDir) path() string { return issuePath(d.id) + "/events" }

func (d *EventsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.path())
	return fs.OK
}

func (d *EventsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	events, err := d.issues.Events(d.id)
	if err != nil {
		return nil, d.errno("list events of "+issuePath(d.id), err)
	}
	entries := make([]fuse.DirEntry, 0, len(events))
	for n := 1; n <= len(events); n++ {
		name := eventFileName(n)
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno(d.path() + "/" + name),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *EventsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n, ok := parseEventFileName(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	f := &EventFile{view: d.view, id: d.id, n: n}
	data, errno := f.content()
	if errno != fs.OK {
		return nil, errno
	}
	out.Mode = syscall.S_IFREG | 0444
	out.Size = uint64(len(data))
	return d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(d.path() + "/" + name),
	}), fs.OK
}

func eventFileName(n int) string { return strconv.Itoa(n) + ".json" }

func parseEventFileName(name string) (int, bool) {
	num, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	id, ok := parseID(num)
	if !ok || id == 0 {
		return 0, false
	}
	return int(id), true
}

// EventFile is the canonical encoding of one event.
type EventFile struct {
	fs.Inode
	*view
	id uint64
	n  int
}

var _ = (fs.NodeGetattrer)((*EventFile)(nil))
var _ = (fs.NodeOpener)((*EventFile)(nil))
var _ = (fs.NodeReader)((*EventFile)(nil))

func (f *EventFile) content() ([]byte, syscall.Errno) {
	events, err := f.issues.Events(f.id)
	if err != nil {
		return nil, f.errno("read events of "+issuePath(f.id), err)
	}
	if f.n < 1 || f.n > len(events) {
		return nil, syscall.ENOENT
	}
	data, err := issue.Marshal(events[f.n-1])
	if err != nil {
		return nil, f.errno("encode event", err)
	}
	return append(data, '\n'), fs.OK
}

func (f *EventFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, errno := f.content()
	if errno != fs.OK {
		return errno
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = stableIno(issuePath(f.id) + "/events/" + eventFileName(f.n))
	return fs.OK
}

// Events never change once written, so the kernel may keep them cached.
func (f *EventFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (f *EventFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := f.content()
	if errno != fs.OK {
		return nil, errno
	}
	return fuse.ReadResultData(readAt(data, off, len(dest))), fs.OK
}
