package fuse

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gitissue/gitissue/internal/issue"
	"github.com/gitissue/gitissue/internal/issuestore"
)

// Issues is the part of the issue store the view reads from.
type Issues interface {
	GetIssue(id uint64) (*issue.Issue, error)
	IssueExists(id uint64) (bool, error)
	ListIssueIDs() ([]uint64, error)
	ListIssues(f issuestore.Filter) ([]*issue.Issue, error)
	Events(id uint64) ([]issue.Event, error)
}

var _ Issues = (*issuestore.Store)(nil)

// view is shared by every node of one mount.
type view struct {
	issues Issues
	logger *slog.Logger
}

// errno maps a store error to the errno returned to the kernel. Anything
// other than a missing issue is logged, since the caller only sees EIO.
func (v *view) errno(op string, err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, issuestore.ErrNotFound):
		return syscall.ENOENT
	default:
		v.logger.Warn("fuse: "+op+" failed", "err", err)
		return syscall.EIO
	}
}

// stableIno returns a stable inode number for a path inside the mount.
func stableIno(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}

func issuePath(id uint64) string {
	return "issues/" + strconv.FormatUint(id, 10)
}

// parseID accepts only the canonical decimal form, so "01" and "+1" miss.
func parseID(name string) (uint64, bool) {
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil || strconv.FormatUint(id, 10) != name {
		return 0, false
	}
	return id, true
}

func linkEntries(dir string, issues []*issue.Issue) []fuse.DirEntry {
	entries := make([]fuse.DirEntry, 0, len(issues))
	for _, is := range issues {
		name := strconv.FormatUint(is.ID, 10)
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFLNK,
			Ino:  stableIno(dir + "/" + name),
		})
	}
	return entries
}

// readAt returns the slice of data a read at off with room for n bytes sees.
func readAt(data []byte, off int64, n int) []byte {
	if off >= int64(len(data)) {
		return nil
	}
	end := off + int64(n)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end]
}
