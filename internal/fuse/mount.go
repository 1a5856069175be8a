package fuse

import (
	"log/slog"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
)

// Options configures MountFS.
type Options struct {
	Logger *slog.Logger
	Debug  bool
	// Timeout is how long the kernel may cache entries and attributes.
	// Zero means one second.
	Timeout time.Duration
}

// MountFS mounts the read-only issue view at mountpoint.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func MountFS(mountpoint string, issues Issues, opts Options) (*gofuse.Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	root := &RootNode{view: &view{issues: issues, logger: opts.Logger}}

	timeout := opts.Timeout
	fsopts := &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: gofuse.MountOptions{
			FsName:        "gitissue",
			Name:          "gitissue",
			DisableXAttrs: true,
			Debug:         opts.Debug,
		},
	}

	server, err := fs.Mount(mountpoint, root, fsopts)
	if err != nil {
		return nil, err
	}
	return server, nil
}
