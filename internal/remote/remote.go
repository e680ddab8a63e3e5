// Package remote defines the contract the archive session and its
// open state machine consume from an external remote file client
// (Open/Read/Write/Close/Stat/GetProperty), and provides two concrete
// implementations: an S3-backed client (internal/remote/s3.go) and an
// in-memory fake used by tests and local experimentation
// (internal/remote/memory.go).
package remote

import (
	"context"
	"time"
)

// OpenMode mirrors the subset of archive.OpenFlags that matter to the
// transport: whether the remote object must merely exist for reading,
// or may be created/appended to.
type OpenMode uint8

const (
	// ModeRead opens an existing object for random-access reads.
	ModeRead OpenMode = iota
	// ModeUpdate opens (creating if absent) an object the session
	// intends to append to and finalize.
	ModeUpdate
)

// StatInfo is the subset of remote object metadata the core needs.
type StatInfo struct {
	Size    int64
	ModTime time.Time
}

// ChunkInfo is the result of a ranged Read: the absolute offset and
// length actually delivered, plus the bytes themselves.
type ChunkInfo struct {
	Offset int64
	Length int64
	Buffer []byte
}

// Client is the remote-file-client contract. All methods are
// suspension points: callers treat them as blocking calls and are
// responsible for running them off the session's single logical
// thread of control (see archive.Session, which runs each public
// operation on its own goroutine and invokes the caller's handler
// exactly once).
type Client interface {
	// Open opens (or, for ModeUpdate, creates) the named remote
	// object and returns its current stat info.
	Open(ctx context.Context, url string, mode OpenMode) (*StatInfo, error)
	// Read returns exactly `size` bytes starting at `off`, or an
	// error. Implementations must not return a short read silently.
	Read(ctx context.Context, off, size int64) (*ChunkInfo, error)
	// Write writes buf at the given absolute offset. Only append
	// (off == current end-of-data) is exercised by the core.
	Write(ctx context.Context, off int64, buf []byte) error
	// Close releases the remote handle.
	Close(ctx context.Context) error
	// Stat re-queries size/mtime; if force is false an implementation
	// may return a cached value from Open.
	Stat(ctx context.Context, force bool) (*StatInfo, error)
	// GetProperty retrieves an implementation-defined property, the
	// only one the core relies on being "LastURL".
	GetProperty(name string) string
}
