package remote

import (
	"context"
	"fmt"
)

// MemoryClient is an in-memory Client used by archive package tests
// and by local experimentation without network access. It behaves
// like a single growable byte blob: Read services ranges directly,
// Write only accepts appends at the current end, matching the
// append-only contract the real S3Client also enforces.
type MemoryClient struct {
	Name string
	data []byte
	mode OpenMode
}

// NewMemoryClient wraps the given initial content (may be nil/empty
// for a new archive) as a remote.Client.
func NewMemoryClient(name string, initial []byte) *MemoryClient {
	data := make([]byte, len(initial))
	copy(data, initial)
	return &MemoryClient{Name: name, data: data}
}

// Bytes returns the current content, e.g. to assert round-trip
// equality in tests after a CloseArchive.
func (m *MemoryClient) Bytes() []byte { return m.data }

func (m *MemoryClient) Open(ctx context.Context, url string, mode OpenMode) (*StatInfo, error) {
	m.mode = mode
	return &StatInfo{Size: int64(len(m.data))}, nil
}

func (m *MemoryClient) Read(ctx context.Context, off, size int64) (*ChunkInfo, error) {
	if off < 0 || size < 0 || off+size > int64(len(m.data)) {
		return nil, fmt.Errorf("remote: read [%d,%d) out of range (size %d)", off, off+size, len(m.data))
	}
	buf := make([]byte, size)
	copy(buf, m.data[off:off+size])
	return &ChunkInfo{Offset: off, Length: size, Buffer: buf}, nil
}

func (m *MemoryClient) Write(ctx context.Context, off int64, buf []byte) error {
	if off != int64(len(m.data)) {
		return fmt.Errorf("remote: write at %d is not an append (current size %d)", off, len(m.data))
	}
	m.data = append(m.data, buf...)
	return nil
}

func (m *MemoryClient) Close(ctx context.Context) error { return nil }

func (m *MemoryClient) Stat(ctx context.Context, force bool) (*StatInfo, error) {
	return &StatInfo{Size: int64(len(m.data))}, nil
}

func (m *MemoryClient) GetProperty(name string) string {
	if name == "LastURL" {
		return "mem://" + m.Name
	}
	return ""
}
