package cmd

import (
	"context"
	"fmt"

	"github.com/snafus/zipspy/archive"
	"github.com/snafus/zipspy/internal/remote"
)

// openSession opens an archive.Session against bucket/key over S3 and
// blocks until OpenArchive's handler fires, turning the session's
// callback-based API into the synchronous flow a CLI command wants.
func openSession(ctx context.Context, bucket, key string, flags archive.OpenFlags) (*archive.Session, error) {
	client := remote.NewS3Client(bucket, key, region, endpoint)
	sess := archive.NewSession(client)

	done := make(chan *archive.Status, 1)
	if st := sess.OpenArchive(ctx, fmt.Sprintf("s3://%s/%s", bucket, key), flags, timeout, func(st *archive.Status) {
		done <- st
	}); !st.IsOK() {
		return nil, st
	}
	st := <-done
	if !st.IsOK() {
		return nil, st
	}
	return sess, nil
}

// readAll drains a member's full uncompressed content via repeated
// Session.Read calls, each one synchronized through a channel the
// same way openSession synchronizes OpenArchive.
func readAll(ctx context.Context, sess *archive.Session, name string, uncompressedSize uint64, chunkSize uint32) ([]byte, error) {
	out := make([]byte, 0, uncompressedSize)
	var relOff uint64
	for relOff < uncompressedSize {
		size := chunkSize
		if remaining := uncompressedSize - relOff; uint64(size) > remaining {
			size = uint32(remaining)
		}
		type result struct {
			st   *archive.Status
			data []byte
		}
		done := make(chan result, 1)
		if st := sess.Read(ctx, relOff, size, timeout, func(st *archive.Status, data []byte) {
			done <- result{st, data}
		}); !st.IsOK() {
			return nil, st
		}
		r := <-done
		if !r.st.IsOK() {
			return nil, r.st
		}
		if len(r.data) == 0 {
			break
		}
		out = append(out, r.data...)
		relOff += uint64(len(r.data))
	}
	return out, nil
}

// closeSession blocks until CloseArchive's handler fires.
func closeSession(ctx context.Context, sess *archive.Session) error {
	done := make(chan *archive.Status, 1)
	if st := sess.CloseArchive(ctx, timeout, func(st *archive.Status) {
		done <- st
	}); !st.IsOK() {
		return st
	}
	st := <-done
	if !st.IsOK() {
		return st
	}
	return nil
}
