package archive

import (
	"bytes"
	"compress/flate"
	"context"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snafus/zipspy/internal/recordcodec"
	"github.com/snafus/zipspy/internal/remote"
)

type fixtureMember struct {
	name   string
	data   []byte
	method uint16
}

// buildArchive assembles a complete ZIP byte image (LFH+data per
// member, central directory, EOCD) the way a real ZIP tool would,
// independent of the session's own append path -- so session tests
// exercise parsing of archives this module did not itself write.
func buildArchive(t *testing.T, members []fixtureMember) []byte {
	t.Helper()
	var buf []byte
	var cdfhs []*recordcodec.CDFH

	for _, m := range members {
		offset := uint64(len(buf))
		payload := m.data
		if m.method == recordcodec.MethodDeflate {
			var cbuf bytes.Buffer
			w, err := flate.NewWriter(&cbuf, flate.DefaultCompression)
			require.NoError(t, err)
			_, err = w.Write(m.data)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			payload = cbuf.Bytes()
		}
		sum := crc32.ChecksumIEEE(m.data)
		lfh := &recordcodec.LFH{
			VersionNeeded:    20,
			Method:           m.method,
			CRC32:            sum,
			CompressedSize:   uint32(len(payload)),
			UncompressedSize: uint32(len(m.data)),
			Filename:         m.name,
		}
		buf = lfh.Serialize(buf)
		buf = append(buf, payload...)
		cdfh := recordcodec.NewCDFH(lfh, 0644, offset)
		cdfh.CompressedSize = uint64(len(payload))
		cdfhs = append(cdfhs, cdfh)
	}

	cdoff := uint64(len(buf))
	for _, c := range cdfhs {
		buf = c.Serialize(buf)
	}
	cdsize := uint64(len(buf)) - cdoff
	eocd := recordcodec.NewEOCD(cdoff, uint64(len(cdfhs)), cdsize)
	buf = eocd.Serialize(buf)
	return buf
}

func openAndWait(t *testing.T, sess *Session, url string, flags OpenFlags) *Status {
	t.Helper()
	done := make(chan *Status, 1)
	st := sess.OpenArchive(context.Background(), url, flags, time.Second, func(st *Status) {
		done <- st
	})
	require.True(t, st.IsOK())
	return <-done
}

func openFileAndWait(t *testing.T, sess *Session, name string, flags OpenFlags, size uint64, crc uint32) *Status {
	t.Helper()
	done := make(chan *Status, 1)
	st := sess.OpenFile(context.Background(), name, flags, size, crc, time.Second, func(st *Status) {
		done <- st
	})
	require.True(t, st.IsOK())
	return <-done
}

func readAndWait(t *testing.T, sess *Session, relOff uint64, size uint32) ([]byte, *Status) {
	t.Helper()
	type result struct {
		st   *Status
		data []byte
	}
	done := make(chan result, 1)
	st := sess.Read(context.Background(), relOff, size, time.Second, func(st *Status, data []byte) {
		done <- result{st, data}
	})
	require.True(t, st.IsOK())
	r := <-done
	return r.data, r.st
}

func closeAndWait(t *testing.T, sess *Session) *Status {
	t.Helper()
	done := make(chan *Status, 1)
	st := sess.CloseArchive(context.Background(), time.Second, func(st *Status) {
		done <- st
	})
	require.True(t, st.IsOK())
	return <-done
}

func TestOpenArchiveAndListStoredMembers(t *testing.T) {
	archive := buildArchive(t, []fixtureMember{
		{name: "a.txt", data: []byte("hello world"), method: recordcodec.MethodStored},
		{name: "dir/b.txt", data: []byte("second member contents"), method: recordcodec.MethodStored},
	})
	client := remote.NewMemoryClient("fixture", archive)
	sess := NewSession(client)

	st := openAndWait(t, sess, "mem://fixture", Read)
	require.True(t, st.IsOK())
	require.Equal(t, StageDone, sess.Stage())
	require.True(t, sess.CDExists())

	entries, st := sess.List(context.Background())
	require.True(t, st.IsOK())
	require.Len(t, entries, 2)
	require.Equal(t, "a.txt", entries[0].Name)
	require.Equal(t, uint64(len("hello world")), entries[0].UncompressedSize)
	require.Equal(t, "dir/b.txt", entries[1].Name)
}

func TestOpenFileAndReadStoredMember(t *testing.T) {
	content := []byte("the stored payload for this member")
	archiveBytes := buildArchive(t, []fixtureMember{
		{name: "m.txt", data: content, method: recordcodec.MethodStored},
	})
	sess := NewSession(remote.NewMemoryClient("fixture", archiveBytes))
	require.True(t, openAndWait(t, sess, "mem://fixture", Read).IsOK())

	require.True(t, openFileAndWait(t, sess, "m.txt", Read, 0, 0).IsOK())

	data, st := readAndWait(t, sess, 0, uint32(len(content)))
	require.True(t, st.IsOK())
	require.Equal(t, content, data)
}

func TestReadStoredMemberPartial(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	archiveBytes := buildArchive(t, []fixtureMember{
		{name: "m.txt", data: content, method: recordcodec.MethodStored},
	})
	sess := NewSession(remote.NewMemoryClient("fixture", archiveBytes))
	require.True(t, openAndWait(t, sess, "mem://fixture", Read).IsOK())
	require.True(t, openFileAndWait(t, sess, "m.txt", Read, 0, 0).IsOK())

	data, st := readAndWait(t, sess, 5, 4)
	require.True(t, st.IsOK())
	require.Equal(t, []byte("5678"), data)
}

func TestReadDeflateMember(t *testing.T) {
	content := bytes.Repeat([]byte("repeating deflate payload segment "), 40)
	archiveBytes := buildArchive(t, []fixtureMember{
		{name: "m.bin", data: content, method: recordcodec.MethodDeflate},
	})
	sess := NewSession(remote.NewMemoryClient("fixture", archiveBytes))
	require.True(t, openAndWait(t, sess, "mem://fixture", Read).IsOK())
	require.True(t, openFileAndWait(t, sess, "m.bin", Read, 0, 0).IsOK())

	data, st := readAndWait(t, sess, 0, uint32(len(content)))
	require.True(t, st.IsOK())
	require.Equal(t, content, data)
}

func TestReadDeflateMemberPartialMidStream(t *testing.T) {
	content := bytes.Repeat([]byte("another deflate block of text for testing "), 60)
	archiveBytes := buildArchive(t, []fixtureMember{
		{name: "m.bin", data: content, method: recordcodec.MethodDeflate},
	})
	sess := NewSession(remote.NewMemoryClient("fixture", archiveBytes))
	require.True(t, openAndWait(t, sess, "mem://fixture", Read).IsOK())
	require.True(t, openFileAndWait(t, sess, "m.bin", Read, 0, 0).IsOK())

	data, st := readAndWait(t, sess, 100, 50)
	require.True(t, st.IsOK())
	require.Equal(t, content[100:150], data)
}

func TestOpenFileMissingMemberWithoutNewFlagFails(t *testing.T) {
	archiveBytes := buildArchive(t, []fixtureMember{
		{name: "present.txt", data: []byte("x"), method: recordcodec.MethodStored},
	})
	sess := NewSession(remote.NewMemoryClient("fixture", archiveBytes))
	require.True(t, openAndWait(t, sess, "mem://fixture", Read).IsOK())

	st := openFileAndWait(t, sess, "absent.txt", Read, 0, 0)
	require.False(t, st.IsOK())
	require.Equal(t, NotFound, st.Code)
}

func TestConcurrentCallRejectedWithInvalidOp(t *testing.T) {
	sess := NewSession(remote.NewMemoryClient("fixture", nil))
	require.True(t, sess.begin()) // simulate an operation already in flight

	st := sess.OpenArchive(context.Background(), "mem://fixture", Read, time.Second, nil)
	require.False(t, st.IsOK())
	require.Equal(t, InvalidOp, st.Code)

	sess.end()
}

func TestAppendNewMemberToEmptyArchiveAndReopen(t *testing.T) {
	client := remote.NewMemoryClient("fixture", nil)
	sess := NewSession(client)

	require.True(t, openAndWait(t, sess, "mem://fixture", Update).IsOK())
	require.Equal(t, StageDone, sess.Stage())
	require.False(t, sess.CDExists())

	payload := []byte("freshly appended member content")
	sum := crc32.ChecksumIEEE(payload)
	require.True(t, openFileAndWait(t, sess, "new.txt", New, uint64(len(payload)), sum).IsOK())

	done := make(chan *Status, 1)
	st := sess.Write(context.Background(), payload, time.Second, func(st *Status) { done <- st })
	require.True(t, st.IsOK())
	require.True(t, (<-done).IsOK())

	require.True(t, closeAndWait(t, sess).IsOK())
	require.Equal(t, StageNone, sess.Stage())

	// Reopen a fresh session against the now-finalized bytes.
	reopened := NewSession(client)
	require.True(t, openAndWait(t, reopened, "mem://fixture", Read).IsOK())
	entries, st := reopened.List(context.Background())
	require.True(t, st.IsOK())
	require.Len(t, entries, 1)
	require.Equal(t, "new.txt", entries[0].Name)

	require.True(t, openFileAndWait(t, reopened, "new.txt", Read, 0, 0).IsOK())
	data, st := readAndWait(t, reopened, 0, uint32(len(payload)))
	require.True(t, st.IsOK())
	require.Equal(t, payload, data)
}

func TestCloseArchiveWithoutUpdatesIsNoop(t *testing.T) {
	archiveBytes := buildArchive(t, []fixtureMember{
		{name: "a.txt", data: []byte("unchanged"), method: recordcodec.MethodStored},
	})
	client := remote.NewMemoryClient("fixture", archiveBytes)
	sess := NewSession(client)
	require.True(t, openAndWait(t, sess, "mem://fixture", Read).IsOK())
	require.True(t, closeAndWait(t, sess).IsOK())
	require.Equal(t, archiveBytes, client.Bytes())
}
