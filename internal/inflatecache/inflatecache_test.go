package inflatecache

import (
	"bytes"
	"compress/flate"
	"testing"

	"github.com/stretchr/testify/require"
)

func deflate(t *testing.T, raw []byte) []byte {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestReadFullMemberInOneChunk(t *testing.T) {
	raw := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 50)
	compressed := deflate(t, raw)

	c := &Cache{}
	require.NoError(t, c.Input(compressed, 0))

	dst := make([]byte, len(raw))
	c.Output(dst, 0)

	n, result, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, Done, result)
	require.Equal(t, raw, dst[:n])
}

func TestNeedMoreAcrossMultipleChunks(t *testing.T) {
	raw := bytes.Repeat([]byte("sequential chunk test data payload "), 200)
	compressed := deflate(t, raw)

	chunkSize := 16
	c := &Cache{}
	dst := make([]byte, len(raw))
	c.Output(dst, 0)

	var total int
	off := 0
	for {
		if off < len(compressed) {
			end := off + chunkSize
			if end > len(compressed) {
				end = len(compressed)
			}
			require.NoError(t, c.Input(compressed[off:end], uint64(off)))
			off = end
		}
		n, result, err := c.Read()
		require.NoError(t, err)
		total = n
		if result == Done {
			break
		}
		if off >= len(compressed) {
			t.Fatalf("ran out of compressed input before Done")
		}
	}
	require.Equal(t, raw, dst[:total])
}

func TestPartialReadAtOffset(t *testing.T) {
	raw := bytes.Repeat([]byte("0123456789"), 100)
	compressed := deflate(t, raw)

	c := &Cache{}
	require.NoError(t, c.Input(compressed, 0))

	dst := make([]byte, 10)
	c.Output(dst, 500)

	n, result, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, Done, result)
	require.Equal(t, raw[500:510], dst[:n])
}

func TestBackwardSeekResetsCache(t *testing.T) {
	raw := bytes.Repeat([]byte("abcdefgh"), 50)
	compressed := deflate(t, raw)

	c := &Cache{}
	require.NoError(t, c.Input(compressed, 0))

	dst := make([]byte, 20)
	c.Output(dst, 100)
	n, result, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, Done, result)
	require.Equal(t, raw[100:120], dst[:n])

	// Seeking backwards must discard and rebuild from scratch, so the
	// cache needs the compressed stream fed again from offset 0.
	dst2 := make([]byte, 20)
	c.Output(dst2, 10)
	require.Equal(t, uint64(0), c.NextChunkOffset())
	require.NoError(t, c.Input(compressed, 0))
	n2, result2, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, Done, result2)
	require.Equal(t, raw[10:30], dst2[:n2])
}

func TestInputRejectsNonContiguousChunk(t *testing.T) {
	raw := []byte("small payload")
	compressed := deflate(t, raw)

	c := &Cache{}
	require.NoError(t, c.Input(compressed[:4], 0))
	err := c.Input(compressed[4:], 100)
	require.ErrorIs(t, err, ErrBackwardsInput)
}
