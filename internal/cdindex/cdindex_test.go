package cdindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snafus/zipspy/internal/recordcodec"
)

func makeCDFH(name string, offset uint64) *recordcodec.CDFH {
	lfh := recordcodec.NewLFH(name, 1, 10, 0, 0)
	return recordcodec.NewCDFH(lfh, 0644, offset)
}

func TestAppendAndFind(t *testing.T) {
	idx := New()
	idx.Append(makeCDFH("a.txt", 0))
	idx.Append(makeCDFH("b.txt", 100))

	require.Equal(t, 2, idx.Len())
	entry, pos, ok := idx.Find("b.txt")
	require.True(t, ok)
	require.Equal(t, 1, pos)
	require.Equal(t, uint64(100), entry.LocalHeaderOffset)

	_, _, ok = idx.Find("missing.txt")
	require.False(t, ok)
}

func TestNamesPreservesInsertionOrder(t *testing.T) {
	idx := New()
	idx.Append(makeCDFH("z.txt", 0))
	idx.Append(makeCDFH("a.txt", 50))
	require.Equal(t, []string{"z.txt", "a.txt"}, idx.Names())
}

func TestReset(t *testing.T) {
	idx := New()
	idx.Append(makeCDFH("a.txt", 0))
	idx.Reset()
	require.Equal(t, 0, idx.Len())
	_, _, ok := idx.Find("a.txt")
	require.False(t, ok)
}

func TestSerializeAndParseAllRoundTrip(t *testing.T) {
	idx := New()
	idx.Append(makeCDFH("a.txt", 0))
	idx.Append(makeCDFH("b.txt", 40))
	idx.Append(makeCDFH("c/d.txt", 90))

	buf := idx.Serialize(nil)
	require.Equal(t, idx.TotalSerializedSize(), len(buf))

	parsed := New()
	err := parsed.ParseAll(buf, 3)
	require.NoError(t, err)
	require.Equal(t, idx.Names(), parsed.Names())
	for _, name := range idx.Names() {
		want, _, _ := idx.Find(name)
		got, _, ok := parsed.Find(name)
		require.True(t, ok)
		require.Equal(t, want.LocalHeaderOffset, got.LocalHeaderOffset)
	}
}

func TestParseAllRejectsCorruptRecord(t *testing.T) {
	idx := New()
	err := idx.ParseAll(make([]byte, 10), 1)
	require.ErrorIs(t, err, recordcodec.ErrCorruptCDR)
}
