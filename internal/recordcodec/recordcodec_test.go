package recordcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLFHSerialize(t *testing.T) {
	lfh := NewLFH("hello.txt", 0xDEADBEEF, 11, 0x6000, 0x2021)
	buf := lfh.Serialize(nil)
	require.Len(t, buf, lfh.Size())
	require.Equal(t, SigLFH, int(uint32FromLE(buf[0:4])))
}

func TestCDFHRoundTrip(t *testing.T) {
	lfh := NewLFH("member.bin", 0x12345678, 4096, 0x6000, 0x2021)
	cdfh := NewCDFH(lfh, 0644, 128)

	buf := cdfh.Serialize(nil)
	decoded, n, err := DecodeCDFH(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, cdfh.Filename, decoded.Filename)
	require.Equal(t, cdfh.CRC32, decoded.CRC32)
	require.Equal(t, cdfh.CompressedSize, decoded.CompressedSize)
	require.Equal(t, cdfh.UncompressedSize, decoded.UncompressedSize)
	require.Equal(t, cdfh.LocalHeaderOffset, decoded.LocalHeaderOffset)
}

func TestCDFHRoundTripZip64Overflow(t *testing.T) {
	lfh := NewLFH("huge.bin", 0xAAAAAAAA, 1, 0, 0)
	cdfh := NewCDFH(lfh, 0644, 0x1_0000_0000) // forces zip64 extra field
	cdfh.UncompressedSize = 0x1_0000_0001
	cdfh.CompressedSize = 0x1_0000_0001

	buf := cdfh.Serialize(nil)
	decoded, n, err := DecodeCDFH(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, cdfh.UncompressedSize, decoded.UncompressedSize)
	require.Equal(t, cdfh.CompressedSize, decoded.CompressedSize)
	require.Equal(t, cdfh.LocalHeaderOffset, decoded.LocalHeaderOffset)
}

func TestDecodeCDFHRejectsBadSignature(t *testing.T) {
	buf := make([]byte, CDFHBaseSize)
	_, _, err := DecodeCDFH(buf)
	require.ErrorIs(t, err, ErrCorruptCDR)
}

func TestEOCDFindRoundTrip(t *testing.T) {
	eocd := NewEOCD(1000, 3, 200)
	buf := eocd.Serialize(nil)

	found, pos, err := FindEOCD(buf)
	require.NoError(t, err)
	require.Equal(t, 0, pos)
	require.Equal(t, eocd.NumRecords, found.NumRecords)
	require.Equal(t, eocd.CDSize, found.CDSize)
	require.Equal(t, eocd.CDOffset, found.CDOffset)
}

func TestEOCDFindWithLeadingGarbage(t *testing.T) {
	eocd := NewEOCD(50, 1, 30)
	buf := append([]byte("some archive bytes before the trailer"), eocd.Serialize(nil)...)

	found, pos, err := FindEOCD(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf)-eocd.Size(), pos)
	require.Equal(t, eocd.CDOffset, found.CDOffset)
}

func TestEOCDFindNotFound(t *testing.T) {
	buf := make([]byte, EOCDBaseSize-1)
	_, _, err := FindEOCD(buf)
	require.ErrorIs(t, err, ErrEOCDNotFound)
}

func TestEOCDFindSkipsSignatureCollisionInComment(t *testing.T) {
	eocd := NewEOCD(50, 1, 30)
	// Embed a second EOCD signature inside the real record's own
	// comment, exactly EOCDBaseSize bytes before the end of buf so the
	// backwards scan examines it first, with a comment length (0xffff)
	// that can never be consistent with len(buf). The scan must reject
	// that later match and keep walking backwards to the genuine record
	// instead of accepting the first signature it sees.
	decoy := append([]byte{0x50, 0x4b, 0x05, 0x06}, make([]byte, 16)...)
	decoy = append(decoy, 0xff, 0xff)
	eocd.Comment = string(append([]byte("padding before "), decoy...))
	buf := eocd.Serialize(nil)

	found, pos, err := FindEOCD(buf)
	require.NoError(t, err)
	require.Equal(t, 0, pos)
	require.Equal(t, eocd.CDOffset, found.CDOffset)
}

func TestEOCDUsesZip64WhenFieldsOverflow(t *testing.T) {
	eocd := NewEOCD(0x1_0000_0000, 1, 10)
	require.True(t, eocd.UseZip64)

	small := NewEOCD(10, 1, 10)
	require.False(t, small.UseZip64)
}

func TestZip64EOCDRoundTrip(t *testing.T) {
	z := NewZip64EOCD(0x1_0000_0000, 5, 0x20000)
	buf := z.Serialize(nil)
	decoded, err := DecodeZip64EOCD(buf)
	require.NoError(t, err)
	require.Equal(t, z.CDOffset, decoded.CDOffset)
	require.Equal(t, z.NumRecords, decoded.NumRecords)
	require.Equal(t, z.CDSize, decoded.CDSize)
}

func TestZip64EOCDLRoundTrip(t *testing.T) {
	l := NewZip64EOCDL(123456)
	buf := l.Serialize(nil)
	decoded, err := DecodeZip64EOCDL(buf)
	require.NoError(t, err)
	require.Equal(t, l.Zip64EOCDOffset, decoded.Zip64EOCDOffset)
}

func uint32FromLE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
