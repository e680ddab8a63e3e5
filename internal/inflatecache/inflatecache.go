// Package inflatecache implements the per-member streaming DEFLATE
// decoder used by archive.Session's Read path: a producer/consumer
// contract where compressed chunks are fed in as they arrive over the
// wire and decompressed output is pulled out on demand, so sequential
// or partial member reads never re-inflate from the start of the
// stream. Built on compress/flate, the standard library DEFLATE codec;
// the codec itself is an external collaborator, not something this
// package reimplements.
package inflatecache

import (
	"compress/flate"
	"errors"
	"io"
)

// ReadResult is the outcome of a Cache.Read call.
type ReadResult int

const (
	// NeedMore indicates the cache ran out of fed input before the
	// requested length was filled; the caller must supply the next
	// compressed chunk via Input and call Read again.
	NeedMore ReadResult = iota
	// Done indicates the requested length was fully satisfied.
	Done
)

// ErrBackwardsInput is returned by Input when the supplied chunk does
// not start at NextChunkOffset -- the cache never accepts a
// non-contiguous compressed range.
var ErrBackwardsInput = errors.New("inflatecache: input chunk is not contiguous with prior input")

// chunkReader is an io.Reader whose buffer is refilled by Input; once
// drained it reports io.EOF, which the flate.Reader surfaces back to
// Cache.Read as "need more input".
type chunkReader struct {
	buf []byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// Cache is a single member's streaming inflate state. The zero value
// is usable: the first Input call initializes the underlying
// flate.Reader.
type Cache struct {
	src        chunkReader
	fr         io.ReadCloser
	nextRawOff uint64 // raw (compressed) offset this cache next expects via Input
	logicalCur uint64 // decompressed bytes produced so far

	dst         []byte // caller's destination, set by Output
	logicalWant uint64 // logical offset the caller intends to read next
	written     int    // bytes of dst already filled across prior Read calls for this Output request
}

// NextChunkOffset is the member-relative raw offset the cache would
// like to receive next via Input; zero if no input has been supplied.
func (c *Cache) NextChunkOffset() uint64 { return c.nextRawOff }

// Input supplies the next contiguous compressed chunk. rawOffset must
// equal NextChunkOffset(), except for the very first call on a fresh
// cache, which seeds the initial offset.
func (c *Cache) Input(src []byte, rawOffset uint64) error {
	if c.fr == nil {
		c.fr = flate.NewReader(&c.src)
		c.nextRawOff = rawOffset
	}
	if rawOffset != c.nextRawOff {
		return ErrBackwardsInput
	}
	c.src.buf = append(c.src.buf, src...)
	c.nextRawOff += uint64(len(src))
	return nil
}

// Output declares the caller's destination buffer and the
// member-relative logical offset the caller intends to read next. If
// logicalOffset is behind the cache's current output cursor, the cache
// is discarded and rebuilt -- this decoder never seeks backwards.
func (c *Cache) Output(dst []byte, logicalOffset uint64) {
	if logicalOffset < c.logicalCur {
		c.reset()
	}
	c.dst = dst
	c.logicalWant = logicalOffset
	c.written = 0
}

func (c *Cache) reset() {
	c.fr = nil
	c.src = chunkReader{}
	c.nextRawOff = 0
	c.logicalCur = 0
	c.written = 0
}

// Read attempts to produce len(dst) (as bound by Output) decompressed
// bytes into dst, first discarding any decompressed bytes between the
// current cursor and the requested logical offset. It picks up from
// wherever a prior call to Read left off, so repeated NeedMore/Input
// cycles accumulate into the same destination rather than restarting
// it. It returns the total number of dst bytes written so far for the
// current Output request and whether that request is now satisfied.
func (c *Cache) Read() (int, ReadResult, error) {
	if c.fr == nil {
		return 0, NeedMore, nil
	}
	if err := c.skipTo(c.logicalWant); err != nil {
		if err == io.EOF {
			return c.written, NeedMore, nil
		}
		return c.written, NeedMore, err
	}
	if c.logicalCur < c.logicalWant {
		return c.written, NeedMore, nil
	}

	for c.written < len(c.dst) {
		n, err := c.fr.Read(c.dst[c.written:])
		if n > 0 {
			c.written += n
			c.logicalCur += uint64(n)
		}
		if c.written >= len(c.dst) {
			break
		}
		if err != nil {
			if err == io.EOF {
				return c.written, NeedMore, nil
			}
			return c.written, NeedMore, err
		}
	}
	return c.written, Done, nil
}

// skipTo discards decompressed output until the cursor reaches target
// or the underlying reader runs out of input.
func (c *Cache) skipTo(target uint64) error {
	var scratch [4096]byte
	for c.logicalCur < target {
		want := target - c.logicalCur
		if want > uint64(len(scratch)) {
			want = uint64(len(scratch))
		}
		n, err := c.fr.Read(scratch[:want])
		if n > 0 {
			c.logicalCur += uint64(n)
		}
		if c.logicalCur >= target {
			break
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.EOF
		}
	}
	return nil
}
