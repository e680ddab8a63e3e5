// Package archive implements the public session API: OpenArchive,
// OpenFile, Read, Write, List, CloseArchive. It drives the open state
// machine, consults the central directory index and record codecs
// (internal/cdindex, internal/recordcodec), and routes compressed
// reads through the streaming inflate cache (internal/inflatecache).
// The actual remote transport is injected as a remote.Client so the
// session is agnostic to whether it's talking to S3, a local file, or
// a test fixture.
package archive

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/snafus/zipspy/internal/cdindex"
	"github.com/snafus/zipspy/internal/inflatecache"
	"github.com/snafus/zipspy/internal/recordcodec"
	"github.com/snafus/zipspy/internal/remote"
)

// maxTailRead is the largest initial read the open state machine will
// ever issue to probe for the EOCD: the base EOCD size plus the
// maximum comment length plus room for a ZIP64 locator.
const maxTailRead = recordcodec.EOCDBaseSize + recordcodec.MaxCommentLength + recordcodec.Zip64EOCDLSize

// Entry is one directory listing row. ArchiveModTime is the parent
// archive's own mtime as reported by the remote client's Stat (not the
// member's own CDFH timestamp), attached to every entry returned by a
// single listing call.
type Entry struct {
	Name             string
	UncompressedSize uint64
	ArchiveModTime   time.Time
}

// Session holds all mutable state for one open archive. A Session is
// not safe for concurrent use from multiple goroutines at once:
// concurrent calls yield InvalidOp -- enforced here with a
// non-blocking mutex acquisition rather than serializing callers, so
// a second caller observes the rejection immediately instead of
// queuing.
type Session struct {
	mu sync.Mutex // guards everything below; TryLock enforces single-pipeline-at-a-time

	client remote.Client
	url    string

	archsize int64
	cdoff    uint64
	cdexists bool
	updated  bool
	stage    Stage
	flags    OpenFlags

	eocd      *recordcodec.EOCD
	zip64eocd *recordcodec.Zip64EOCD

	cd *cdindex.Index

	// buffer caches the whole archive when the initial tail read
	// already covered it; nil otherwise.
	buffer []byte

	openfn string
	lfh    *recordcodec.LFH

	inflcache map[string]*inflatecache.Cache

	log *log.Entry
}

// NewSession wraps client as a fresh, unopened session.
func NewSession(client remote.Client) *Session {
	return &Session{
		client: client,
		cd:     cdindex.New(),
		log:    log.WithField("component", "archive.Session"),
	}
}

// Stage reports the open state machine's current position.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// CDExists reports whether the underlying remote object currently
// carries a valid, not-yet-superseded central directory -- callers
// who want a safety net before appending to an existing archive can
// check this and snapshot first.
func (s *Session) CDExists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cdexists
}

func (s *Session) begin() bool { return s.mu.TryLock() }
func (s *Session) end()       { s.mu.Unlock() }

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}

// OpenArchive opens client's object (or treats a zero-size object as a
// brand new archive) and drives the open state machine to Done or
// Error. handler is invoked exactly once.
func (s *Session) OpenArchive(ctx context.Context, url string, flags OpenFlags, timeout time.Duration, handler func(*Status)) *Status {
	if !s.begin() {
		return newStatus(ErrorClass, InvalidOp, "operation already in progress")
	}
	go func() {
		defer s.end()
		cctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		st := s.openArchive(cctx, url, flags)
		if handler != nil && st != nil {
			handler(st)
		}
	}()
	return StatusOK
}

func (s *Session) openArchive(ctx context.Context, url string, flags OpenFlags) *Status {
	s.url = url
	s.flags = flags
	mode := remote.ModeRead
	if flags.Has(Update) {
		mode = remote.ModeUpdate
	}

	info, err := s.client.Open(ctx, url, mode)
	if err != nil {
		s.stage = StageError
		return wrapStatus(err)
	}
	if interrupted(ctx) {
		return nil
	}
	s.archsize = info.Size

	if s.archsize == 0 {
		s.cdexists = false
		s.stage = StageDone
		s.log.WithField("url", url).Debug("opened empty archive")
		return StatusOK
	}

	rdsize := int64(maxTailRead)
	if rdsize > s.archsize {
		rdsize = s.archsize
	}
	rdoff := s.archsize - rdsize
	s.stage = StageHaveEocdBlk

	chunk, err := s.client.Read(ctx, rdoff, rdsize)
	if err != nil {
		s.stage = StageError
		return wrapStatus(err)
	}
	if interrupted(ctx) {
		return nil
	}
	return s.continueOpenFromTail(ctx, rdoff, chunk.Buffer)
}

func (s *Session) continueOpenFromTail(ctx context.Context, chunkOff int64, buf []byte) *Status {
	eocd, pos, err := recordcodec.FindEOCD(buf)
	if err != nil {
		s.stage = StageError
		return newStatus(ErrorClass, DataError, "EOCD not found")
	}
	s.eocd = eocd

	if int64(len(buf)) == s.archsize {
		s.cdoff = eocd.CDOffset
		cdBuf := buf[eocd.CDOffset:pos]
		if err := s.parseCD(cdBuf, eocd.NumRecords); err != nil {
			s.stage = StageError
			return newStatus(ErrorClass, DataError, "ZIP Central Directory corrupted")
		}
		s.stage = StageDone
		s.buffer = buf // the whole archive fit in one read; keep it to serve reads without further I/O
		s.cdexists = true
		return StatusOK
	}

	if pos >= recordcodec.Zip64EOCDLSize {
		locBuf := buf[pos-recordcodec.Zip64EOCDLSize : pos]
		if binary.LittleEndian.Uint32(locBuf[0:4]) == recordcodec.SigZip64EOCDL {
			s.stage = StageHaveZip64EocdlBlk
			loc, err := recordcodec.DecodeZip64EOCDL(locBuf)
			if err != nil {
				s.stage = StageError
				return newStatus(ErrorClass, DataError, "ZIP64 EOCD locator corrupted")
			}
			return s.continueOpenFromZip64Locator(ctx, chunkOff, buf, loc)
		}
	}

	// Not ZIP64: we already know where the CD records are; re-read exactly that range.
	s.cdoff = eocd.CDOffset
	s.stage = StageHaveCdRecords
	cdChunk, err := s.client.Read(ctx, int64(eocd.CDOffset), int64(eocd.CDSize))
	if err != nil {
		s.stage = StageError
		return wrapStatus(err)
	}
	if interrupted(ctx) {
		return nil
	}
	if err := s.parseCD(cdChunk.Buffer, eocd.NumRecords); err != nil {
		s.stage = StageError
		return newStatus(ErrorClass, DataError, "ZIP Central Directory corrupted")
	}
	s.stage = StageDone
	s.cdexists = true
	return StatusOK
}

func (s *Session) continueOpenFromZip64Locator(ctx context.Context, chunkOff int64, buf []byte, loc *recordcodec.Zip64EOCDL) *Status {
	var zip64Buf []byte
	if chunkOff > int64(loc.Zip64EOCDOffset) {
		rdsize := s.archsize - int64(loc.Zip64EOCDOffset)
		chunk, err := s.client.Read(ctx, int64(loc.Zip64EOCDOffset), rdsize)
		if err != nil {
			s.stage = StageError
			return wrapStatus(err)
		}
		if interrupted(ctx) {
			return nil
		}
		zip64Buf = chunk.Buffer
	} else {
		zip64Buf = buf[int64(loc.Zip64EOCDOffset)-chunkOff:]
	}
	s.stage = StageHaveZip64EocdBlk

	zip64eocd, err := recordcodec.DecodeZip64EOCD(zip64Buf)
	if err != nil {
		s.stage = StageError
		return newStatus(ErrorClass, DataError, "ZIP64 End-of-central-directory signature not found")
	}
	s.zip64eocd = zip64eocd
	s.cdoff = zip64eocd.CDOffset
	s.stage = StageHaveCdRecords

	cdChunk, err := s.client.Read(ctx, int64(zip64eocd.CDOffset), int64(zip64eocd.CDSize))
	if err != nil {
		s.stage = StageError
		return wrapStatus(err)
	}
	if interrupted(ctx) {
		return nil
	}
	if err := s.parseCD(cdChunk.Buffer, zip64eocd.NumRecords); err != nil {
		s.stage = StageError
		return newStatus(ErrorClass, DataError, "ZIP Central Directory corrupted")
	}
	s.stage = StageDone
	s.cdexists = true
	return StatusOK
}

func (s *Session) parseCD(buf []byte, numRecords uint64) error {
	s.cd.Reset()
	return s.cd.ParseAll(buf, numRecords)
}

// OpenFile selects fn as the session's active member, creating it (an
// append staged at the current end-of-data) if absent and New is set.
func (s *Session) OpenFile(ctx context.Context, fn string, flags OpenFlags, size uint64, crc32 uint32, timeout time.Duration, handler func(*Status)) *Status {
	if !s.begin() {
		return newStatus(ErrorClass, InvalidOp, "operation already in progress")
	}
	if s.stage != StageDone || s.openfn != "" {
		s.end()
		return newStatus(ErrorClass, InvalidOp, "archive not opened, or a member is already active")
	}
	go func() {
		defer s.end()
		cctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		st := s.openFile(cctx, fn, flags, size, crc32)
		if handler != nil && st != nil {
			handler(st)
		}
	}()
	return StatusOK
}

func (s *Session) openFile(ctx context.Context, fn string, flags OpenFlags, size uint64, crc32 uint32) *Status {
	s.flags = flags
	if _, _, found := s.cd.Find(fn); found {
		s.openfn = fn
		return StatusOK
	}
	if !flags.Has(New) {
		return newStatus(ErrorClass, NotFound, fmt.Sprintf("member %q not found", fn))
	}

	s.openfn = fn
	modDate, modTime := dosDateTime(time.Now())
	lfh := recordcodec.NewLFH(fn, crc32, size, modTime, modDate)
	s.lfh = lfh

	wrtoff := s.cdoff
	wrtbuf := lfh.Serialize(nil)

	if s.cdexists {
		// Appending clobbers whatever central directory is currently
		// on disk (invariant: cdexists false as soon as a new member
		// begins to append). See DESIGN.md Open Question 3 for the
		// checkpoint gap this carries forward from the original.
		s.cdexists = false
	}

	if err := s.client.Write(ctx, int64(wrtoff), wrtbuf); err != nil {
		s.stage = StageError
		return wrapStatus(err)
	}
	if interrupted(ctx) {
		return nil
	}

	s.archsize += int64(len(wrtbuf))
	s.cdoff += uint64(len(wrtbuf))
	cdfh := recordcodec.NewCDFH(lfh, 0644, wrtoff)
	s.cd.Append(cdfh)
	return StatusOK
}

// Write appends buf at the session's current end-of-data. Only append
// is supported.
func (s *Session) Write(ctx context.Context, buf []byte, timeout time.Duration, handler func(*Status)) *Status {
	if !s.begin() {
		return newStatus(ErrorClass, InvalidOp, "operation already in progress")
	}
	if s.stage != StageDone || s.openfn == "" {
		s.end()
		return newStatus(ErrorClass, InvalidOp, "no member is open for writing")
	}
	go func() {
		defer s.end()
		cctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		wrtoff := s.cdoff
		err := s.client.Write(cctx, int64(wrtoff), buf)
		var st *Status
		if err != nil {
			s.stage = StageError
			st = wrapStatus(err)
		} else if !interrupted(cctx) {
			s.cdoff += uint64(len(buf))
			s.archsize += int64(len(buf))
			s.updated = true
			st = StatusOK
		}
		if handler != nil && st != nil {
			handler(st)
		}
	}()
	return StatusOK
}

// Read delivers up to size bytes of the active member's uncompressed
// content starting at relOff. handler receives the (possibly clamped)
// slice actually delivered.
func (s *Session) Read(ctx context.Context, relOff uint64, size uint32, timeout time.Duration, handler func(*Status, []byte)) *Status {
	if !s.begin() {
		return newStatus(ErrorClass, InvalidOp, "operation already in progress")
	}
	if s.stage != StageDone || s.openfn == "" {
		s.end()
		return newStatus(ErrorClass, InvalidOp, "archive not opened")
	}
	cdfh, idx, found := s.cd.Find(s.openfn)
	if !found {
		s.end()
		return newStatus(ErrorClass, NotFound, "file not found")
	}
	if cdfh.Method != recordcodec.MethodStored && cdfh.Method != recordcodec.MethodDeflate {
		s.end()
		return newStatus(ErrorClass, NotSupported, "the compression algorithm is not supported")
	}
	go func() {
		defer s.end()
		cctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		s.read(cctx, cdfh, idx, relOff, size, handler)
	}()
	return StatusOK
}

func (s *Session) read(ctx context.Context, cdfh *recordcodec.CDFH, idx int, relOff uint64, size uint32, handler func(*Status, []byte)) {
	var nextRecordOffset uint64
	if idx+1 < s.cd.Len() {
		nextRecordOffset = recordcodec.GetOffset(s.cd.At(idx + 1))
	} else {
		nextRecordOffset = s.cdoff
	}
	filesize := cdfh.CompressedSize
	fileoff := nextRecordOffset - filesize

	sizeTillEnd := uint64(0)
	if relOff <= cdfh.UncompressedSize {
		sizeTillEnd = cdfh.UncompressedSize - relOff
	}
	if uint64(size) > sizeTillEnd {
		size = uint32(sizeTillEnd)
	}

	if cdfh.Method == recordcodec.MethodDeflate {
		s.readDeflate(ctx, cdfh, fileoff, filesize, relOff, size, handler)
		return
	}
	s.readStored(ctx, fileoff, relOff, size, handler)
}

func (s *Session) readStored(ctx context.Context, fileoff, relOff uint64, size uint32, handler func(*Status, []byte)) {
	offset := fileoff + relOff
	if s.buffer != nil {
		if size == 0 {
			handler(StatusOK, nil)
			return
		}
		handler(StatusOK, s.buffer[offset:offset+uint64(size)])
		return
	}
	if size == 0 {
		handler(StatusOK, nil)
		return
	}
	chunk, err := s.client.Read(ctx, int64(offset), int64(size))
	if err != nil {
		handler(wrapStatus(err), nil)
		return
	}
	if interrupted(ctx) {
		return
	}
	handler(StatusOK, chunk.Buffer)
}

func (s *Session) readDeflate(ctx context.Context, cdfh *recordcodec.CDFH, fileoff, filesize, relOff uint64, size uint32, handler func(*Status, []byte)) {
	if s.inflcache == nil {
		s.inflcache = make(map[string]*inflatecache.Cache)
	}
	cache, existed := s.inflcache[s.openfn]
	if !existed {
		cache = &inflatecache.Cache{}
		s.inflcache[s.openfn] = cache
	}
	if !existed && s.buffer != nil {
		if err := cache.Input(s.buffer[fileoff:fileoff+filesize], 0); err != nil {
			handler(wrapStatus(err), nil)
			return
		}
	}

	dst := make([]byte, size)
	cache.Output(dst, relOff)

	for {
		n, result, err := cache.Read()
		if err != nil {
			handler(wrapStatus(err), nil)
			return
		}
		if result == inflatecache.Done {
			handler(StatusOK, dst[:n])
			return
		}

		raw := cache.NextChunkOffset()
		if raw == 0 {
			raw = relOff
		}
		if raw >= filesize {
			// nothing more to fetch; deliver whatever was produced
			handler(StatusOK, dst[:n])
			return
		}
		chunkSize := uint64(size)
		if raw+chunkSize > filesize {
			chunkSize = filesize - raw
		}
		rawChunk, err := s.client.Read(ctx, int64(fileoff+raw), int64(chunkSize))
		if err != nil {
			handler(wrapStatus(err), nil)
			return
		}
		if interrupted(ctx) {
			return
		}
		if err := cache.Input(rawChunk.Buffer, raw); err != nil {
			handler(wrapStatus(err), nil)
			return
		}
	}
}

// List returns one Entry per central directory record, in on-disk
// order. It stats the remote object once and attaches that mtime to
// every returned entry.
func (s *Session) List(ctx context.Context) ([]Entry, *Status) {
	if s.stage != StageDone {
		return nil, newStatus(ErrorClass, InvalidOp, "archive not opened")
	}
	info, err := s.client.Stat(ctx, false)
	if err != nil {
		return nil, wrapStatus(err)
	}
	entries := make([]Entry, s.cd.Len())
	for i := 0; i < s.cd.Len(); i++ {
		cdfh := s.cd.At(i)
		entries[i] = Entry{Name: cdfh.Filename, UncompressedSize: cdfh.UncompressedSize, ArchiveModTime: info.ModTime}
	}
	return entries, StatusOK
}

// LastURL returns the remote client's "LastURL" property.
func (s *Session) LastURL() string { return s.client.GetProperty("LastURL") }

// CloseArchive finalizes any appended members by rewriting the central
// directory plus EOCD trailers, then closes the remote handle. On
// success the session resets to its initial (reusable) state; on
// failure it transitions to StageError.
func (s *Session) CloseArchive(ctx context.Context, timeout time.Duration, handler func(*Status)) *Status {
	if !s.begin() {
		return newStatus(ErrorClass, InvalidOp, "operation already in progress")
	}
	go func() {
		defer s.end()
		cctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		st := s.closeArchive(cctx)
		if handler != nil && st != nil {
			handler(st)
		}
	}()
	return StatusOK
}

func (s *Session) closeArchive(ctx context.Context) *Status {
	if !s.updated {
		if err := s.client.Close(ctx); err != nil {
			s.stage = StageError
			return wrapStatus(err)
		}
		s.clear()
		return StatusOK
	}

	cdsize := uint64(s.cd.TotalSerializedSize())
	eocd := recordcodec.NewEOCD(s.cdoff, uint64(s.cd.Len()), cdsize)

	var buf []byte
	buf = s.cd.Serialize(buf)

	var zip64eocd *recordcodec.Zip64EOCD
	if eocd.UseZip64 {
		zip64eocd = recordcodec.NewZip64EOCD(s.cdoff, uint64(s.cd.Len()), cdsize)
		buf = zip64eocd.Serialize(buf)
		locator := recordcodec.NewZip64EOCDL(s.cdoff + cdsize)
		buf = locator.Serialize(buf)
	}
	buf = eocd.Serialize(buf)

	writeErr := s.client.Write(ctx, int64(s.cdoff), buf)
	closeErr := s.client.Close(ctx)

	// Propagate the *first* failure, not just the close's -- a clean
	// close must never mask an earlier write error.
	st := firstFailure(wrapStatus(writeErr), wrapStatus(closeErr))
	if !st.IsOK() {
		s.stage = StageError
		return st
	}

	s.eocd = eocd
	s.zip64eocd = zip64eocd
	s.clear()
	return StatusOK
}

func (s *Session) clear() {
	s.archsize = 0
	s.cdoff = 0
	s.cdexists = false
	s.updated = false
	s.stage = StageNone
	s.flags = None
	s.eocd = nil
	s.zip64eocd = nil
	s.cd = cdindex.New()
	s.buffer = nil
	s.openfn = ""
	s.lfh = nil
	s.inflcache = nil
}

// dosDateTime converts t to the MS-DOS date/time pair the LFH/CDFH
// ModDate/ModTime fields use.
func dosDateTime(t time.Time) (date, clock uint16) {
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, t.Location())
	}
	date = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	clock = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return date, clock
}
