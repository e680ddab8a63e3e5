// Package recordcodec serializes and deserializes the on-disk ZIP and
// ZIP64 trailer/header records: LFH, CDFH, EOCD, ZIP64_EOCD and
// ZIP64_EOCDL. It performs no I/O; callers feed it byte slices already
// read from the archive and receive back byte slices to write.
package recordcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Signatures, as laid out in the ZIP/ZIP64 standard.
const (
	SigLFH         = 0x04034b50
	SigCDFH        = 0x02014b50
	SigEOCD        = 0x06054b50
	SigZip64EOCD   = 0x06064b50
	SigZip64EOCDL  = 0x07064b50
	SigDataDescrip = 0x08074b50
)

// Sizes of the fixed portion of each record, signature included.
const (
	LFHBaseSize        = 30
	CDFHBaseSize       = 46
	EOCDBaseSize       = 22
	Zip64EOCDSize      = 56
	Zip64EOCDLSize     = 20
	MaxCommentLength   = 65535
	zip64ExtraFieldTag = 0x0001
)

// Compression methods the core understands. Anything else is rejected
// by archive.Session.Read with NotSupported.
const (
	MethodStored  uint16 = 0
	MethodDeflate uint16 = 8
)

var (
	// ErrEOCDNotFound is returned when FindEOCD fails to locate the
	// end-of-central-directory signature in the supplied tail buffer.
	ErrEOCDNotFound = errors.New("zip: EOCD not found")
	// ErrCorruptCDR is returned when a CDFH fails a signature or
	// length-arithmetic check while walking the central directory.
	ErrCorruptCDR = errors.New("zip: CD corrupted")
	// ErrCorruptZip64EOCD guards the ZIP64 EOCD signature check.
	ErrCorruptZip64EOCD = errors.New("zip: ZIP64 end-of-central-directory signature not found")
)

// LFH is a Local File Header: the per-member record immediately
// preceding a member's data.
type LFH struct {
	VersionNeeded    uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	Filename         string
	Extra            []byte
}

// Size is the serialized size of this LFH, including name and extra.
func (h *LFH) Size() int {
	return LFHBaseSize + len(h.Filename) + len(h.Extra)
}

// NewLFH builds an LFH for a newly appended member the way ZipArchive's
// OpenFile constructs one from (name, crc32, size, now).
func NewLFH(name string, crc32 uint32, size uint64, modTime, modDate uint16) *LFH {
	method := MethodStored
	uSize := size
	if uSize > 0xFFFFFFFF {
		uSize = 0xFFFFFFFF // caller is expected to add a zip64 extra field if needed
	}
	return &LFH{
		VersionNeeded:    20,
		Method:           uint16(method),
		ModTime:          modTime,
		ModDate:          modDate,
		CRC32:            crc32,
		CompressedSize:   uint32(uSize),
		UncompressedSize: uint32(uSize),
		Filename:         name,
	}
}

// Serialize appends this LFH's wire representation to dst and returns
// the extended slice.
func (h *LFH) Serialize(dst []byte) []byte {
	buf := make([]byte, LFHBaseSize)
	binary.LittleEndian.PutUint32(buf[0:4], SigLFH)
	binary.LittleEndian.PutUint16(buf[4:6], h.VersionNeeded)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint16(buf[8:10], h.Method)
	binary.LittleEndian.PutUint16(buf[10:12], h.ModTime)
	binary.LittleEndian.PutUint16(buf[12:14], h.ModDate)
	binary.LittleEndian.PutUint32(buf[14:18], h.CRC32)
	binary.LittleEndian.PutUint32(buf[18:22], h.CompressedSize)
	binary.LittleEndian.PutUint32(buf[22:26], h.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[26:28], uint16(len(h.Filename)))
	binary.LittleEndian.PutUint16(buf[28:30], uint16(len(h.Extra)))
	dst = append(dst, buf...)
	dst = append(dst, h.Filename...)
	dst = append(dst, h.Extra...)
	return dst
}

// CDFH is a Central Directory File Header: the per-member metadata
// record stored in the central directory.
type CDFH struct {
	VersionMadeBy      uint16
	VersionNeeded      uint16
	Flags              uint16
	Method             uint16
	ModTime            uint16
	ModDate            uint16
	CRC32              uint32
	CompressedSize     uint64
	UncompressedSize   uint64
	DiskNumberStart    uint16
	InternalAttrs      uint16
	ExternalAttrs      uint32
	LocalHeaderOffset  uint64
	Filename           string
	Extra              []byte
	Comment            string
}

// GetOffset returns the absolute archive offset of this member's LFH.
func GetOffset(cdfh *CDFH) uint64 { return cdfh.LocalHeaderOffset }

// needsZip64 reports whether any field would overflow its 32-bit slot.
func (c *CDFH) needsZip64() bool {
	return c.CompressedSize > 0xFFFFFFFF || c.UncompressedSize > 0xFFFFFFFF || c.LocalHeaderOffset > 0xFFFFFFFF
}

// Size is this CDFH's serialized size, including name/extra/comment.
func (c *CDFH) Size() int {
	extra := len(c.Extra)
	if c.needsZip64() {
		extra += zip64ExtraSize(c)
	}
	return CDFHBaseSize + len(c.Filename) + extra + len(c.Comment)
}

func zip64ExtraSize(c *CDFH) int {
	n := 0
	if c.UncompressedSize > 0xFFFFFFFF {
		n += 8
	}
	if c.CompressedSize > 0xFFFFFFFF {
		n += 8
	}
	if c.LocalHeaderOffset > 0xFFFFFFFF {
		n += 8
	}
	if n == 0 {
		return 0
	}
	return n + 4 // tag + size header
}

// NewCDFH builds a CDFH describing a member just written via its LFH,
// the absolute offset of that LFH, and a Unix file mode stashed in the
// external-attributes field the way Unix-built archives do.
func NewCDFH(lfh *LFH, mode uint32, lfhOffset uint64) *CDFH {
	return &CDFH{
		VersionMadeBy:     (3 << 8) | 20, // Unix, version 2.0
		VersionNeeded:     lfh.VersionNeeded,
		Flags:             lfh.Flags,
		Method:            lfh.Method,
		ModTime:           lfh.ModTime,
		ModDate:           lfh.ModDate,
		CRC32:             lfh.CRC32,
		CompressedSize:    uint64(lfh.CompressedSize),
		UncompressedSize:  uint64(lfh.UncompressedSize),
		ExternalAttrs:     mode << 16,
		LocalHeaderOffset: lfhOffset,
		Filename:          lfh.Filename,
	}
}

// Serialize appends this CDFH's wire representation to dst.
func (c *CDFH) Serialize(dst []byte) []byte {
	var extra []byte
	compSize, uncompSize, lhOffset := uint32(c.CompressedSize), uint32(c.UncompressedSize), uint32(c.LocalHeaderOffset)
	if c.needsZip64() {
		var z64 []byte
		if c.UncompressedSize > 0xFFFFFFFF {
			z64 = appendUint64(z64, c.UncompressedSize)
			uncompSize = 0xFFFFFFFF
		}
		if c.CompressedSize > 0xFFFFFFFF {
			z64 = appendUint64(z64, c.CompressedSize)
			compSize = 0xFFFFFFFF
		}
		if c.LocalHeaderOffset > 0xFFFFFFFF {
			z64 = appendUint64(z64, c.LocalHeaderOffset)
			lhOffset = 0xFFFFFFFF
		}
		extra = make([]byte, 4, 4+len(z64))
		binary.LittleEndian.PutUint16(extra[0:2], zip64ExtraFieldTag)
		binary.LittleEndian.PutUint16(extra[2:4], uint16(len(z64)))
		extra = append(extra, z64...)
	}
	extra = append(extra, c.Extra...)

	buf := make([]byte, CDFHBaseSize)
	binary.LittleEndian.PutUint32(buf[0:4], SigCDFH)
	binary.LittleEndian.PutUint16(buf[4:6], c.VersionMadeBy)
	binary.LittleEndian.PutUint16(buf[6:8], c.VersionNeeded)
	binary.LittleEndian.PutUint16(buf[8:10], c.Flags)
	binary.LittleEndian.PutUint16(buf[10:12], c.Method)
	binary.LittleEndian.PutUint16(buf[12:14], c.ModTime)
	binary.LittleEndian.PutUint16(buf[14:16], c.ModDate)
	binary.LittleEndian.PutUint32(buf[16:20], c.CRC32)
	binary.LittleEndian.PutUint32(buf[20:24], compSize)
	binary.LittleEndian.PutUint32(buf[24:28], uncompSize)
	binary.LittleEndian.PutUint16(buf[28:30], uint16(len(c.Filename)))
	binary.LittleEndian.PutUint16(buf[30:32], uint16(len(extra)))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(len(c.Comment)))
	binary.LittleEndian.PutUint16(buf[34:36], c.DiskNumberStart)
	binary.LittleEndian.PutUint16(buf[36:38], c.InternalAttrs)
	binary.LittleEndian.PutUint32(buf[38:42], c.ExternalAttrs)
	binary.LittleEndian.PutUint32(buf[42:46], lhOffset)
	dst = append(dst, buf...)
	dst = append(dst, c.Filename...)
	dst = append(dst, extra...)
	dst = append(dst, c.Comment...)
	return dst
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// DecodeCDFH parses a single CDFH starting at buf[0]. It returns the
// parsed record and the number of bytes consumed.
func DecodeCDFH(buf []byte) (*CDFH, int, error) {
	if len(buf) < CDFHBaseSize {
		return nil, 0, ErrCorruptCDR
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != SigCDFH {
		return nil, 0, ErrCorruptCDR
	}
	c := &CDFH{
		VersionMadeBy:     binary.LittleEndian.Uint16(buf[4:6]),
		VersionNeeded:     binary.LittleEndian.Uint16(buf[6:8]),
		Flags:             binary.LittleEndian.Uint16(buf[8:10]),
		Method:            binary.LittleEndian.Uint16(buf[10:12]),
		ModTime:           binary.LittleEndian.Uint16(buf[12:14]),
		ModDate:           binary.LittleEndian.Uint16(buf[14:16]),
		CRC32:             binary.LittleEndian.Uint32(buf[16:20]),
		DiskNumberStart:   binary.LittleEndian.Uint16(buf[34:36]),
		InternalAttrs:     binary.LittleEndian.Uint16(buf[36:38]),
		ExternalAttrs:     binary.LittleEndian.Uint32(buf[38:42]),
	}
	compSize := binary.LittleEndian.Uint32(buf[20:24])
	uncompSize := binary.LittleEndian.Uint32(buf[24:28])
	nameLen := int(binary.LittleEndian.Uint16(buf[28:30]))
	extraLen := int(binary.LittleEndian.Uint16(buf[30:32]))
	commentLen := int(binary.LittleEndian.Uint16(buf[32:34]))
	lhOffset := binary.LittleEndian.Uint32(buf[42:46])
	c.CompressedSize = uint64(compSize)
	c.UncompressedSize = uint64(uncompSize)
	c.LocalHeaderOffset = uint64(lhOffset)

	total := CDFHBaseSize + nameLen + extraLen + commentLen
	if len(buf) < total {
		return nil, 0, ErrCorruptCDR
	}
	off := CDFHBaseSize
	c.Filename = string(buf[off : off+nameLen])
	off += nameLen
	c.Extra = buf[off : off+extraLen]
	off += extraLen
	c.Comment = string(buf[off : off+commentLen])

	needU := uncompSize == 0xFFFFFFFF
	needC := compSize == 0xFFFFFFFF
	needO := lhOffset == 0xFFFFFFFF
	extra := c.Extra
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		if len(extra) < 4+size {
			break
		}
		field := extra[4 : 4+size]
		if tag == zip64ExtraFieldTag {
			p := 0
			if needU {
				if len(field) < p+8 {
					return nil, 0, ErrCorruptCDR
				}
				c.UncompressedSize = binary.LittleEndian.Uint64(field[p : p+8])
				p += 8
				needU = false
			}
			if needC {
				if len(field) < p+8 {
					return nil, 0, ErrCorruptCDR
				}
				c.CompressedSize = binary.LittleEndian.Uint64(field[p : p+8])
				p += 8
				needC = false
			}
			if needO {
				if len(field) < p+8 {
					return nil, 0, ErrCorruptCDR
				}
				c.LocalHeaderOffset = binary.LittleEndian.Uint64(field[p : p+8])
				needO = false
			}
		}
		extra = extra[4+size:]
	}
	return c, total, nil
}

// EOCD is the End-of-Central-Directory record.
type EOCD struct {
	NumRecords uint64
	CDSize     uint64
	CDOffset   uint64
	Comment    string
	UseZip64   bool
}

// NewEOCD builds the trailer describing a fully-written central
// directory, deciding whether ZIP64 is required by checking whether
// any field would overflow its 32-bit legacy representation.
func NewEOCD(cdOffset, numRecords, cdSize uint64) *EOCD {
	e := &EOCD{CDOffset: cdOffset, NumRecords: numRecords, CDSize: cdSize}
	if cdOffset > 0xFFFFFFFF || cdSize > 0xFFFFFFFF || numRecords > 0xFFFF {
		e.UseZip64 = true
	}
	return e
}

// Size is the serialized size of this EOCD, comment included.
func (e *EOCD) Size() int { return EOCDBaseSize + len(e.Comment) }

// Serialize appends this EOCD's wire representation to dst.
func (e *EOCD) Serialize(dst []byte) []byte {
	numRecords, cdSize, cdOffset := uint16(e.NumRecords), uint32(e.CDSize), uint32(e.CDOffset)
	if e.UseZip64 {
		numRecords, cdSize, cdOffset = 0xFFFF, 0xFFFFFFFF, 0xFFFFFFFF
	}
	buf := make([]byte, EOCDBaseSize)
	binary.LittleEndian.PutUint32(buf[0:4], SigEOCD)
	binary.LittleEndian.PutUint16(buf[4:6], 0) // disk number
	binary.LittleEndian.PutUint16(buf[6:8], 0) // disk with CD start
	binary.LittleEndian.PutUint16(buf[8:10], numRecords)
	binary.LittleEndian.PutUint16(buf[10:12], numRecords)
	binary.LittleEndian.PutUint32(buf[12:16], cdSize)
	binary.LittleEndian.PutUint32(buf[16:20], cdOffset)
	binary.LittleEndian.PutUint16(buf[20:22], uint16(len(e.Comment)))
	dst = append(dst, buf...)
	dst = append(dst, e.Comment...)
	return dst
}

// FindEOCD scans buf for the EOCD signature, returning the last
// occurrence whose declared comment length is consistent with the
// buffer's actual length. The check is unconditional: a signature match
// whose comment length doesn't land exactly on the end of buf is a
// false positive (an archive comment that happens to contain the same
// four bytes) and is skipped in favor of the next match further back.
func FindEOCD(buf []byte) (*EOCD, int, error) {
	pos := -1
	for i := len(buf) - EOCDBaseSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(buf[i:i+4]) != SigEOCD {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(buf[i+20 : i+22]))
		if i+EOCDBaseSize+commentLen == len(buf) {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, 0, ErrEOCDNotFound
	}
	commentLen := int(binary.LittleEndian.Uint16(buf[pos+20 : pos+22]))
	e := &EOCD{
		NumRecords: uint64(binary.LittleEndian.Uint16(buf[pos+10 : pos+12])),
		CDSize:     uint64(binary.LittleEndian.Uint32(buf[pos+12 : pos+16])),
		CDOffset:   uint64(binary.LittleEndian.Uint32(buf[pos+16 : pos+20])),
	}
	end := pos + EOCDBaseSize + commentLen
	if end <= len(buf) {
		e.Comment = string(buf[pos+EOCDBaseSize : end])
	}
	return e, pos, nil
}

// Zip64EOCD is the ZIP64 End-of-Central-Directory record.
type Zip64EOCD struct {
	NumRecords uint64
	CDSize     uint64
	CDOffset   uint64
}

// NewZip64EOCD mirrors NewEOCD for the 64-bit trailer.
func NewZip64EOCD(cdOffset, numRecords, cdSize uint64) *Zip64EOCD {
	return &Zip64EOCD{CDOffset: cdOffset, NumRecords: numRecords, CDSize: cdSize}
}

// Size is the fixed serialized size of a ZIP64 EOCD record.
func (z *Zip64EOCD) Size() int { return Zip64EOCDSize }

// Serialize appends this record's wire representation to dst.
func (z *Zip64EOCD) Serialize(dst []byte) []byte {
	buf := make([]byte, Zip64EOCDSize)
	binary.LittleEndian.PutUint32(buf[0:4], SigZip64EOCD)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(Zip64EOCDSize-12))
	binary.LittleEndian.PutUint16(buf[12:14], 45) // version made by
	binary.LittleEndian.PutUint16(buf[14:16], 45) // version needed
	binary.LittleEndian.PutUint32(buf[16:20], 0)  // disk number
	binary.LittleEndian.PutUint32(buf[20:24], 0)  // disk with CD start
	binary.LittleEndian.PutUint64(buf[24:32], z.NumRecords)
	binary.LittleEndian.PutUint64(buf[32:40], z.NumRecords)
	binary.LittleEndian.PutUint64(buf[40:48], z.CDSize)
	binary.LittleEndian.PutUint64(buf[48:56], z.CDOffset)
	return append(dst, buf...)
}

// DecodeZip64EOCD parses the fixed-size record starting at buf[0].
func DecodeZip64EOCD(buf []byte) (*Zip64EOCD, error) {
	if len(buf) < Zip64EOCDSize {
		return nil, ErrCorruptZip64EOCD
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != SigZip64EOCD {
		return nil, ErrCorruptZip64EOCD
	}
	return &Zip64EOCD{
		NumRecords: binary.LittleEndian.Uint64(buf[32:40]),
		CDSize:     binary.LittleEndian.Uint64(buf[40:48]),
		CDOffset:   binary.LittleEndian.Uint64(buf[48:56]),
	}, nil
}

// Zip64EOCDL is the locator that precedes the EOCD when ZIP64 is used.
type Zip64EOCDL struct {
	Zip64EOCDOffset uint64
}

// NewZip64EOCDL builds a locator pointing at a just-constructed
// Zip64EOCD positioned immediately before the locator itself.
func NewZip64EOCDL(zip64EocdOffset uint64) *Zip64EOCDL {
	return &Zip64EOCDL{Zip64EOCDOffset: zip64EocdOffset}
}

// Size is the fixed serialized size of a ZIP64 EOCD locator.
func (l *Zip64EOCDL) Size() int { return Zip64EOCDLSize }

// Serialize appends this locator's wire representation to dst.
func (l *Zip64EOCDL) Serialize(dst []byte) []byte {
	buf := make([]byte, Zip64EOCDLSize)
	binary.LittleEndian.PutUint32(buf[0:4], SigZip64EOCDL)
	binary.LittleEndian.PutUint32(buf[4:8], 0) // disk with zip64 EOCD
	binary.LittleEndian.PutUint64(buf[8:16], l.Zip64EOCDOffset)
	binary.LittleEndian.PutUint32(buf[16:20], 1) // total disks
	return append(dst, buf...)
}

// DecodeZip64EOCDL parses the fixed-size locator starting at buf[0].
func DecodeZip64EOCDL(buf []byte) (*Zip64EOCDL, error) {
	if len(buf) < Zip64EOCDLSize {
		return nil, fmt.Errorf("zip: short ZIP64 EOCD locator")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != SigZip64EOCDL {
		return nil, fmt.Errorf("zip: ZIP64 EOCD locator signature not found")
	}
	return &Zip64EOCDL{
		Zip64EOCDOffset: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}
