// Package cdindex holds the in-memory Central Directory index: an
// ordered sequence of CDFH entries (on-disk order) plus a name->index
// map for O(1) lookup, always kept in lockstep with each other.
package cdindex

import "github.com/snafus/zipspy/internal/recordcodec"

// Index is the central directory's in-memory vector plus lookup map.
type Index struct {
	entries []*recordcodec.CDFH
	byName  map[string]int
}

// New returns an empty index.
func New() *Index {
	return &Index{byName: make(map[string]int)}
}

// Len is the number of members currently indexed.
func (idx *Index) Len() int { return len(idx.entries) }

// At returns the i-th entry in on-disk order.
func (idx *Index) At(i int) *recordcodec.CDFH { return idx.entries[i] }

// Find returns the entry for name and its index, or (nil, -1, false).
func (idx *Index) Find(name string) (*recordcodec.CDFH, int, bool) {
	i, ok := idx.byName[name]
	if !ok {
		return nil, -1, false
	}
	return idx.entries[i], i, true
}

// Append adds cdfh as the new last entry, updating both the vector and
// the map atomically.
func (idx *Index) Append(cdfh *recordcodec.CDFH) int {
	idx.entries = append(idx.entries, cdfh)
	i := len(idx.entries) - 1
	idx.byName[cdfh.Filename] = i
	return i
}

// Reset clears the index back to empty.
func (idx *Index) Reset() {
	idx.entries = nil
	idx.byName = make(map[string]int)
}

// Names returns member names in on-disk order.
func (idx *Index) Names() []string {
	names := make([]string, len(idx.entries))
	for i, e := range idx.entries {
		names[i] = e.Filename
	}
	return names
}

// TotalSerializedSize is the byte size the whole central directory
// would occupy if serialized now.
func (idx *Index) TotalSerializedSize() int {
	n := 0
	for _, e := range idx.entries {
		n += e.Size()
	}
	return n
}

// Serialize appends every entry's wire representation to dst, in
// on-disk (insertion) order.
func (idx *Index) Serialize(dst []byte) []byte {
	for _, e := range idx.entries {
		dst = e.Serialize(dst)
	}
	return dst
}

// ParseAll decodes numRecords consecutive CDFHs from buf, appending
// each to the index as it goes. It fails with
// recordcodec.ErrCorruptCDR if any record's signature or length
// arithmetic breaks.
func (idx *Index) ParseAll(buf []byte, numRecords uint64) error {
	off := 0
	for i := uint64(0); i < numRecords; i++ {
		cdfh, n, err := recordcodec.DecodeCDFH(buf[off:])
		if err != nil {
			return err
		}
		idx.Append(cdfh)
		off += n
	}
	return nil
}
