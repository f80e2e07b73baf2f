// Package snapshot implements the fixed-size header that prefixes every
// payload stored in a package file (component C, spec.md §3/§4.C).
package snapshot

import (
	"encoding/binary"
	"io"

	"github.com/NoCompliers/MineGit/internal/diffcmd"
)

// Size is the on-disk byte size of a serialized Header.
const Size = 29

// NoParent marks a snapshot with no predecessor in the dependency chain.
const NoParent = ^uint64(0)

// regionAwareBit is the single flags bit this module ever sets or tests.
// The original source set this bit on write but tested a different bit on
// read; resolved here (per the Open Questions) to use this bit consistently
// on both paths.
const regionAwareBit = 1 << 1
const zippedBit = 1 << 0

// Header describes one snapshot's payload: how to find it, how large it is,
// whether it depends on an earlier snapshot, and whether its payload is
// zstd-compressed and/or region-aware.
type Header struct {
	DependOn      uint64 // byte offset of the parent snapshot header, or NoParent
	PayloadLen    uint64 // length in bytes of the payload following this header
	FileLen       uint64 // length of the file this snapshot reconstructs to
	ChunkDataSize uint32 // bytes of region chunk-data blob preceding the descriptor table (component E); zero for plain snapshots
	IsZipped      bool
	RegionAware   bool

	// Pos is the stream offset immediately after this header, populated by
	// Deserialize; zero value (via NoParent's all-ones pattern) is not a
	// valid Pos, so callers should treat an unset Pos as "not yet read".
	Pos uint64
}

// Default returns a Header with DependOn/Pos set to the "none" sentinel, as
// the reference implementation's Default impl does.
func Default() Header {
	return Header{DependOn: NoParent, Pos: NoParent, RegionAware: true}
}

// Serialize writes h's encoding to w.
func (h Header) Serialize(w io.Writer) error {
	var buf [Size]byte
	binary.BigEndian.PutUint64(buf[0:8], h.DependOn)
	binary.BigEndian.PutUint64(buf[8:16], h.PayloadLen)
	binary.BigEndian.PutUint64(buf[16:24], h.FileLen)
	binary.BigEndian.PutUint32(buf[24:28], h.ChunkDataSize)
	var flags byte
	if h.IsZipped {
		flags |= zippedBit
	}
	if h.RegionAware {
		flags |= regionAwareBit
	}
	buf[28] = flags
	_, err := w.Write(buf[:])
	return err
}

// Deserialize reads a Header from r. r must also support Seek so Pos can be
// recorded as the stream position immediately following the header, which
// callers use as the base offset for the payload that follows.
func Deserialize(r io.ReadSeeker) (Header, error) {
	var buf [Size]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		DependOn:      binary.BigEndian.Uint64(buf[0:8]),
		PayloadLen:    binary.BigEndian.Uint64(buf[8:16]),
		FileLen:       binary.BigEndian.Uint64(buf[16:24]),
		ChunkDataSize: binary.BigEndian.Uint32(buf[24:28]),
	}
	flags := buf[28]
	h.IsZipped = flags&zippedBit != 0
	h.RegionAware = flags&regionAwareBit != 0

	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return Header{}, err
	}
	h.Pos = uint64(pos)
	return h, nil
}

// StoreBase writes a base snapshot: a Header with no parent describing a
// single, uncompressed Insert command carrying data verbatim, per spec.md
// §4.C invariant ("a base snapshot's payload is exactly one Insert command").
func StoreBase(w io.Writer, data []byte, regionAware bool) (Header, error) {
	h := Header{
		DependOn:    NoParent,
		PayloadLen:  uint64(len(data)) + 4, // Insert command tag word + literal bytes
		FileLen:     uint64(len(data)),
		IsZipped:    false,
		RegionAware: regionAware,
		Pos:         NoParent,
	}
	if err := h.Serialize(w); err != nil {
		return Header{}, err
	}
	if err := diffcmd.WriteInsert(w, data); err != nil {
		return Header{}, err
	}
	return h, nil
}
