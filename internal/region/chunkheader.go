package region

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ChunkDescSize is the serialized size, in bytes, of one ChunkDesc record:
// timestamp(4) + virtual-position(4) + slot-index(2).
const ChunkDescSize = 10

// ChunkDesc is one entry of a region snapshot's chunk descriptor table: it
// maps a region slot index back to where that chunk's bytes live in the
// snapshot's virtual byte space (VPos) and how large the run is (Size,
// filled in at deserialize time from the gap to the next entry).
type ChunkDesc struct {
	Timestamp uint32
	VPos      uint32
	Slot      uint16
	Size      uint32 // derived at deserialize time, not itself serialized
}

// SerializeDescs writes the chunk descriptor table: a u32 count, then one
// 10-byte record per descriptor, then a trailing u32 holding the last
// descriptor's Size (every other descriptor's size is implied by the gap
// to the next VPos).
func SerializeDescs(w io.Writer, descs []ChunkDesc) error {
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(descs)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	var rec [ChunkDescSize]byte
	for _, d := range descs {
		binary.BigEndian.PutUint32(rec[0:4], d.Timestamp)
		binary.BigEndian.PutUint32(rec[4:8], d.VPos)
		binary.BigEndian.PutUint16(rec[8:10], d.Slot)
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	var lastSize [4]byte
	if len(descs) > 0 {
		binary.BigEndian.PutUint32(lastSize[:], descs[len(descs)-1].Size)
	}
	_, err := w.Write(lastSize[:])
	return err
}

// DeserializeDescs reads a table written by SerializeDescs, back-filling
// each descriptor's Size from the gap to the following entry's VPos (the
// last one from the trailing size word).
func DeserializeDescs(r io.Reader) ([]ChunkDesc, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("reading chunk descriptor count: %w", err)
	}
	count := binary.BigEndian.Uint32(head[:])
	descs := make([]ChunkDesc, count)

	var rec [ChunkDescSize]byte
	for i := range descs {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, fmt.Errorf("reading chunk descriptor %d: %w", i, err)
		}
		descs[i] = ChunkDesc{
			Timestamp: binary.BigEndian.Uint32(rec[0:4]),
			VPos:      binary.BigEndian.Uint32(rec[4:8]),
			Slot:      binary.BigEndian.Uint16(rec[8:10]),
		}
	}

	var lastSize [4]byte
	if _, err := io.ReadFull(r, lastSize[:]); err != nil {
		return nil, fmt.Errorf("reading trailing descriptor size: %w", err)
	}
	for i := 0; i+1 < len(descs); i++ {
		descs[i].Size = descs[i+1].VPos - descs[i].VPos
	}
	if len(descs) > 0 {
		descs[len(descs)-1].Size = binary.BigEndian.Uint32(lastSize[:])
	}
	return descs, nil
}

// SerializedDescTableSize returns the on-disk size of a descriptor table
// holding n entries, without building or reading one.
func SerializedDescTableSize(n int) int {
	return n*ChunkDescSize + 8
}
