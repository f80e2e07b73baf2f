// Package region understands the Minecraft Anvil (.mca) region container
// format well enough to diff and recover it chunk-by-chunk (component E,
// spec.md §5): the location/timestamp header, per-chunk compression, and
// the virtual chunk-addressing scheme the recovery engine depends on.
package region

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderFieldsCnt is the number of chunk slots a region file covers
	// (a fixed 32x32 grid of chunks).
	HeaderFieldsCnt = 1024
	// HeaderSize is the combined size of the location and timestamp
	// tables at the start of a region file.
	HeaderSize = HeaderFieldsCnt * 4 * 2
	// SectorSize is the allocation granularity region files are padded to.
	SectorSize = 4096

	compressionGzip        = 1
	compressionZlib         = 2
	compressionZlibOldAlias = 0
	compressionUncompressed = 3
)

// ErrUnsupportedCompression is returned when a chunk's compression type
// byte is not one of the four Anvil-defined values.
var ErrUnsupportedCompression = errors.New("region: unsupported chunk compression type")

// ErrStructuralCorruption is returned when a region file's header or
// chunk framing is internally inconsistent.
var ErrStructuralCorruption = errors.New("region: structural corruption")

// DecompressChunk inverts a region chunk's on-disk compression. compType
// follows the Anvil convention: 0 and 2 are zlib, 1 is gzip, 3 is stored
// uncompressed. This is the ChunkDecompressor internal/recover calls back
// into for CopyZip/InsertZip commands.
func DecompressChunk(data []byte, compType byte) ([]byte, error) {
	switch compType {
	case compressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: bad gzip chunk: %v", ErrStructuralCorruption, err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case compressionZlib, compressionZlibOldAlias:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: bad zlib chunk: %v", ErrStructuralCorruption, err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case compressionUncompressed:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedCompression, compType)
	}
}

// CompressChunk compresses data with the given Anvil compression type.
// Only zlib and uncompressed are used when this module writes new chunk
// data; gzip (type 1) is read-only support for chunks authored elsewhere.
func CompressChunk(data []byte, compType byte) ([]byte, error) {
	switch compType {
	case compressionZlib:
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case compressionUncompressed:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedCompression, compType)
	}
}

// ChunkSlot is one occupied entry of a region file's 1024-slot header: the
// byte offset of its compressed chunk blob (length + comp-type + payload)
// and its last-modified timestamp.
type ChunkSlot struct {
	Index     int // 0..1023, (localX)+(localZ*32)
	Offset    uint32
	Timestamp uint32
}

// ParseHeader reads the location/timestamp tables from the first HeaderSize
// bytes of a region file (already read into data) and returns every
// occupied slot, grounded on the teacher's SaveRegion location-word layout
// ((offset<<8)|sectorCount) and delta/mca.rs's ChunkHeader::new.
func ParseHeader(data []byte) ([]ChunkSlot, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: region header truncated: %d bytes", ErrStructuralCorruption, len(data))
	}
	var slots []ChunkSlot
	for i := 0; i < HeaderFieldsCnt; i++ {
		loc := binary.BigEndian.Uint32(data[i*4 : i*4+4])
		if loc>>8 == 0 || loc&0xFF == 0 {
			continue
		}
		ts := binary.BigEndian.Uint32(data[SectorSize+i*4 : SectorSize+i*4+4])
		slots = append(slots, ChunkSlot{
			Index:     i,
			Offset:    (loc >> 8) * SectorSize,
			Timestamp: ts,
		})
	}
	return slots, nil
}

// ReadChunkBlob reads one chunk's length-prefixed, compression-tagged blob
// (4-byte big-endian length + 1 compression-type byte + payload) from data
// at the given byte offset, as laid out by the Anvil format and the
// teacher's SaveRegion.
func ReadChunkBlob(data []byte, offset uint32) (payload []byte, compType byte, err error) {
	if int(offset)+5 > len(data) {
		return nil, 0, fmt.Errorf("%w: chunk offset %d out of range", ErrStructuralCorruption, offset)
	}
	length := binary.BigEndian.Uint32(data[offset : offset+4])
	if length == 0 {
		return nil, 0, fmt.Errorf("%w: zero-length chunk at offset %d", ErrStructuralCorruption, offset)
	}
	compType = data[offset+4]
	end := int(offset) + 5 + int(length) - 1
	if end > len(data) {
		return nil, 0, fmt.Errorf("%w: chunk payload at offset %d exceeds file length", ErrStructuralCorruption, offset)
	}
	payload = data[offset+5 : end]
	return payload, compType, nil
}
