// Package recover implements the shared chain-walking recovery engine
// (component F, spec.md §4.F): given a set of byte intervals needed in the
// reconstructed file and a snapshot header to start from, walk the
// depend_on chain backward, resolving each interval from whichever ancestor
// snapshot actually defines it.
package recover

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/NoCompliers/MineGit/internal/diffcmd"
	"github.com/NoCompliers/MineGit/internal/snapshot"
)

// ChunkVirtualSpace is the fixed-width virtual byte range every region chunk
// occupies regardless of its actual compressed size, so region-aware
// payloads can address chunks by position without knowing neighbouring
// chunks' sizes ahead of time (component E, spec.md §5).
const ChunkVirtualSpace = uint64(^uint32(0)) / 1024

// ErrStructuralCorruption is returned when a dependency chain is internally
// inconsistent (a depend_on chain whose region-awareness flag flips, or an
// instruction referencing bytes past what any ancestor defines).
var ErrStructuralCorruption = errors.New("recover: structural corruption")

// ErrChainTruncated is returned when the chain ends (depend_on == NoParent)
// while instructions still await resolution.
var ErrChainTruncated = errors.New("recover: dependency chain truncated before all bytes were resolved")

// Instruction schedules len bytes starting at source offset From (in the
// snapshot payload's logical byte space) to be copied into the output
// buffer starting at To.
type Instruction struct {
	From uint64
	To   uint64
	Len  uint64
}

// instructionHeap is a container/heap min-heap ordered by ascending From, so
// the engine always resolves the earliest-needed byte range first as it
// scans a payload's command stream left to right.
type instructionHeap []Instruction

func (h instructionHeap) Len() int            { return len(h) }
func (h instructionHeap) Less(i, j int) bool  { return h[i].From < h[j].From }
func (h instructionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *instructionHeap) Push(x interface{}) { *h = append(*h, x.(Instruction)) }
func (h *instructionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ChunkDecompressor decompresses one region chunk blob (length-prefixed,
// comp-type-tagged bytes as stored inline in a snapshot payload or referred
// to by a CopyZip/InsertZip command) into its raw NBT bytes. component E
// supplies this; component F only needs the capability, not the format.
type ChunkDecompressor func(data []byte, compType byte) ([]byte, error)

// PackSource is the package file being read: a random-access reader that
// also supports seeking to an arbitrary snapshot payload offset.
type PackSource interface {
	io.Reader
	io.Seeker
}

// Recover resolves every byte range named by ops against the dependency
// chain starting at start, writing results directly into out. out must
// already be sized to the full reconstructed length; Recover only ever
// writes into the spans named by ops (and spans chunkInsertHandler
// derives from a CopyZip/InsertZip hit).
//
// decompress may be nil if the chain is known to carry no region-aware
// (CopyZip/InsertZip) commands; a nil decompress encountering such a
// command is a structural-corruption error, not a panic, since it
// indicates a chain/flags mismatch rather than a caller bug.
func Recover(pack PackSource, ops []Instruction, start snapshot.Header, out []byte, decompress ChunkDecompressor) error {
	h := &instructionHeap{}
	for _, op := range ops {
		heap.Push(h, op)
	}

	snap := start
	var next instructionHeap
	var chunkData []byte
	var payload []byte

	for h.Len() > 0 {
		var err error
		chunkData, payload, err = ReadSnapshotPayload(pack, snap)
		if err != nil {
			return err
		}

		var idx uint64
		payloadR := bytes.NewReader(payload)

		for h.Len() > 0 {
			if (*h)[0].Len == 0 {
				heap.Pop(h)
				continue
			}

			cmd, _, err := diffcmd.Deserialize(payloadR)
			if err != nil {
				return fmt.Errorf("%w: reading payload at snapshot offset %d: %v", ErrStructuralCorruption, snap.Pos, err)
			}

			switch cmd.Kind {
			case diffcmd.KindCopy:
				for h.Len() > 0 && idx+uint64(cmd.Len) > (*h)[0].From {
					op := heap.Pop(h).(Instruction)
					skip := op.From - idx
					length := minU64(op.Len, satSub(uint64(cmd.Len), skip))
					next = append(next, Instruction{From: uint64(cmd.SIdx) + skip, Len: length, To: op.To})
					if op.Len != length {
						heap.Push(h, Instruction{From: op.From + length, To: op.To + length, Len: op.Len - length})
					}
				}
				idx += uint64(cmd.Len)

			case diffcmd.KindInsert:
				bodyStart := int64(len(payload)) - int64(payloadR.Len())
				for h.Len() > 0 && idx+uint64(cmd.Len) > (*h)[0].From {
					op := heap.Pop(h).(Instruction)
					skip := op.From - idx
					length := minU64(op.Len, satSub(uint64(cmd.Len), skip))
					srcFrom := bodyStart + int64(skip)
					if srcFrom < 0 || srcFrom+int64(length) > int64(len(payload)) {
						return fmt.Errorf("%w: insert command body out of range", ErrStructuralCorruption)
					}
					copy(out[op.To:op.To+length], payload[srcFrom:srcFrom+int64(length)])
					if op.Len != length {
						heap.Push(h, Instruction{From: op.From + length, To: op.To + length, Len: op.Len - length})
					}
				}
				idx += uint64(cmd.Len)
				if _, err := payloadR.Seek(int64(cmd.Len), io.SeekCurrent); err != nil {
					return fmt.Errorf("%w: seeking past insert body: %v", ErrStructuralCorruption, err)
				}

			case diffcmd.KindCopyZip:
				if h.Len() == 0 {
					break
				}
				if (*h)[0].From >= idx+ChunkVirtualSpace {
					idx += ChunkVirtualSpace
					continue
				}
				if decompress == nil {
					return fmt.Errorf("%w: CopyZip command with no chunk decompressor configured", ErrStructuralCorruption)
				}
				if _, err := pack.Seek(int64(cmd.Pos), io.SeekStart); err != nil {
					return err
				}
				chunk, err := readChunkBlob(pack, decompress)
				if err != nil {
					return err
				}
				chunkInsertHandler(out, chunk, idx, h, &next)
				idx += ChunkVirtualSpace

			case diffcmd.KindInsertZip:
				if h.Len() == 0 {
					break
				}
				if (*h)[0].From >= idx+ChunkVirtualSpace {
					idx += ChunkVirtualSpace
					continue
				}
				if decompress == nil {
					return fmt.Errorf("%w: InsertZip command with no chunk decompressor configured", ErrStructuralCorruption)
				}
				pos := int(cmd.Pos)
				if pos+5 > len(chunkData) {
					return fmt.Errorf("%w: InsertZip.Pos out of range of chunk data blob", ErrStructuralCorruption)
				}
				// The length field counts the compression-type byte too.
				size := int(beUint32(chunkData[pos:pos+4])) - 1
				compType := chunkData[pos+4]
				if size < 0 || pos+5+size > len(chunkData) {
					return fmt.Errorf("%w: InsertZip chunk body out of range", ErrStructuralCorruption)
				}
				chunk, err := decompress(chunkData[pos+5:pos+5+size], compType)
				if err != nil {
					return fmt.Errorf("decompress InsertZip chunk: %w", err)
				}
				chunkInsertHandler(out, chunk, idx, h, &next)
				idx += ChunkVirtualSpace
			}
		}

		*h, next = next, nil

		if snap.DependOn == snapshot.NoParent || h.Len() == 0 {
			break
		}
		if _, err := pack.Seek(int64(snap.DependOn), io.SeekStart); err != nil {
			return err
		}
		seeker, ok := pack.(io.ReadSeeker)
		if !ok {
			return errors.New("recover: pack does not support seeking for header read")
		}
		parent, err := snapshot.Deserialize(seeker)
		if err != nil {
			return err
		}
		if parent.RegionAware != snap.RegionAware {
			return fmt.Errorf("%w: depend_on chain flips region-awareness at offset %d", ErrStructuralCorruption, snap.DependOn)
		}
		snap = parent
	}

	if h.Len() > 0 {
		return ErrChainTruncated
	}
	return nil
}

// chunkInsertHandler splices a decompressed region chunk's bytes into out
// according to every pending instruction whose From falls within this
// chunk's virtual byte range [chunkStart, chunkStart+ChunkVirtualSpace).
func chunkInsertHandler(out []byte, chunk []byte, chunkStart uint64, h *instructionHeap, next *instructionHeap) {
	for h.Len() > 0 {
		op := (*h)[0]
		if chunkStart+ChunkVirtualSpace <= op.From {
			break
		}
		heap.Pop(h)

		skip := op.From - chunkStart
		length := minU64(op.Len, satSub(uint64(len(chunk)), skip))
		if length > 0 {
			copy(out[op.To:op.To+length], chunk[skip:skip+length])
		}
		if op.Len != length {
			*next = append(*next, Instruction{From: op.From + length, To: op.To + length, Len: op.Len - length})
		}
	}
}

// ReadSnapshotPayload reads one snapshot's chunk-data blob and
// (decompressing if IsZipped) its command-stream payload. Exported so
// internal/region can decode a parent snapshot's command stream directly
// (e.g. to recover a zip-addressed chunk's physical pack offset) without
// going through the full chain-walking Recover.
func ReadSnapshotPayload(pack PackSource, snap snapshot.Header) (chunkData, payload []byte, err error) {
	if _, err := pack.Seek(int64(snap.Pos), io.SeekStart); err != nil {
		return nil, nil, err
	}
	chunkData = make([]byte, snap.ChunkDataSize)
	if _, err := io.ReadFull(pack, chunkData); err != nil {
		return nil, nil, fmt.Errorf("reading chunk data blob: %w", err)
	}

	headerSize := 0
	if snap.RegionAware {
		n, err := skipChunkHeaderTable(pack)
		if err != nil {
			return nil, nil, err
		}
		headerSize = n
	}

	diffLen := int(snap.PayloadLen) - (int(snap.ChunkDataSize) + headerSize)
	if diffLen < 0 {
		return nil, nil, fmt.Errorf("%w: negative payload length after header/chunk-data accounting", ErrStructuralCorruption)
	}
	raw := make([]byte, diffLen)
	if _, err := io.ReadFull(pack, raw); err != nil {
		return nil, nil, fmt.Errorf("reading snapshot payload: %w", err)
	}

	if !snap.IsZipped {
		return chunkData, raw, nil
	}
	zr, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad zstd payload: %v", ErrStructuralCorruption, err)
	}
	defer zr.Close()
	payload, err = io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad zstd payload: %v", ErrStructuralCorruption, err)
	}
	return chunkData, payload, nil
}

// skipChunkHeaderTable advances pack past a region snapshot's chunk
// descriptor table (serialized by internal/region's ChunkHeader codec) and
// returns its size in bytes, without fully decoding it: count(u32) +
// count*10 bytes + trailing size(u32).
func skipChunkHeaderTable(pack PackSource) (int, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(pack, countBuf[:]); err != nil {
		return 0, fmt.Errorf("reading chunk header count: %w", err)
	}
	count := int(beUint32(countBuf[:]))
	skip := count*10 + 4
	if _, err := pack.Seek(int64(skip), io.SeekCurrent); err != nil {
		return 0, err
	}
	return skip + 4, nil
}

// readChunkBlob reads one length-prefixed, compression-tagged chunk blob
// (as referenced by a CopyZip command's absolute pack offset) and
// decompresses it.
func readChunkBlob(pack PackSource, decompress ChunkDecompressor) ([]byte, error) {
	var head [5]byte
	if _, err := io.ReadFull(pack, head[:]); err != nil {
		return nil, fmt.Errorf("reading chunk blob header: %w", err)
	}
	size := int(beUint32(head[:4])) - 1
	if size < 0 {
		return nil, fmt.Errorf("%w: negative chunk blob size", ErrStructuralCorruption)
	}
	compType := head[4]
	body := make([]byte, size)
	if _, err := io.ReadFull(pack, body); err != nil {
		return nil, fmt.Errorf("reading chunk blob body: %w", err)
	}
	return decompress(body, compType)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
