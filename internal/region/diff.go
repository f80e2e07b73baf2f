package region

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/NoCompliers/MineGit/internal/diffcmd"
	"github.com/NoCompliers/MineGit/internal/recover"
	"github.com/NoCompliers/MineGit/internal/sarray"
	"github.com/NoCompliers/MineGit/internal/snapshot"
)

// rawBlob returns the full on-disk record for one chunk — the 4-byte
// length field, the compression-type byte, and the compressed payload —
// starting at offset. This is the unit InsertZip/CopyZip commands address:
// the whole record is copied verbatim, never just the payload, so a
// zip-addressed chunk's record in a recovered .mca file is bit-identical to
// the original (re-diffed chunks are recompressed, see gatherChunkRecords).
func rawBlob(data []byte, offset uint32) ([]byte, error) {
	if int(offset)+5 > len(data) {
		return nil, fmt.Errorf("%w: chunk record offset %d out of range", ErrStructuralCorruption, offset)
	}
	length := binary.BigEndian.Uint32(data[offset : offset+4])
	end := int(offset) + 4 + int(length)
	if end > len(data) {
		return nil, fmt.Errorf("%w: chunk record at offset %d exceeds file length", ErrStructuralCorruption, offset)
	}
	return data[offset:end], nil
}

// SaveBase writes the first (parentless) snapshot for a region file: every
// occupied chunk slot becomes one InsertZip command pointing at its own
// raw record inside this snapshot's chunk-data blob, addressed in the
// fixed-width virtual chunk space (spec.md §5, grounded on
// delta/mca.rs::MCA::save_new).
func SaveBase(w io.WriteSeeker, fileData []byte) (snapshot.Header, error) {
	slots, err := ParseHeader(fileData)
	if err != nil {
		return snapshot.Header{}, err
	}

	var chunkData bytes.Buffer
	var descs []ChunkDesc
	var cmds bytes.Buffer
	var vpos uint32

	for _, s := range slots {
		blob, err := rawBlob(fileData, s.Offset)
		if err != nil {
			return snapshot.Header{}, err
		}
		pos := uint32(chunkData.Len())
		chunkData.Write(blob)

		if err := diffcmd.Serialize(&cmds, diffcmd.Command{Kind: diffcmd.KindInsertZip, Pos: uint64(pos)}); err != nil {
			return snapshot.Header{}, err
		}
		descs = append(descs, ChunkDesc{Timestamp: s.Timestamp, VPos: vpos, Slot: uint16(s.Index), Size: uint32(recover.ChunkVirtualSpace)})
		vpos += uint32(recover.ChunkVirtualSpace)
	}

	return writeSnapshot(w, snapshot.NoParent, uint64(len(fileData)), chunkData.Bytes(), descs, cmds.Bytes())
}

// walkZipOffsets walks a snapshot's own diff command stream (payload,
// already decompressed) and returns, for every zip-addressed descriptor
// (Size == ChunkVirtualSpace), the absolute pack-file byte offset of its
// raw record.
//
// A descriptor does not correspond 1:1 with a command: an unchanged or
// short-circuited chunk is exactly one Copy/CopyZip command, but a
// re-diffed plain chunk's bytes may be spread across several Copy/Insert
// commands emitted by internal/sarray. So each descriptor consumes
// commands from the stream until its declared Size bytes (or, for a zip
// descriptor, one whole ChunkVirtualSpace slot) has been accounted for.
func walkZipOffsets(payload []byte, basePos uint64, descs []ChunkDesc) (map[int]uint64, error) {
	r := bytes.NewReader(payload)
	positions := make(map[int]uint64)

	for i, d := range descs {
		remaining := int64(d.Size)
		for remaining > 0 {
			cmd, _, err := diffcmd.Deserialize(r)
			if err != nil {
				return nil, fmt.Errorf("%w: decoding command for descriptor %d: %v", ErrStructuralCorruption, i, err)
			}
			switch cmd.Kind {
			case diffcmd.KindCopy:
				remaining -= int64(cmd.Len)
			case diffcmd.KindInsert:
				if _, err := r.Seek(int64(cmd.Len), io.SeekCurrent); err != nil {
					return nil, err
				}
				remaining -= int64(cmd.Len)
			case diffcmd.KindCopyZip:
				if d.Size == uint32(recover.ChunkVirtualSpace) {
					positions[i] = cmd.Pos
				}
				remaining -= int64(recover.ChunkVirtualSpace)
			case diffcmd.KindInsertZip:
				if d.Size == uint32(recover.ChunkVirtualSpace) {
					positions[i] = basePos + cmd.Pos
				}
				remaining -= int64(recover.ChunkVirtualSpace)
			}
		}
		if remaining < 0 {
			return nil, fmt.Errorf("%w: command stream overshot descriptor %d's declared size", ErrStructuralCorruption, i)
		}
	}
	return positions, nil
}

// Update produces the next snapshot in a region file's chain: fileData is
// the new .mca contents, parent is the snapshot header of the previous
// version. Unchanged chunks (same timestamp) are re-emitted as
// Copy/CopyZip referencing the parent's addressing; changed chunks are
// either short-circuited to CopyZip when their compressed bytes turn out
// identical despite a timestamp bump (spec.md scenario 5; checked only for
// chunks the parent stores whole, i.e. zip-addressed ones), or re-diffed
// byte-for-byte via internal/sarray against the parent's decompressed chunk
// bytes; brand-new chunks become InsertZip.
func Update(pack io.ReadWriteSeeker, parent snapshot.Header, parentDescs []ChunkDesc, fileData []byte) (snapshot.Header, error) {
	_, parentPayload, err := recover.ReadSnapshotPayload(pack, parent)
	if err != nil {
		return snapshot.Header{}, err
	}
	zipPos, err := walkZipOffsets(parentPayload, parent.Pos, parentDescs)
	if err != nil {
		return snapshot.Header{}, err
	}

	newSlots, err := ParseHeader(fileData)
	if err != nil {
		return snapshot.Header{}, err
	}
	newByIndex := make(map[int]ChunkSlot, len(newSlots))
	for _, s := range newSlots {
		newByIndex[s.Index] = s
	}

	var cmds bytes.Buffer
	var newChunkData bytes.Buffer
	var descs []ChunkDesc
	var vpos uint32
	seen := make(map[int]bool, len(parentDescs))

	for i, d := range parentDescs {
		seen[int(d.Slot)] = true
		ns, ok := newByIndex[int(d.Slot)]
		if !ok {
			continue // chunk removed from the working copy: simply not re-emitted
		}

		if ns.Timestamp == d.Timestamp {
			if d.Size == uint32(recover.ChunkVirtualSpace) {
				if err := diffcmd.Serialize(&cmds, diffcmd.Command{Kind: diffcmd.KindCopyZip, Pos: zipPos[i]}); err != nil {
					return snapshot.Header{}, err
				}
			} else {
				if err := diffcmd.Serialize(&cmds, diffcmd.Command{Kind: diffcmd.KindCopy, SIdx: d.VPos, Len: d.Size}); err != nil {
					return snapshot.Header{}, err
				}
			}
			descs = append(descs, ChunkDesc{Timestamp: d.Timestamp, VPos: vpos, Slot: d.Slot, Size: d.Size})
			vpos += d.Size
			continue
		}

		newPayload, newCompType, err := ReadChunkBlob(fileData, ns.Offset)
		if err != nil {
			return snapshot.Header{}, err
		}

		var oldBuf []byte
		if d.Size == uint32(recover.ChunkVirtualSpace) {
			oldBlob, err := readBlobFromPack(pack, zipPos[i])
			if err != nil {
				return snapshot.Header{}, err
			}
			newBlob, err := rawBlob(fileData, ns.Offset)
			if err != nil {
				return snapshot.Header{}, err
			}
			if bytes.Equal(oldBlob, newBlob) {
				if err := diffcmd.Serialize(&cmds, diffcmd.Command{Kind: diffcmd.KindCopyZip, Pos: zipPos[i]}); err != nil {
					return snapshot.Header{}, err
				}
				descs = append(descs, ChunkDesc{Timestamp: ns.Timestamp, VPos: vpos, Slot: d.Slot, Size: uint32(recover.ChunkVirtualSpace)})
				vpos += uint32(recover.ChunkVirtualSpace)
				continue
			}
			if len(oldBlob) < 5 {
				return snapshot.Header{}, fmt.Errorf("%w: chunk record at pack offset %d too short", ErrStructuralCorruption, zipPos[i])
			}
			oldBuf, err = DecompressChunk(oldBlob[5:], oldBlob[4])
			if err != nil {
				return snapshot.Header{}, fmt.Errorf("decompressing old chunk for slot %d: %w", d.Slot, err)
			}
		} else {
			oldBuf = make([]byte, d.Size)
			if err := recover.Recover(pack, []recover.Instruction{{From: uint64(d.VPos), To: 0, Len: uint64(d.Size)}}, parent, oldBuf, DecompressChunk); err != nil {
				return snapshot.Header{}, fmt.Errorf("recovering old chunk bytes for slot %d: %w", d.Slot, err)
			}
		}
		newBytes, err := DecompressChunk(newPayload, newCompType)
		if err != nil {
			return snapshot.Header{}, err
		}

		var gen sarray.Generator
		gen.Init(oldBuf, newBytes)
		if err := gen.Generate(&cmds, uint64(d.VPos)); err != nil {
			return snapshot.Header{}, err
		}
		descs = append(descs, ChunkDesc{Timestamp: ns.Timestamp, VPos: vpos, Slot: d.Slot, Size: uint32(len(newBytes))})
		vpos += uint32(len(newBytes))
	}

	// Chunks present in the new file but never seen before: inserted whole.
	newIndices := make([]int, 0, len(newSlots))
	for idx := range newByIndex {
		if !seen[idx] {
			newIndices = append(newIndices, idx)
		}
	}
	sort.Ints(newIndices)
	for _, idx := range newIndices {
		s := newByIndex[idx]
		blob, err := rawBlob(fileData, s.Offset)
		if err != nil {
			return snapshot.Header{}, err
		}
		pos := uint32(newChunkData.Len())
		newChunkData.Write(blob)
		if err := diffcmd.Serialize(&cmds, diffcmd.Command{Kind: diffcmd.KindInsertZip, Pos: uint64(pos)}); err != nil {
			return snapshot.Header{}, err
		}
		descs = append(descs, ChunkDesc{Timestamp: s.Timestamp, VPos: vpos, Slot: uint16(idx), Size: uint32(recover.ChunkVirtualSpace)})
		vpos += uint32(recover.ChunkVirtualSpace)
	}

	// The recovery and byte-comparison reads above seek pack around to
	// whichever ancestor payload they needed; writeSnapshot appends at
	// whatever position pack is currently sitting at, so it must be put
	// back at EOF first regardless of how deep the chain walk went.
	if _, err := pack.Seek(0, io.SeekEnd); err != nil {
		return snapshot.Header{}, err
	}
	return writeSnapshot(pack, parent.Pos-snapshot.Size, uint64(len(fileData)), newChunkData.Bytes(), descs, cmds.Bytes())
}

// readBlobFromPack reads one raw chunk record (length-prefixed,
// compression-tagged) directly from the package file at an absolute byte
// offset, as CopyZip addresses do.
func readBlobFromPack(pack io.ReadSeeker, pos uint64) ([]byte, error) {
	if _, err := pack.Seek(int64(pos), io.SeekStart); err != nil {
		return nil, err
	}
	var head [4]byte
	if _, err := io.ReadFull(pack, head[:]); err != nil {
		return nil, fmt.Errorf("reading chunk record length: %w", err)
	}
	length := binary.BigEndian.Uint32(head[:])
	body := make([]byte, length)
	if _, err := io.ReadFull(pack, body); err != nil {
		return nil, fmt.Errorf("reading chunk record body: %w", err)
	}
	full := make([]byte, 0, 4+len(body))
	full = append(full, head[:]...)
	full = append(full, body...)
	return full, nil
}

// LoadDescs reads a region snapshot's chunk descriptor table directly off
// disk, given its header. Callers preparing to call Update need the
// parent's descriptor table; this is the supported way to fetch it without
// duplicating the seek/skip arithmetic ReadSnapshotPayload and Recover both
// already do internally.
func LoadDescs(pack io.ReadSeeker, head snapshot.Header) ([]ChunkDesc, error) {
	if _, err := pack.Seek(int64(head.Pos)+int64(head.ChunkDataSize), io.SeekStart); err != nil {
		return nil, err
	}
	return DeserializeDescs(pack)
}

// gatherChunkRecords walks head's own command stream and produces the final
// on-disk record (length-prefixed, compression-tagged) for every
// descriptor. Zip-addressed descriptors (Size == ChunkVirtualSpace) are
// always exactly one InsertZip/CopyZip command — a chunk's raw record is
// never split — so their bytes are fetched directly, verbatim, from this
// snapshot's own chunk-data blob or an ancestor's pack position. Plain
// descriptors (re-diffed chunk content) may span several Copy/Insert
// commands and are recovered as decompressed bytes through the shared
// chain-walking engine, then recompressed into a fresh on-disk record.
func gatherChunkRecords(pack io.ReadSeeker, head snapshot.Header, headChunkData []byte, payload []byte, descs []ChunkDesc) (map[int][]byte, error) {
	r := bytes.NewReader(payload)
	records := make(map[int][]byte, len(descs))

	type plainChunk struct {
		idx  int
		from uint64
		size uint64
	}
	var plains []plainChunk

	for i, d := range descs {
		if d.Size == uint32(recover.ChunkVirtualSpace) {
			cmd, _, err := diffcmd.Deserialize(r)
			if err != nil {
				return nil, fmt.Errorf("%w: decoding command for descriptor %d: %v", ErrStructuralCorruption, i, err)
			}
			switch cmd.Kind {
			case diffcmd.KindInsertZip:
				blob, err := rawBlob(headChunkData, uint32(cmd.Pos))
				if err != nil {
					return nil, err
				}
				records[i] = blob
			case diffcmd.KindCopyZip:
				blob, err := readBlobFromPack(pack, cmd.Pos)
				if err != nil {
					return nil, err
				}
				records[i] = blob
			default:
				return nil, fmt.Errorf("%w: expected a zip-addressed command for descriptor %d, got %v", ErrStructuralCorruption, i, cmd.Kind)
			}
			continue
		}

		remaining := int64(d.Size)
		for remaining > 0 {
			cmd, _, err := diffcmd.Deserialize(r)
			if err != nil {
				return nil, fmt.Errorf("%w: decoding command for descriptor %d: %v", ErrStructuralCorruption, i, err)
			}
			switch cmd.Kind {
			case diffcmd.KindCopy:
				remaining -= int64(cmd.Len)
			case diffcmd.KindInsert:
				if _, err := r.Seek(int64(cmd.Len), io.SeekCurrent); err != nil {
					return nil, err
				}
				remaining -= int64(cmd.Len)
			default:
				return nil, fmt.Errorf("%w: unexpected zip-addressed command for plain descriptor %d", ErrStructuralCorruption, i)
			}
		}
		if remaining < 0 {
			return nil, fmt.Errorf("%w: command stream overshot descriptor %d's declared size", ErrStructuralCorruption, i)
		}
		plains = append(plains, plainChunk{idx: i, from: uint64(d.VPos), size: uint64(d.Size)})
	}

	if len(plains) > 0 {
		ops := make([]recover.Instruction, len(plains))
		offsets := make([]uint64, len(plains))
		var total uint64
		for j, p := range plains {
			offsets[j] = total
			ops[j] = recover.Instruction{From: p.from, To: total, Len: p.size}
			total += p.size
		}
		scratch := make([]byte, total)
		if err := recover.Recover(pack, ops, head, scratch, DecompressChunk); err != nil {
			return nil, fmt.Errorf("recovering plain-addressed chunk bytes: %w", err)
		}
		for j, p := range plains {
			raw := scratch[offsets[j] : offsets[j]+p.size]
			compressed, err := CompressChunk(raw, compressionZlib)
			if err != nil {
				return nil, err
			}
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(compressed)+1))
			rec := make([]byte, 0, 5+len(compressed))
			rec = append(rec, lenBuf[:]...)
			rec = append(rec, compressionZlib)
			rec = append(rec, compressed...)
			records[p.idx] = rec
		}
	}

	return records, nil
}

// assembleMCA lays out the location/timestamp header and sector-padded
// chunk records of a complete .mca file, in the order descs lists them
// (ascending slot order for a base snapshot; Update keeps the parent's order
// and appends brand-new slots after it), grounded on the teacher's
// SaveRegion.
func assembleMCA(descs []ChunkDesc, records map[int][]byte) ([]byte, error) {
	locations := make([]byte, SectorSize)
	timestamps := make([]byte, SectorSize)
	var dataBuf bytes.Buffer
	currentSector := uint32(HeaderSize / SectorSize)

	for i, d := range descs {
		rec, ok := records[i]
		if !ok {
			return nil, fmt.Errorf("%w: no recovered record for descriptor %d (slot %d)", ErrStructuralCorruption, i, d.Slot)
		}
		sectorCount := (uint32(len(rec)) + SectorSize - 1) / SectorSize

		off := int(d.Slot) * 4
		binary.BigEndian.PutUint32(locations[off:off+4], (currentSector<<8)|(sectorCount&0xFF))
		binary.BigEndian.PutUint32(timestamps[off:off+4], d.Timestamp)

		dataBuf.Write(rec)
		if pad := int(sectorCount)*SectorSize - len(rec); pad > 0 {
			dataBuf.Write(make([]byte, pad))
		}
		currentSector += sectorCount
	}

	out := make([]byte, 0, HeaderSize+dataBuf.Len())
	out = append(out, locations...)
	out = append(out, timestamps...)
	out = append(out, dataBuf.Bytes()...)
	return out, nil
}

// Recover reconstructs the full .mca file bytes for a region snapshot
// chain: every plain (re-diffed) chunk is resolved through the shared
// chain-walking recovery engine and recompressed, while every
// zip-addressed chunk's raw on-disk record is fetched verbatim from
// wherever it was last stored, then the whole file is reassembled sector
// by sector, grounded on delta/mca.rs::MCA::recover and the teacher's
// SaveRegion.
func Recover(pack io.ReadSeeker, head snapshot.Header) ([]byte, error) {
	if _, err := pack.Seek(int64(head.Pos), io.SeekStart); err != nil {
		return nil, err
	}
	headChunkData := make([]byte, head.ChunkDataSize)
	if _, err := io.ReadFull(pack, headChunkData); err != nil {
		return nil, fmt.Errorf("reading chunk data blob: %w", err)
	}

	descs, err := DeserializeDescs(pack)
	if err != nil {
		return nil, err
	}

	diffLen := int(head.PayloadLen) - int(head.ChunkDataSize) - SerializedDescTableSize(len(descs))
	if diffLen < 0 {
		return nil, fmt.Errorf("%w: negative payload length after header/chunk-data accounting", ErrStructuralCorruption)
	}
	raw := make([]byte, diffLen)
	if _, err := io.ReadFull(pack, raw); err != nil {
		return nil, fmt.Errorf("reading snapshot payload: %w", err)
	}

	payload := raw
	if head.IsZipped {
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: bad zstd payload: %v", ErrStructuralCorruption, err)
		}
		defer zr.Close()
		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: bad zstd payload: %v", ErrStructuralCorruption, err)
		}
	}

	records, err := gatherChunkRecords(pack, head, headChunkData, payload, descs)
	if err != nil {
		return nil, err
	}
	return assembleMCA(descs, records)
}

// writeSnapshot serializes a region snapshot header followed by its
// chunk-data blob, chunk descriptor table, and zstd-compressed command
// stream, to w (which must be positioned at the intended write point).
func writeSnapshot(w io.WriteSeeker, dependOn uint64, fileLen uint64, chunkData []byte, descs []ChunkDesc, cmds []byte) (snapshot.Header, error) {
	var descBuf bytes.Buffer
	if err := SerializeDescs(&descBuf, descs); err != nil {
		return snapshot.Header{}, err
	}

	var zipped bytes.Buffer
	zw, err := zstd.NewWriter(&zipped)
	if err != nil {
		return snapshot.Header{}, err
	}
	if _, err := zw.Write(cmds); err != nil {
		return snapshot.Header{}, err
	}
	if err := zw.Close(); err != nil {
		return snapshot.Header{}, err
	}

	h := snapshot.Header{
		DependOn:      dependOn,
		PayloadLen:    uint64(len(chunkData) + descBuf.Len() + zipped.Len()),
		FileLen:       fileLen,
		ChunkDataSize: uint32(len(chunkData)),
		IsZipped:      true,
		RegionAware:   true,
	}
	if err := h.Serialize(w); err != nil {
		return snapshot.Header{}, err
	}
	pos, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return snapshot.Header{}, err
	}
	h.Pos = uint64(pos)

	if _, err := w.Write(chunkData); err != nil {
		return snapshot.Header{}, err
	}
	if _, err := w.Write(descBuf.Bytes()); err != nil {
		return snapshot.Header{}, err
	}
	if _, err := w.Write(zipped.Bytes()); err != nil {
		return snapshot.Header{}, err
	}
	return h, nil
}
