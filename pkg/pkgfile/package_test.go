package pkgfile

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"testing"

	"github.com/NoCompliers/MineGit/internal/region"
	"github.com/NoCompliers/MineGit/internal/snapshot"
)

// memPack is a minimal in-memory io.ReadWriteSeeker standing in for an
// *os.File-backed package during these tests.
type memPack struct {
	buf []byte
	pos int64
}

func (m *memPack) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memPack) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[m.pos:end], p)
	m.pos = end
	return n, nil
}

func (m *memPack) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = m.pos
	case io.SeekEnd:
		base = int64(len(m.buf))
	}
	m.pos = base + offset
	return m.pos, nil
}

func TestPlainSaveBaseAndRestore(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	pkg := New(&memPack{}, nil)

	h, err := pkg.SaveBase(data, false)
	if err != nil {
		t.Fatalf("SaveBase: %v", err)
	}

	got, err := pkg.Restore(h)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestPlainUpdateChain(t *testing.T) {
	pkg := New(&memPack{}, nil)

	v0 := bytes.Repeat([]byte("abc"), 1000)
	h0, err := pkg.SaveBase(v0, false)
	if err != nil {
		t.Fatalf("SaveBase: %v", err)
	}

	v1 := append(append([]byte{}, v0...), []byte(" appended once")...)
	h1, err := pkg.Update(h0, v1)
	if err != nil {
		t.Fatalf("Update 1: %v", err)
	}
	if h1.DependOn != h0.Pos-uint64(snapshot.Size) {
		t.Fatalf("h1.DependOn = %d, want %d", h1.DependOn, h0.Pos-uint64(snapshot.Size))
	}

	v2 := []byte("the quick brown fox jumps over the lazy dog, appended once, then rewritten")
	h2, err := pkg.Update(h1, v2)
	if err != nil {
		t.Fatalf("Update 2: %v", err)
	}

	got0, err := pkg.Restore(h0)
	if err != nil {
		t.Fatalf("Restore h0: %v", err)
	}
	if !bytes.Equal(got0, v0) {
		t.Fatalf("restore h0: got %d bytes, want %d bytes matching v0", len(got0), len(v0))
	}

	got1, err := pkg.Restore(h1)
	if err != nil {
		t.Fatalf("Restore h1: %v", err)
	}
	if !bytes.Equal(got1, v1) {
		t.Fatalf("restore h1 mismatch")
	}

	got2, err := pkg.Restore(h2)
	if err != nil {
		t.Fatalf("Restore h2: %v", err)
	}
	if !bytes.Equal(got2, v2) {
		t.Fatalf("restore h2 mismatch")
	}
}

// testChunk is one slot's (timestamp, uncompressed NBT bytes) fixture.
type testChunk struct {
	timestamp uint32
	data      []byte
}

// buildMCA assembles a minimal but well-formed region file holding the
// given slot -> chunk entries, zlib-compressing each chunk the way the
// game's own writer does.
func buildMCA(t *testing.T, entries map[int]testChunk) []byte {
	t.Helper()
	locations := make([]byte, region.SectorSize)
	timestamps := make([]byte, region.SectorSize)
	var dataBuf bytes.Buffer
	currentSector := uint32(region.HeaderSize / region.SectorSize)

	indices := make([]int, 0, len(entries))
	for idx := range entries {
		indices = append(indices, idx)
	}
	for i := 0; i < len(indices); i++ {
		for j := i + 1; j < len(indices); j++ {
			if indices[j] < indices[i] {
				indices[i], indices[j] = indices[j], indices[i]
			}
		}
	}

	for _, idx := range indices {
		e := entries[idx]
		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		if _, err := zw.Write(e.data); err != nil {
			t.Fatalf("compress chunk: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("close zlib writer: %v", err)
		}

		payloadLen := uint32(compressed.Len()) + 1
		totalLen := 4 + payloadLen
		sectorCount := (totalLen + region.SectorSize - 1) / region.SectorSize

		off := idx * 4
		binary.BigEndian.PutUint32(locations[off:off+4], (currentSector<<8)|(sectorCount&0xFF))
		binary.BigEndian.PutUint32(timestamps[off:off+4], e.timestamp)

		var head [5]byte
		binary.BigEndian.PutUint32(head[0:4], payloadLen)
		head[4] = 2 // zlib
		dataBuf.Write(head[:])
		dataBuf.Write(compressed.Bytes())
		if pad := int(sectorCount)*region.SectorSize - int(totalLen); pad > 0 {
			dataBuf.Write(make([]byte, pad))
		}
		currentSector += sectorCount
	}

	out := append(append([]byte{}, locations...), timestamps...)
	out = append(out, dataBuf.Bytes()...)
	return out
}

func assertSameChunks(t *testing.T, want, got []byte) {
	t.Helper()
	wantSlots, err := region.ParseHeader(want)
	if err != nil {
		t.Fatalf("ParseHeader(want): %v", err)
	}
	gotSlots, err := region.ParseHeader(got)
	if err != nil {
		t.Fatalf("ParseHeader(got): %v", err)
	}
	if len(wantSlots) != len(gotSlots) {
		t.Fatalf("slot count mismatch: want %d, got %d", len(wantSlots), len(gotSlots))
	}

	gotByIndex := make(map[int]region.ChunkSlot, len(gotSlots))
	for _, s := range gotSlots {
		gotByIndex[s.Index] = s
	}

	for _, ws := range wantSlots {
		gs, ok := gotByIndex[ws.Index]
		if !ok {
			t.Fatalf("slot %d missing from recovered file", ws.Index)
		}
		if gs.Timestamp != ws.Timestamp {
			t.Fatalf("slot %d: timestamp mismatch: want %d, got %d", ws.Index, ws.Timestamp, gs.Timestamp)
		}
		wantPayload, wantCompType, err := region.ReadChunkBlob(want, ws.Offset)
		if err != nil {
			t.Fatalf("slot %d: ReadChunkBlob(want): %v", ws.Index, err)
		}
		gotPayload, gotCompType, err := region.ReadChunkBlob(got, gs.Offset)
		if err != nil {
			t.Fatalf("slot %d: ReadChunkBlob(got): %v", ws.Index, err)
		}
		wantData, err := region.DecompressChunk(wantPayload, wantCompType)
		if err != nil {
			t.Fatalf("slot %d: decompress want: %v", ws.Index, err)
		}
		gotData, err := region.DecompressChunk(gotPayload, gotCompType)
		if err != nil {
			t.Fatalf("slot %d: decompress got: %v", ws.Index, err)
		}
		if !bytes.Equal(wantData, gotData) {
			t.Fatalf("slot %d: chunk content mismatch", ws.Index)
		}
	}
}

func TestRegionSaveBaseAndRestore(t *testing.T) {
	fileData := buildMCA(t, map[int]testChunk{
		0: {timestamp: 10, data: bytes.Repeat([]byte("region chunk zero "), 30)},
		5: {timestamp: 20, data: bytes.Repeat([]byte("region chunk five "), 40)},
	})

	pkg := New(&memPack{}, nil)
	h, err := pkg.SaveBase(fileData, true)
	if err != nil {
		t.Fatalf("SaveBase: %v", err)
	}
	if !h.RegionAware {
		t.Fatal("expected RegionAware header")
	}

	got, err := pkg.Restore(h)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	assertSameChunks(t, fileData, got)
}

func TestRegionUpdateChain(t *testing.T) {
	v1 := buildMCA(t, map[int]testChunk{
		0: {timestamp: 10, data: bytes.Repeat([]byte("unchanged region chunk data "), 20)},
		1: {timestamp: 20, data: bytes.Repeat([]byte("this one will be edited later "), 20)},
	})
	v2 := buildMCA(t, map[int]testChunk{
		0: {timestamp: 10, data: bytes.Repeat([]byte("unchanged region chunk data "), 20)},
		1: {timestamp: 25, data: bytes.Repeat([]byte("this one has now actually been edited "), 15)},
		2: {timestamp: 30, data: bytes.Repeat([]byte("brand new chunk appears here "), 10)},
	})

	pkg := New(&memPack{}, nil)
	h1, err := pkg.SaveBase(v1, true)
	if err != nil {
		t.Fatalf("SaveBase: %v", err)
	}

	h2, err := pkg.Update(h1, v2)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if h2.DependOn != h1.Pos-uint64(snapshot.Size) {
		t.Fatalf("h2.DependOn = %d, want %d", h2.DependOn, h1.Pos-uint64(snapshot.Size))
	}

	got1, err := pkg.Restore(h1)
	if err != nil {
		t.Fatalf("Restore h1: %v", err)
	}
	assertSameChunks(t, v1, got1)

	got2, err := pkg.Restore(h2)
	if err != nil {
		t.Fatalf("Restore h2: %v", err)
	}
	assertSameChunks(t, v2, got2)
}
