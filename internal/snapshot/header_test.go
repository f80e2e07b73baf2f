package snapshot

import (
	"bytes"
	"io"
	"testing"

	"github.com/NoCompliers/MineGit/internal/diffcmd"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{
		DependOn:      4096,
		PayloadLen:    128,
		FileLen:       256,
		ChunkDataSize: 64,
		IsZipped:      true,
		RegionAware:   true,
	}
	if err := h.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if buf.Len() != Size {
		t.Fatalf("expected %d bytes, got %d", Size, buf.Len())
	}

	r := bytes.NewReader(buf.Bytes())
	got, err := Deserialize(r)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.DependOn != h.DependOn || got.PayloadLen != h.PayloadLen ||
		got.FileLen != h.FileLen || got.ChunkDataSize != h.ChunkDataSize ||
		got.IsZipped != h.IsZipped || got.RegionAware != h.RegionAware {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if got.Pos != Size {
		t.Fatalf("expected Pos == %d, got %d", Size, got.Pos)
	}
}

func TestStoreBase(t *testing.T) {
	var buf bytes.Buffer
	data := []byte("initial world save contents")
	h, err := StoreBase(&buf, data, true)
	if err != nil {
		t.Fatalf("StoreBase: %v", err)
	}
	if h.DependOn != NoParent {
		t.Fatalf("base snapshot must have no parent, got %d", h.DependOn)
	}
	if h.FileLen != uint64(len(data)) {
		t.Fatalf("unexpected FileLen: %+v", h)
	}
	// PayloadLen covers the whole on-disk payload, including the Insert
	// command's own 4-byte tag word, not just the literal bytes.
	if h.PayloadLen != uint64(len(data))+4 {
		t.Fatalf("unexpected PayloadLen: got %d, want %d", h.PayloadLen, uint64(len(data))+4)
	}

	r := bytes.NewReader(buf.Bytes())
	got, err := Deserialize(r)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.IsZipped {
		t.Fatal("base snapshot must not be zipped")
	}
	if !got.RegionAware {
		t.Fatal("expected RegionAware to round-trip true")
	}

	payload := make([]byte, got.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("reading full payload: %v", err)
	}
	cmd, _, err := diffcmd.Deserialize(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("decoding payload command: %v", err)
	}
	if cmd.Kind != diffcmd.KindInsert || cmd.Len != uint32(len(data)) {
		t.Fatalf("expected a single Insert command covering all of data, got %+v", cmd)
	}
	if !bytes.Equal(payload[4:], data) {
		t.Fatalf("payload literal bytes mismatch: got %q, want %q", payload[4:], data)
	}
}
