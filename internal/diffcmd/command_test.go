package diffcmd

import (
	"bytes"
	"errors"
	"testing"
)

func TestCopyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := Command{Kind: KindCopy, Len: 12345, SIdx: 987654321}
	if err := Serialize(&buf, cmd); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if buf.Len() != 8 {
		t.Fatalf("expected 8 bytes, got %d", buf.Len())
	}

	got, n, err := Deserialize(&buf)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected 8 consumed, got %d", n)
	}
	if got.Kind != KindCopy || got.Len != cmd.Len || got.SIdx != cmd.SIdx {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cmd)
	}
}

func TestCopyZipRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := Command{Kind: KindCopyZip, Pos: (uint64(1) << 61) - 1}
	if err := Serialize(&buf, cmd); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if buf.Len() != 8 {
		t.Fatalf("expected 8 bytes, got %d", buf.Len())
	}

	got, n, err := Deserialize(&buf)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected 8 consumed, got %d", n)
	}
	if got.Kind != KindCopyZip || got.Pos != cmd.Pos {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cmd)
	}
}

func TestInsertRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := []byte("hello, world")
	if err := WriteInsert(&buf, data); err != nil {
		t.Fatalf("WriteInsert: %v", err)
	}

	got, n, err := Deserialize(&buf)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 consumed for Insert header, got %d", n)
	}
	if got.Kind != KindInsert || int(got.Len) != len(data) {
		t.Fatalf("header mismatch: got %+v, want len %d", got, len(data))
	}
	payload := make([]byte, got.Len)
	if _, err := buf.Read(payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(payload, data) {
		t.Fatalf("payload mismatch: got %q, want %q", payload, data)
	}
}

func TestInsertZipRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := Command{Kind: KindInsertZip, Pos: MaxLen30}
	if err := Serialize(&buf, cmd); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if buf.Len() != 4 {
		t.Fatalf("expected 4 bytes, got %d", buf.Len())
	}

	got, n, err := Deserialize(&buf)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 consumed, got %d", n)
	}
	if got.Kind != KindInsertZip || got.Pos != cmd.Pos {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cmd)
	}
}

func TestDeserializeTruncated(t *testing.T) {
	_, _, err := Deserialize(bytes.NewReader([]byte{0x00, 0x00}))
	if !errors.Is(err, ErrStructuralCorruption) {
		t.Fatalf("expected ErrStructuralCorruption, got %v", err)
	}
}

func TestDeserializeTruncatedSecondWord(t *testing.T) {
	// Copy tag (00) with a length but no sidx word following.
	_, _, err := Deserialize(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x05}))
	if !errors.Is(err, ErrStructuralCorruption) {
		t.Fatalf("expected ErrStructuralCorruption, got %v", err)
	}
}

func TestSerializePanicsOnOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on oversized Copy.Len")
		}
	}()
	var buf bytes.Buffer
	Serialize(&buf, Command{Kind: KindCopy, Len: MaxLen30 + 1})
}
