// Package pkgfile implements the append-only per-file package format
// (component D, spec.md §4.D): a sequence of (SnapshotHeader, payload)
// records for one tracked file, dispatching to the plain suffix-array diff
// or the region-aware diff depending on the header's flags.
package pkgfile

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/zstd"

	"github.com/NoCompliers/MineGit/internal/recover"
	"github.com/NoCompliers/MineGit/internal/region"
	"github.com/NoCompliers/MineGit/internal/sarray"
	"github.com/NoCompliers/MineGit/internal/snapshot"
)

// Package is one tracked file's append-only snapshot chain, backed by an
// open handle to its `.pkg` file. A Package is not safe for concurrent use:
// spec.md's concurrency model treats one open package as an exclusive
// handle (§5 "Shared resources").
type Package struct {
	rw  io.ReadWriteSeeker
	log *slog.Logger

	// CompressionLevel overrides the zstd encoder's default level when
	// nonzero (see zstd.EncoderLevel); left zero, zstd.NewWriter picks its
	// own default. Set from commitindex.Config by whichever front-end
	// loaded it.
	CompressionLevel int
	// MinCopyFloor is forwarded to the sarray.Generator used by the plain
	// Update path; zero means "use sarray.MinCopySize".
	MinCopyFloor int
}

// New wraps rw (typically an *os.File opened for read/write) as a Package.
// A nil logger falls back to slog.Default().
func New(rw io.ReadWriteSeeker, log *slog.Logger) *Package {
	if log == nil {
		log = slog.Default()
	}
	return &Package{rw: rw, log: log}
}

func (p *Package) newZstdWriter(w io.Writer) (*zstd.Encoder, error) {
	if p.CompressionLevel <= 0 {
		return zstd.NewWriter(w)
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevel(p.CompressionLevel)))
}

// SaveBase appends the first snapshot in the chain: a base record holding
// data verbatim (plain mode) or one InsertZip per occupied region chunk
// (region mode), per spec.md §4.D/§4.E.
func (p *Package) SaveBase(data []byte, regionAware bool) (snapshot.Header, error) {
	offset, err := p.rw.Seek(0, io.SeekEnd)
	if err != nil {
		return snapshot.Header{}, fmt.Errorf("seek to end of package: %w", err)
	}

	if regionAware {
		h, err := region.SaveBase(p.rw, data)
		if err != nil {
			return snapshot.Header{}, err
		}
		p.log.Info("saved region base snapshot", "offset", offset, "file_len", h.FileLen)
		return h, nil
	}

	h, err := snapshot.StoreBase(p.rw, data, false)
	if err != nil {
		return snapshot.Header{}, err
	}
	h.Pos = uint64(offset) + uint64(snapshot.Size)
	p.log.Info("saved base snapshot", "offset", offset, "file_len", h.FileLen)
	return h, nil
}

// Update reconstructs old's content, diffs it against newData (via
// internal/sarray for plain snapshots, or internal/region's per-chunk diff
// for region-aware ones), and appends the resulting snapshot with
// depend_on pointing back at old.
//
// Which diff path runs is entirely decided by old.RegionAware — a caller
// cannot flip a chain's layout mid-chain, matching the Open Question
// resolution that a depend_on chain disagreeing on region-awareness is a
// structural error (spec.md §9).
func (p *Package) Update(old snapshot.Header, newData []byte) (snapshot.Header, error) {
	offset, err := p.rw.Seek(0, io.SeekEnd)
	if err != nil {
		return snapshot.Header{}, fmt.Errorf("seek to end of package: %w", err)
	}
	headerOffset := old.Pos - uint64(snapshot.Size)

	if old.RegionAware {
		descs, err := region.LoadDescs(p.rw, old)
		if err != nil {
			return snapshot.Header{}, fmt.Errorf("loading parent descriptor table: %w", err)
		}
		h, err := region.Update(p.rw, old, descs, newData)
		if err != nil {
			return snapshot.Header{}, err
		}
		p.log.Info("updated region snapshot", "depend_on", headerOffset, "offset", offset, "file_len", h.FileLen)
		return h, nil
	}

	oldBuf := make([]byte, old.FileLen)
	if err := recover.Recover(p.rw, []recover.Instruction{{From: 0, To: 0, Len: old.FileLen}}, old, oldBuf, nil); err != nil {
		return snapshot.Header{}, fmt.Errorf("recovering old content: %w", err)
	}

	var cmds bytes.Buffer
	var gen sarray.Generator
	gen.Init(oldBuf, newData)
	gen.MinCopyFloor = p.MinCopyFloor
	if err := gen.Generate(&cmds, 0); err != nil {
		return snapshot.Header{}, err
	}

	var zipped bytes.Buffer
	zw, err := p.newZstdWriter(&zipped)
	if err != nil {
		return snapshot.Header{}, err
	}
	if _, err := zw.Write(cmds.Bytes()); err != nil {
		return snapshot.Header{}, err
	}
	if err := zw.Close(); err != nil {
		return snapshot.Header{}, err
	}

	if _, err := p.rw.Seek(offset, io.SeekStart); err != nil {
		return snapshot.Header{}, err
	}
	h := snapshot.Header{
		DependOn:    headerOffset,
		PayloadLen:  uint64(zipped.Len()),
		FileLen:     uint64(len(newData)),
		IsZipped:    true,
		RegionAware: false,
	}
	if err := h.Serialize(p.rw); err != nil {
		return snapshot.Header{}, err
	}
	h.Pos = uint64(offset) + uint64(snapshot.Size)
	if _, err := p.rw.Write(zipped.Bytes()); err != nil {
		return snapshot.Header{}, err
	}

	p.log.Info("updated snapshot", "depend_on", headerOffset, "offset", offset, "file_len", h.FileLen)
	return h, nil
}

// Restore walks h's dependency chain and returns the fully reconstructed
// byte sequence: the raw file (plain mode) or the reassembled .mca bytes
// (region mode).
func (p *Package) Restore(h snapshot.Header) ([]byte, error) {
	if h.RegionAware {
		return region.Recover(p.rw, h)
	}

	out := make([]byte, h.FileLen)
	if err := recover.Recover(p.rw, []recover.Instruction{{From: 0, To: 0, Len: h.FileLen}}, h, out, nil); err != nil {
		return nil, err
	}
	return out, nil
}
