// Package filecommit is a file-backed reference implementation of
// commitindex.Index (component G, spec.md §4.G), grounded on the original's
// committer.rs/savefiles.rs layout: an append-only commit log plus a blob
// file of per-commit file maps, each commit record pointing at its blob's
// (position, length) within it.
//
// The original encoded CommitInfo with bitcode over fixed bytemuck structs;
// no Go library in the retrieval pack offers an equivalent compact binary
// encoding, so file maps here are JSON, zstd-compressed the same way the
// original compressed its bitcode blob (savefiles.rs::CommitInfo, read via
// committer.rs::read_commit_info/create_commit_info).
package filecommit

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/NoCompliers/MineGit/pkg/commitindex"
)

const (
	commitsFileName = "commits.jsonl"
	infoFileName    = "commits_info.bin"
	headFileName    = "head.json"
)

// commitRecord is one line of commits.jsonl: a Commit plus where its
// FileMap blob lives in commits_info.bin (savefiles.rs::Commit's
// info_pos/info_length, renamed to Go conventions).
type commitRecord struct {
	commitindex.Commit
	InfoPos    int64 `json:"info_pos"`
	InfoLength int64 `json:"info_length"`
}

type headFile struct {
	ID string `json:"id"`
}

// FileIndex is a commitindex.Index backed by three files under dir:
// commits.jsonl (append-only commit records), commits_info.bin
// (zstd-compressed JSON file maps, one contiguous blob per commit), and
// head.json (the latest commit id, written atomically).
type FileIndex struct {
	dir string
	log *slog.Logger

	// CompressionLevel overrides the zstd encoder's default level for
	// commit info blobs when nonzero (commitindex.Config.CompressionLevel).
	CompressionLevel int
}

// Open returns a FileIndex rooted at dir, creating it if necessary. A nil
// logger falls back to slog.Default().
func Open(dir string, log *slog.Logger) (*FileIndex, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create commit index dir: %w", err)
	}
	return &FileIndex{dir: dir, log: log}, nil
}

func (f *FileIndex) newZstdWriter(w io.Writer) (*zstd.Encoder, error) {
	if f.CompressionLevel <= 0 {
		return zstd.NewWriter(w)
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevel(f.CompressionLevel)))
}

func (f *FileIndex) commitsPath() string { return filepath.Join(f.dir, commitsFileName) }
func (f *FileIndex) infoPath() string    { return filepath.Join(f.dir, infoFileName) }
func (f *FileIndex) headPath() string    { return filepath.Join(f.dir, headFileName) }

// Head returns the latest commit's id, mirroring committer.rs::get_head.
func (f *FileIndex) Head() (string, bool, error) {
	data, err := os.ReadFile(f.headPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read head: %w", err)
	}
	var h headFile
	if err := json.Unmarshal(data, &h); err != nil {
		return "", false, fmt.Errorf("parse head: %w", err)
	}
	if h.ID == "" {
		return "", false, nil
	}
	return h.ID, true, nil
}

// Get returns the FileMap recorded for commit id, mirroring
// committer.rs::get_commit_by_id followed by read_commit_info.
func (f *FileIndex) Get(id string) (commitindex.FileMap, error) {
	rec, err := f.findRecord(id)
	if err != nil {
		return nil, err
	}

	infoFile, err := os.Open(f.infoPath())
	if err != nil {
		return nil, fmt.Errorf("open commit info blob: %w", err)
	}
	defer infoFile.Close()

	compressed := make([]byte, rec.InfoLength)
	if _, err := infoFile.ReadAt(compressed, rec.InfoPos); err != nil {
		return nil, fmt.Errorf("read commit info blob for %s: %w", id, err)
	}

	zr, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("new zstd reader: %w", err)
	}
	defer zr.Close()

	var files commitindex.FileMap
	dec := json.NewDecoder(zr)
	if err := dec.Decode(&files); err != nil {
		return nil, fmt.Errorf("decode commit info for %s: %w", id, err)
	}
	return files, nil
}

// Put appends a new commit descending from parentID, writing its FileMap as
// a zstd-compressed JSON blob, mirroring committer.rs::add_commit's write
// order: info blob first, then the fixed commit record, then head.
func (f *FileIndex) Put(parentID, tag string, files commitindex.FileMap) (string, error) {
	payload, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("marshal file map: %w", err)
	}

	var compressed bytes.Buffer
	zw, err := f.newZstdWriter(&compressed)
	if err != nil {
		return "", err
	}
	if _, err := zw.Write(payload); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	infoFile, err := os.OpenFile(f.infoPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("open commit info blob: %w", err)
	}
	defer infoFile.Close()

	pos, err := infoFile.Seek(0, io.SeekEnd)
	if err != nil {
		return "", fmt.Errorf("seek commit info blob: %w", err)
	}
	if _, err := infoFile.Write(compressed.Bytes()); err != nil {
		return "", fmt.Errorf("write commit info blob: %w", err)
	}

	id, err := newCommitID()
	if err != nil {
		return "", err
	}

	rec := commitRecord{
		Commit: commitindex.Commit{
			ID:        id,
			ParentID:  parentID,
			Tag:       tag,
			Timestamp: time.Now(),
		},
		InfoPos:    pos,
		InfoLength: int64(compressed.Len()),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal commit record: %w", err)
	}
	line = append(line, '\n')

	commitsFile, err := os.OpenFile(f.commitsPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open commits log: %w", err)
	}
	defer commitsFile.Close()
	if _, err := commitsFile.Write(line); err != nil {
		return "", fmt.Errorf("append commit record: %w", err)
	}

	if err := f.atomicWriteJSON(f.headPath(), headFile{ID: id}); err != nil {
		return "", fmt.Errorf("update head: %w", err)
	}

	f.log.Info("recorded commit", "id", id, "parent_id", parentID, "tag", tag, "files", len(files))
	return id, nil
}

// findRecord scans commits.jsonl for id, mirroring committer.rs's
// read_all_commits followed by a linear id match (the original indexes by
// fixed record size instead; Go's variable-length JSON lines trade that
// O(1) seek for a straightforward scan, acceptable for a reference
// implementation).
func (f *FileIndex) findRecord(id string) (commitRecord, error) {
	data, err := os.ReadFile(f.commitsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return commitRecord{}, fmt.Errorf("commit %s: %w", id, errCommitNotFound)
		}
		return commitRecord{}, fmt.Errorf("read commits log: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var rec commitRecord
		if err := dec.Decode(&rec); err != nil {
			break
		}
		if rec.ID == id {
			return rec, nil
		}
	}
	return commitRecord{}, fmt.Errorf("commit %s: %w", id, errCommitNotFound)
}

var errCommitNotFound = errors.New("commit not found")

// newCommitID returns a random hex-encoded commit id. Random ids (rather
// than the original's sequential u32 index) let a front-end generate a
// commit id before a put succeeds without coordinating with the index.
func newCommitID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate commit id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// atomicWriteJSON marshals v to JSON and writes it atomically via a temp
// file + rename, matching storage.go::atomicWriteJSON.
func (f *FileIndex) atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
