// Package commitindex defines the core's external contract onto the commit
// log (component G, spec.md §4.G): an ordered history of commits, each
// pointing to a per-file map of (package position, hash). The core (A–F)
// compiles against the Index interface only; FileIndex is one reference,
// file-backed implementation, grounded on the original's committer.rs and
// savefiles.rs, not the production format a front-end is required to use
// (spec.md §1, §7 of SPEC_FULL.md).
package commitindex

import "time"

// FileEntry locates one tracked file's snapshot as of a given commit: the
// byte offset of its SnapshotHeader within `<rel_path>.pkg`, and a hash of
// the file's content at that point (used to detect no-op commits without
// re-diffing, mirroring savefiles.rs::FileInfo).
type FileEntry struct {
	HeaderOffset uint64 `json:"header_offset"`
	Hash         string `json:"hash"`
}

// FileMap is a snapshot-of-the-world: every tracked relative path mapped to
// where its content lives in that path's package, as of one commit.
type FileMap map[string]FileEntry

// Commit is one entry in the commit log (savefiles.rs::Commit, minus the
// fixed-width tag buffer and bytemuck framing — those were Rust-specific
// wire-format concerns, not semantics this module needs to preserve).
type Commit struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
}

// Index is the opaque collaborator the core treats the commit log as
// (spec.md §4.G): "head() -> id of the latest commit (or none); get(id) ->
// a snapshot-of-the-world mapping; put(parent_id, tag, per_file_map) -> id
// of the new commit."
type Index interface {
	// Head returns the latest commit's id, or ok=false if the index is empty.
	Head() (id string, ok bool, err error)
	// Get returns the FileMap recorded for commit id.
	Get(id string) (FileMap, error)
	// Put records a new commit descending from parentID (empty for the
	// first commit) and returns its assigned id.
	Put(parentID, tag string, files FileMap) (string, error)
}
