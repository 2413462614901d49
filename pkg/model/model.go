// Package model defines the data types shared across the sync engine:
// the remote drive's entries, the local metadata records that track
// them, and the transient per-pass tree snapshot. See pkg/store for
// persistence and pkg/reconcile for the algorithm that builds and
// consumes a Tree.
package model

import (
	"path"
	"strings"
	"time"
)

// Kind distinguishes a RemoteEntry's type.
type Kind int

const (
	// KindFile is a regular file entry.
	KindFile Kind = iota
	// KindFolder is a container entry.
	KindFolder
)

func (k Kind) String() string {
	if k == KindFolder {
		return "folder"
	}
	return "file"
}

// NoParent is the sentinel ParentID value meaning "workspace root".
const NoParent int64 = 0

// PlaceholderID is a reserved id value that is never a valid persisted
// id. Nothing in this module assigns it: the Reconciler keeps work from
// being scheduled twice with its own in-flight path set instead.
const PlaceholderID int64 = -1

// RemoteEntry is a file or folder as reported by the remote drive.
type RemoteEntry struct {
	ID          int64
	Name        string
	Kind        Kind
	ParentID    int64 // NoParent means workspace root
	HasParent   bool
	Size        int64
	Hash        string
	UpdatedAt   time.Time
	WorkspaceID int64
}

// IsRoot reports whether the entry has no parent (lives at the
// workspace's top level).
func (e RemoteEntry) IsRoot() bool {
	return !e.HasParent
}

// LocalRecord is the Metadata Store's row type: a RemoteEntry plus the
// bookkeeping needed to map it onto the local filesystem.
type LocalRecord struct {
	RemoteEntry
	LocalPath    string
	LastSyncedAt time.Time
}

// Key returns the (name, parent_id, size) tuple invariant I2 uses to
// decide whether two LocalRecords refer to the same underlying entity.
// Name comparison is case-insensitive, matching the remote's own
// case-insensitive-but-case-preserving semantics.
type Key struct {
	Name     string
	ParentID int64
	Size     int64
}

// RecordKey returns rec's identity key.
func RecordKey(name string, parentID, size int64) Key {
	return Key{Name: strings.ToLower(name), ParentID: parentID, Size: size}
}

// NormalizePath converts a filesystem path (using either separator) into
// the forward-slash, case-preserving-but-compared-case-insensitively form
// used as RemoteTreeMap's key space.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.Trim(p, "/")
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

// PathFold returns the case-folded form of a normalized path, used when
// comparing paths for equality per the spec's case-insensitive lookup
// rule.
func PathFold(p string) string {
	return strings.ToLower(NormalizePath(p))
}

// Dir returns the normalized parent directory of a normalized relative
// path. The root directory is the empty string.
func Dir(normalized string) string {
	d := path.Dir(normalized)
	if d == "." || d == "/" {
		return ""
	}
	return d
}

// Base returns the final path element of a normalized relative path.
func Base(normalized string) string {
	return path.Base(normalized)
}

// Join joins a normalized parent directory and a name into a normalized
// relative path.
func Join(dir, name string) string {
	if dir == "" {
		return NormalizePath(name)
	}
	return NormalizePath(dir + "/" + name)
}

// SameTimestamp reports whether a and b are within the conflict
// resolution tolerance band (spec §4.8's 2-second tolerance).
func SameTimestamp(a, b time.Time, tolerance time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
