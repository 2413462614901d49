// Package resolver implements the Path Resolver: a pure function that
// maps a relative path onto the remote parent folder id it belongs
// under, using a snapshot of the remote tree built during a reconcile
// pass. See pkg/reconcile for how that tree is built and consumed.
package resolver

import (
	"strings"

	"github.com/kelda-inc/drivesync/pkg/model"
)

// Resolution is the outcome of resolving a path's parent folder.
type Resolution int

const (
	// Root means the path's parent is the workspace root.
	Root Resolution = iota
	// Resolved means the parent folder was found in the tree.
	Resolved
	// Unresolved means dirname(path) is non-empty but absent from the
	// tree. Callers must defer the operation, never treat this as Root.
	Unresolved
)

// Tree is the read-only view of the remote snapshot the resolver
// consults: a lookup from normalized relative path (case-insensitively
// compared) to the RemoteEntry at that path.
type Tree interface {
	// Lookup returns the entry at normalized path p and whether it was
	// found.
	Lookup(p string) (model.RemoteEntry, bool)
}

// MapTree is a Tree backed by a plain map, keyed by model.PathFold of
// each entry's normalized path. It's the concrete type pkg/reconcile
// builds during Phase A.
type MapTree map[string]model.RemoteEntry

// Lookup implements Tree.
func (t MapTree) Lookup(p string) (model.RemoteEntry, bool) {
	e, ok := t[model.PathFold(p)]
	return e, ok
}

// Resolve computes the parent folder id for relative path p against
// tree. It never falls back to Root when dirname(p) is non-empty but
// absent from tree: that case is reported as Unresolved so callers
// defer the operation instead of silently misplacing the entry.
func Resolve(p string, tree Tree) (Resolution, model.RemoteEntry) {
	normalized := model.NormalizePath(p)
	dir := model.Dir(normalized)
	if dir == "" {
		return Root, model.RemoteEntry{}
	}

	entry, ok := tree.Lookup(dir)
	if !ok || entry.Kind != model.KindFolder {
		return Unresolved, model.RemoteEntry{}
	}
	return Resolved, entry
}

// ParentID is a convenience wrapper over Resolve for callers that only
// need the numeric parent id (Root maps to model.NoParent).
func ParentID(p string, tree Tree) (Resolution, int64) {
	res, entry := Resolve(p, tree)
	if res == Resolved {
		return res, entry.ID
	}
	return res, model.NoParent
}

// IsNoise reports whether name matches one of the filesystem-noise
// patterns the File Watcher drops before any other filtering (spec
// §4.6, filter 1): leading dot, desktop.ini, Thumbs.db, lock/temp files.
func IsNoise(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	lower := strings.ToLower(name)
	switch lower {
	case "desktop.ini", "thumbs.db":
		return true
	}
	if strings.HasPrefix(name, "~$") {
		return true
	}
	if strings.HasSuffix(lower, ".tmp") || strings.HasSuffix(lower, ".temp") {
		return true
	}
	return false
}

// ExcludedDirNames is the default set of directory names the File
// Watcher refuses to descend into (spec §4.6, filter 2).
var ExcludedDirNames = map[string]bool{
	".git":         true,
	"node_modules": true,
	".vs":          true,
	".idea":        true,
	"bin":          true,
	"obj":          true,
	"__pycache__":  true,
}

// InExcludedDir reports whether any path component of the normalized
// relative path p is an excluded directory name.
func InExcludedDir(p string) bool {
	for _, part := range strings.Split(model.NormalizePath(p), "/") {
		if ExcludedDirNames[part] {
			return true
		}
	}
	return false
}
