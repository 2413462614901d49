// Package reconcile implements the Reconciler: the bidirectional sync
// driver run once at startup and periodically thereafter by
// pkg/coordinator. It builds a full remote tree snapshot (Phase A),
// uploads local-only files and folders (Phase B), downloads
// remote-newer or remote-only files (Phase C), and uploads files found
// to be local-newer during Phase C (Phase D).
package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"github.com/spf13/afero"

	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/echo"
	"github.com/kelda-inc/drivesync/pkg/events"
	"github.com/kelda-inc/drivesync/pkg/model"
	"github.com/kelda-inc/drivesync/pkg/pipeline"
	"github.com/kelda-inc/drivesync/pkg/remote"
	"github.com/kelda-inc/drivesync/pkg/resolver"
	"github.com/kelda-inc/drivesync/pkg/store"
)

// ConflictTolerance is the timestamp tolerance band used to decide
// which side wins when both local and remote have diverged (spec
// §4.8's 2-second tolerance; local wins within the band).
const ConflictTolerance = 2 * time.Second

// snapshotConcurrency bounds how many ListFolder calls run
// simultaneously during Phase A, so a remote tree with a huge fanout
// doesn't open thousands of connections at once.
const snapshotConcurrency = 16

// Deps are the Reconciler's collaborators.
type Deps struct {
	Root      string
	FS        afero.Fs
	Store     store.Store
	Client    remote.Client
	Pipeline  *pipeline.Pipeline
	Echo      *echo.Suppressor
	Emitter   *events.Emitter
	Workspace func() int64
}

// Reconciler runs a single bidirectional sync pass per call to Run.
type Reconciler struct {
	deps Deps
}

// New creates a Reconciler.
func New(deps Deps) *Reconciler {
	return &Reconciler{deps: deps}
}

// localEntry describes one file or directory discovered while walking
// the sync root.
type localEntry struct {
	relPath string // normalized, forward-slash
	absPath string
	info    os.FileInfo
	isDir   bool
	depth   int
}

// Run executes one full reconcile pass against the workspace captured
// at the start of the call. Every mutating step re-checks the
// workspace; a mismatch aborts the pass immediately (spec I3, S4).
func (r *Reconciler) Run(ctx context.Context) error {
	workspace := r.deps.Workspace()

	snap, err := r.snapshot(ctx, workspace)
	if err != nil {
		return drivesyncerrors.WithContext(err, "build remote snapshot")
	}
	if err := r.checkWorkspace(workspace); err != nil {
		return err
	}

	locals, err := r.walkLocal()
	if err != nil {
		return drivesyncerrors.WithContext(err, "walk local tree")
	}

	if err := r.uploadPass(ctx, workspace, snap, locals, nil); err != nil {
		return err
	}
	if err := r.checkWorkspace(workspace); err != nil {
		return err
	}

	localNewer, err := r.downloadPass(ctx, workspace, snap, locals)
	if err != nil {
		return err
	}
	if err := r.checkWorkspace(workspace); err != nil {
		return err
	}

	if len(localNewer) > 0 {
		if err := r.uploadPass(ctx, workspace, snap, locals, localNewer); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) checkWorkspace(expected int64) error {
	if r.deps.Workspace() != expected {
		return drivesyncerrors.WorkspaceDriftError{Captured: expected, Current: r.deps.Workspace()}
	}
	return nil
}

// snapshotResult is Phase A's output: the folded-path RemoteTreeMap
// used for case-insensitive lookups, plus a parallel map recovering
// each entry's original-case relative path, needed when a remote-only
// file requires its destination directory to be created with the
// remote's own casing rather than the folded form.
type snapshotResult struct {
	tree       resolver.MapTree
	casedPaths map[string]string // folded path -> original-case path
}

// snapshot implements Phase A: list_root, then recursively list_folder
// for every discovered folder, fanned out in parallel and bounded by
// snapshotConcurrency.
func (r *Reconciler) snapshot(ctx context.Context, workspace int64) (*snapshotResult, error) {
	result := &snapshotResult{tree: resolver.MapTree{}, casedPaths: make(map[string]string)}
	var mu sync.Mutex
	sem := semaphore.NewWeighted(snapshotConcurrency)

	g, gctx := errgroup.WithContext(ctx)

	root, err := r.deps.Client.ListRoot(gctx, workspace)
	if err != nil {
		return nil, err
	}
	r.addToTree(result, &mu, "", root)

	for _, entry := range root {
		if entry.Kind == model.KindFolder {
			r.fanOutFolder(gctx, g, sem, workspace, entry, entry.Name, result, &mu)
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Reconciler) fanOutFolder(ctx context.Context, g *errgroup.Group, sem *semaphore.Weighted, workspace int64, folder model.RemoteEntry, relPath string, result *snapshotResult, mu *sync.Mutex) {
	g.Go(func() error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)

		children, err := r.deps.Client.ListFolder(ctx, workspace, folder.ID)
		if err != nil {
			return err
		}
		r.addToTree(result, mu, relPath, children)

		for _, child := range children {
			if child.Kind == model.KindFolder {
				r.fanOutFolder(ctx, g, sem, workspace, child, model.Join(relPath, child.Name), result, mu)
			}
		}
		return nil
	})
}

func (r *Reconciler) addToTree(result *snapshotResult, mu *sync.Mutex, dir string, entries []model.RemoteEntry) {
	mu.Lock()
	defer mu.Unlock()
	for _, e := range entries {
		casedPath := model.Join(dir, e.Name)
		folded := model.PathFold(casedPath)
		result.tree[folded] = e
		result.casedPaths[folded] = casedPath
	}
}

// walkLocal collects every file and directory under the sync root,
// dropping noise names and excluded build/VCS directories, and
// computes each entry's normalized relative path and depth.
func (r *Reconciler) walkLocal() ([]localEntry, error) {
	var out []localEntry
	err := afero.Walk(r.deps.FS, r.deps.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == r.deps.Root {
			return nil
		}
		rel, err := filepath.Rel(r.deps.Root, path)
		if err != nil {
			return err
		}
		rel = model.NormalizePath(rel)

		if resolver.IsNoise(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if resolver.InExcludedDir(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		out = append(out, localEntry{
			relPath: rel,
			absPath: path,
			info:    info,
			isDir:   info.IsDir(),
			depth:   strings.Count(rel, "/"),
		})
		return nil
	})
	return out, err
}

// uploadPass implements Phase B (filter == nil) and Phase D (filter is
// the set of paths flagged local-newer during Phase C). Directories are
// processed breadth-first so a folder exists in tree before its
// children are considered.
func (r *Reconciler) uploadPass(ctx context.Context, workspace int64, snap *snapshotResult, locals []localEntry, filter map[string]bool) error {
	dirs := make([]localEntry, 0)
	files := make([]localEntry, 0)
	for _, e := range locals {
		if e.isDir {
			dirs = append(dirs, e)
		} else {
			files = append(files, e)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].depth < dirs[j].depth })

	inFlight := make(map[string]bool)
	var mu sync.Mutex

	for _, dir := range dirs {
		if err := r.checkWorkspace(workspace); err != nil {
			return err
		}
		if _, ok := snap.tree.Lookup(dir.relPath); ok {
			continue
		}

		res, parent := resolver.Resolve(dir.relPath, snap.tree)
		if res == resolver.Unresolved {
			continue // parent not yet created; will be retried next pass
		}
		parentID := model.NoParent
		if res == resolver.Resolved {
			parentID = parent.ID
		}

		mu.Lock()
		alreadyInFlight := inFlight[dir.relPath]
		if !alreadyInFlight {
			inFlight[dir.relPath] = true
		}
		mu.Unlock()
		if alreadyInFlight {
			continue
		}

		entry, err := r.deps.Client.CreateFolder(ctx, workspace, filepath.Base(dir.relPath), parentID)
		if err != nil {
			r.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: dir.absPath})
			continue
		}
		r.addToTree(snap, &mu, model.Dir(dir.relPath), []model.RemoteEntry{entry})

		rec := model.LocalRecord{RemoteEntry: entry, LocalPath: dir.absPath, LastSyncedAt: time.Now()}
		if err := r.deps.Store.Upsert(ctx, rec); err != nil {
			r.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: dir.absPath})
		}
	}

	for _, file := range files {
		if err := r.checkWorkspace(workspace); err != nil {
			return err
		}
		if filter != nil && !filter[file.relPath] {
			continue
		}
		if err := r.uploadFile(ctx, workspace, snap, file, inFlight, &mu); err != nil {
			r.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: file.absPath})
		}
	}
	return nil
}

func (r *Reconciler) uploadFile(ctx context.Context, workspace int64, snap *snapshotResult, file localEntry, inFlight map[string]bool, mu *sync.Mutex) error {
	if existing, ok := snap.tree.Lookup(file.relPath); ok {
		if existing.Size == file.info.Size() {
			// Already present remotely with the same size; just make
			// sure the Metadata Store knows about the local path.
			rec := model.LocalRecord{RemoteEntry: existing, LocalPath: file.absPath, LastSyncedAt: time.Now()}
			return r.deps.Store.Upsert(ctx, rec)
		}
		// Size differs at the same path: defer the conflict entirely to
		// Phase C/D, which already has the machinery to compare
		// timestamps and decide a winner without duplicating that
		// logic here.
		return nil
	}

	if r.deps.Echo.IsRecent(file.absPath) {
		return nil
	}

	res, parent := resolver.Resolve(file.relPath, snap.tree)
	if res == resolver.Unresolved {
		return nil // parent folder not yet resolved; defer (spec I5)
	}
	parentID := model.NoParent
	if res == resolver.Resolved {
		parentID = parent.ID
	}

	mu.Lock()
	alreadyInFlight := inFlight[file.relPath]
	if !alreadyInFlight {
		inFlight[file.relPath] = true
	}
	mu.Unlock()
	if alreadyInFlight {
		return nil
	}

	result, err := r.deps.Pipeline.Upload(ctx, workspace, file.absPath, parentID)
	if err != nil {
		return err
	}

	r.addToTree(snap, mu, model.Dir(file.relPath), []model.RemoteEntry{result.Entry})
	rec := model.LocalRecord{RemoteEntry: result.Entry, LocalPath: file.absPath, LastSyncedAt: time.Now()}
	if err := r.deps.Store.Upsert(ctx, rec); err != nil {
		return err
	}
	r.deps.Echo.Mark(file.absPath)
	return nil
}

// downloadPass implements Phase C: walk the remote tree's files,
// download anything missing or remote-newer locally, and collect the
// set of paths found to be local-newer for Phase D to upload.
func (r *Reconciler) downloadPass(ctx context.Context, workspace int64, snap *snapshotResult, locals []localEntry) (map[string]bool, error) {
	localByPath := make(map[string]localEntry, len(locals))
	localDirByPath := make(map[string]bool, len(locals))
	for _, e := range locals {
		if e.isDir {
			localDirByPath[model.PathFold(e.relPath)] = true
		} else {
			localByPath[model.PathFold(e.relPath)] = e
		}
	}

	if err := r.downloadRemoteOnlyFolders(ctx, workspace, snap, localDirByPath); err != nil {
		return nil, err
	}

	localNewer := make(map[string]bool)

	for foldedPath, entry := range snap.tree {
		if entry.Kind != model.KindFile {
			continue
		}
		if err := r.checkWorkspace(workspace); err != nil {
			return nil, err
		}

		local, hasLocal := localByPath[foldedPath]
		// Recover the remote's original-case relative path from the
		// snapshot rather than using the folded key directly, so a
		// remote-only file's destination directory is created with the
		// same casing the remote actually has.
		relPath := snap.casedPaths[foldedPath]
		if hasLocal {
			relPath = local.relPath
		}

		if !hasLocal {
			if err := r.downloadEntry(ctx, workspace, entry, relPath); err != nil {
				r.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: relPath})
			}
			continue
		}

		if local.info.Size() == entry.Size {
			// Same size: spec's literal Phase C rule treats anything
			// within the tolerance band as equal, not a conflict, so a
			// settled pass with no real change issues zero transfers
			// (property P3).
			switch sameSizeComparison(local.info.ModTime(), entry.UpdatedAt) {
			case sideRemote:
				if err := r.downloadEntry(ctx, workspace, entry, relPath); err != nil {
					r.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: relPath})
				}
			case sideLocal:
				localNewer[relPath] = true
			}
			continue
		}

		// Sizes differ at the same path: the unresolved conflict left
		// by Phase B/uploadFile. Content has genuinely diverged, so a
		// side must be picked even on a timestamp tie; ties go to
		// local per the conflict rule.
		switch conflictComparison(local.info.ModTime(), entry.UpdatedAt) {
		case sideRemote:
			if err := r.downloadEntry(ctx, workspace, entry, relPath); err != nil {
				r.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: relPath})
			}
		case sideLocal:
			localNewer[relPath] = true
		}
	}

	return localNewer, nil
}

// downloadRemoteOnlyFolders materializes every remote folder that has no
// local counterpart yet, creating the local directory and upserting its
// LocalRecord (spec §8 S1: the Metadata Store must carry one record per
// folder, not just per file). Without this, a folder that exists only
// remotely never gets tracked, so a file later created locally inside
// it can't resolve its parent (pkg/watch's resolveParent looks the
// parent up by local path in the Metadata Store).
func (r *Reconciler) downloadRemoteOnlyFolders(ctx context.Context, workspace int64, snap *snapshotResult, localDirByPath map[string]bool) error {
	for foldedPath, entry := range snap.tree {
		if entry.Kind != model.KindFolder {
			continue
		}
		if err := r.checkWorkspace(workspace); err != nil {
			return err
		}
		if localDirByPath[foldedPath] {
			continue
		}

		relPath := snap.casedPaths[foldedPath]
		absPath := filepath.Join(r.deps.Root, relPath)
		if err := r.deps.FS.MkdirAll(absPath, 0o755); err != nil {
			r.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: relPath})
			continue
		}

		rec := model.LocalRecord{RemoteEntry: entry, LocalPath: absPath, LastSyncedAt: time.Now()}
		if err := r.deps.Store.Upsert(ctx, rec); err != nil {
			r.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: relPath})
		}
	}
	return nil
}

func (r *Reconciler) downloadEntry(ctx context.Context, workspace int64, entry model.RemoteEntry, relPath string) error {
	destDir := filepath.Join(r.deps.Root, model.Dir(relPath))
	if err := r.deps.FS.MkdirAll(destDir, 0o755); err != nil {
		return drivesyncerrors.WithContext(err, "create destination directory")
	}

	path, err := r.deps.Pipeline.Download(ctx, workspace, entry, destDir)
	if err != nil {
		return err
	}

	rec := model.LocalRecord{RemoteEntry: entry, LocalPath: path, LastSyncedAt: time.Now()}
	if err := r.deps.Store.Upsert(ctx, rec); err != nil {
		return err
	}
	r.deps.Echo.Mark(path)
	return nil
}

type side int

const (
	sideEqual side = iota
	sideLocal
	sideRemote
)

// sameSizeComparison implements Phase C's literal same-size rule:
// remote newer by more than the tolerance downloads, local newer by
// more than the tolerance defers to Phase D, and anything within the
// band is treated as equal (no transfer), which is what keeps a
// settled reconcile pass from re-transferring on every run.
func sameSizeComparison(local, remote time.Time) side {
	diff := remote.Sub(local)
	switch {
	case diff > ConflictTolerance:
		return sideRemote
	case diff < -ConflictTolerance:
		return sideLocal
	default:
		return sideEqual
	}
}

// conflictComparison resolves a genuine content conflict (sizes
// differ at the same path): remote wins only if it's newer by more
// than the tolerance; every other case, including a timestamp tie,
// goes to local per the conflict rule in spec §4.8.
func conflictComparison(local, remote time.Time) side {
	if remote.Sub(local) > ConflictTolerance {
		return sideRemote
	}
	return sideLocal
}
