// Package watch implements the File Watcher: it subscribes to raw
// filesystem events, runs them through the ordered filter chain from
// spec §4.6, and dispatches survivors to the six logical event
// handlers. It never performs a bulk scan on startup; that's the
// Reconciler's job, run once by pkg/coordinator before the watcher is
// ever started.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/kelda-inc/drivesync/pkg/debounce"
	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/echo"
	"github.com/kelda-inc/drivesync/pkg/events"
	"github.com/kelda-inc/drivesync/pkg/model"
	"github.com/kelda-inc/drivesync/pkg/pathlock"
	"github.com/kelda-inc/drivesync/pkg/pipeline"
	"github.com/kelda-inc/drivesync/pkg/remote"
	"github.com/kelda-inc/drivesync/pkg/resolver"
	"github.com/kelda-inc/drivesync/pkg/store"
)

var fs = afero.NewOsFs()

// ParentRetryWindow bounds how long the create-folder handler waits for
// a racing parent-folder creation to settle in the Metadata Store
// before giving up and deferring (spec §4.6).
const ParentRetryWindow = 15 * time.Second

// RenamePairWindow bounds how long a remove/rename event waits for a
// matching create event in the same directory before it's treated as
// an outright deletion.
const RenamePairWindow = 300 * time.Millisecond

// Deps are the Watcher's collaborators, all owned by the caller
// (typically pkg/coordinator).
type Deps struct {
	Root      string
	Store     store.Store
	Pipeline  *pipeline.Pipeline
	Client    remote.Client
	Debouncer *debounce.Debouncer
	Echo      *echo.Suppressor
	Locks     *pathlock.Set
	Emitter   *events.Emitter
	Workspace func() int64
}

// Watcher is the File Watcher.
type Watcher struct {
	deps     Deps
	fsw      *fsnotify.Watcher
	captured int64

	mu       sync.Mutex
	pending  map[string]*pendingRemoval
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type pendingRemoval struct {
	record  model.LocalRecord
	handled bool
}

// New creates a Watcher. Call Start to begin watching.
func New(deps Deps) *Watcher {
	return &Watcher{
		deps:    deps,
		pending: make(map[string]*pendingRemoval),
		stopCh:  make(chan struct{}),
	}
}

// Start begins watching deps.Root for changes, recursively. fsnotify
// doesn't watch subdirectories automatically, so every directory under
// root (minus excluded ones) is added individually; the watcher also
// adds newly created directories as they appear.
func (w *Watcher) Start(ctx context.Context) error {
	w.deps.Root = filepath.Clean(w.deps.Root)
	w.captured = w.deps.Workspace()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return drivesyncerrors.WithContext(err, "create file watcher")
	}

	err = afero.Walk(fs, w.deps.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.deps.Root, path)
		if relErr == nil && rel != "." && resolver.InExcludedDir(rel) {
			return filepath.SkipDir
		}
		if addErr := fsw.Add(path); addErr != nil {
			log.WithError(addErr).WithField("path", path).Warn("failed to watch directory")
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return drivesyncerrors.WithContext(err, "walk sync root")
	}

	w.fsw = fsw
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher and waits for the event
// loop to exit.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("file watcher error")
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleEvent runs the ordered filter chain (spec §4.6) and, on
// success, dispatches to the appropriate handler on its own goroutine
// so a slow handler never blocks the event loop.
func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)

	if resolver.IsNoise(name) {
		return
	}
	rel, err := filepath.Rel(w.deps.Root, ev.Name)
	if err != nil {
		return
	}
	if resolver.InExcludedDir(rel) {
		return
	}
	if !w.deps.Debouncer.ShouldProcess(ev.Name) {
		return
	}
	if w.deps.Echo.IsRecent(ev.Name) {
		return
	}
	if w.deps.Workspace() != w.captured {
		w.deps.Emitter.EmitError(events.Error{
			Message: drivesyncerrors.WorkspaceDriftError{Captured: w.captured, Current: w.deps.Workspace()}.Error(),
			Path:    ev.Name,
		})
		return
	}
	if !w.deps.Locks.TryAcquire(ev.Name) {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.deps.Locks.Release(ev.Name)
		w.dispatch(ctx, ev)
	}()
}

func (w *Watcher) dispatch(ctx context.Context, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		w.handleCreate(ctx, ev.Name)
	case ev.Has(fsnotify.Write):
		w.handleModified(ctx, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.handleRemovedOrRenamedAway(ctx, ev.Name)
	}
}

func (w *Watcher) handleCreate(ctx context.Context, path string) {
	info, err := fs.Stat(path)
	if err != nil {
		// The file may have already been removed by the time we stat
		// it (create-then-immediately-delete). Nothing to do.
		return
	}

	if w.deps.Debouncer.PredatesStart(info.ModTime()) {
		// Pre-existing path surfacing a spurious Create event right
		// after startup; the initial reconcile pass already accounted
		// for it.
		return
	}

	if info.IsDir() {
		if err := w.fsw.Add(path); err != nil {
			log.WithError(err).WithField("path", path).Warn("failed to watch new directory")
		}
		if paired := w.tryPairRename(ctx, path, -1, true); paired {
			return
		}
		w.handleCreateFolder(ctx, path)
		return
	}

	if paired := w.tryPairRename(ctx, path, info.Size(), false); paired {
		return
	}
	w.handleCreateFile(ctx, path, info)
}

// tryPairRename looks for a pending removal in path's directory that
// matches (same kind, and for files the same size), pairing it as a
// rename rather than an independent delete+create. Returns true if a
// pairing was made (the caller should do nothing further).
func (w *Watcher) tryPairRename(ctx context.Context, newPath string, size int64, isDir bool) bool {
	dir := filepath.Dir(newPath)

	w.mu.Lock()
	var matchKey string
	var pending *pendingRemoval
	for key, p := range w.pending {
		if p.handled || filepath.Dir(p.record.LocalPath) != dir {
			continue
		}
		if p.record.Kind == model.KindFolder != isDir {
			continue
		}
		if !isDir && p.record.Size != size {
			continue
		}
		matchKey, pending = key, p
		break
	}
	if pending != nil {
		pending.handled = true
		delete(w.pending, matchKey)
	}
	w.mu.Unlock()

	if pending == nil {
		return false
	}

	if isDir {
		w.renameFolder(ctx, pending.record, newPath)
	} else {
		w.renameFile(ctx, pending.record, newPath)
	}
	return true
}

// handleRemovedOrRenamedAway reacts to a Remove or Rename fsnotify
// event (both mean "this path no longer has this identity" on the
// platforms drivesync targets). It looks up the existing record and
// holds it pending for RenamePairWindow in case a matching Create shows
// up in the same directory; if not, it's a genuine delete.
func (w *Watcher) handleRemovedOrRenamedAway(ctx context.Context, path string) {
	rec, err := w.deps.Store.GetByPath(ctx, path)
	if err != nil {
		return // nothing tracked at this path; no-op
	}

	pending := &pendingRemoval{record: rec}
	w.mu.Lock()
	w.pending[path] = pending
	w.mu.Unlock()

	go func() {
		time.Sleep(RenamePairWindow)
		w.mu.Lock()
		already := pending.handled
		if !already {
			pending.handled = true
			delete(w.pending, path)
		}
		w.mu.Unlock()

		if !already {
			w.handleDeleted(ctx, rec)
		}
	}()
}

func (w *Watcher) handleCreateFile(ctx context.Context, path string, info os.FileInfo) {
	if _, err := w.deps.Store.GetByPath(ctx, path); err == nil {
		return // already tracked; nothing to do
	}

	parentID, unresolved := w.resolveParent(ctx, path)
	if unresolved {
		return // defer; a later event (or the next reconcile) will pick it up
	}

	if existing, err := w.deps.Store.Find(ctx, filepath.Base(path), parentID, info.Size()); err == nil {
		existing.LocalPath = path
		existing.LastSyncedAt = time.Now()
		if err := w.deps.Store.Upsert(ctx, existing); err != nil {
			w.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: path})
		}
		return
	}

	result, err := w.deps.Pipeline.Upload(ctx, w.deps.Workspace(), path, parentID)
	if err != nil {
		return // Pipeline already emitted the error event.
	}

	rec := model.LocalRecord{RemoteEntry: result.Entry, LocalPath: path, LastSyncedAt: time.Now()}
	if err := w.deps.Store.Upsert(ctx, rec); err != nil {
		w.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: path})
		return
	}
	w.deps.Echo.Mark(path)
}

func (w *Watcher) handleCreateFolder(ctx context.Context, path string) {
	parentID, unresolved := w.resolveParentWithRetry(ctx, path)
	if unresolved {
		return
	}

	entry, err := w.deps.Client.CreateFolder(ctx, w.deps.Workspace(), filepath.Base(path), parentID)
	if err != nil {
		w.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: path})
		return
	}

	rec := model.LocalRecord{RemoteEntry: entry, LocalPath: path, LastSyncedAt: time.Now()}
	if err := w.deps.Store.Upsert(ctx, rec); err != nil {
		w.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: path})
	}
}

func (w *Watcher) handleModified(ctx context.Context, path string) {
	rec, err := w.deps.Store.GetByPath(ctx, path)
	if err != nil {
		return
	}

	info, err := fs.Stat(path)
	if err != nil {
		return
	}

	if info.Size() == rec.Size && absDuration(info.ModTime().Sub(rec.LastSyncedAt)) <= 5*time.Second {
		return // within the modify-tolerance band; not a real change
	}

	if err := w.deps.Client.Delete(ctx, w.deps.Workspace(), rec.ID); err != nil {
		w.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: path})
		return
	}

	result, err := w.deps.Pipeline.Upload(ctx, w.deps.Workspace(), path, rec.ParentID)
	if err != nil {
		w.deps.Store.DeleteByPath(ctx, path)
		return
	}

	newRec := model.LocalRecord{RemoteEntry: result.Entry, LocalPath: path, LastSyncedAt: time.Now()}
	newRec.ParentID = rec.ParentID
	newRec.HasParent = rec.HasParent
	if err := w.deps.Store.Upsert(ctx, newRec); err != nil {
		w.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: path})
		return
	}
	w.deps.Echo.Mark(path)
}

func (w *Watcher) handleDeleted(ctx context.Context, rec model.LocalRecord) {
	if err := w.deps.Client.Delete(ctx, w.deps.Workspace(), rec.ID); err != nil {
		w.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: rec.LocalPath})
		return
	}
	if err := w.deps.Store.DeleteByPath(ctx, rec.LocalPath); err != nil {
		w.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: rec.LocalPath})
		return
	}
	w.deps.Debouncer.Forget(rec.LocalPath)
	w.deps.Emitter.EmitFilesystemChange(events.FilesystemChange{Kind: events.ChangeRemoved, Path: rec.LocalPath})
}

func (w *Watcher) renameFile(ctx context.Context, rec model.LocalRecord, newPath string) {
	oldPath := rec.LocalPath

	if err := w.deps.Client.Rename(ctx, w.deps.Workspace(), rec.ID, filepath.Base(newPath)); err != nil {
		w.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: newPath})
		return
	}

	rec.Name = filepath.Base(newPath)
	rec.LocalPath = newPath
	rec.LastSyncedAt = time.Now()
	if err := w.deps.Store.Upsert(ctx, rec); err != nil {
		w.deps.Emitter.EmitError(events.Error{Message: err.Error(), Path: newPath})
		return
	}
	w.deps.Emitter.EmitFilesystemChange(events.FilesystemChange{Kind: events.ChangeRenamed, Path: newPath, OldPath: oldPath})
}

// renameFolder refuses the rename: folders anchor the path->id mapping,
// so renaming one would require a tree-wide re-key the design
// deliberately avoids (spec §4.6). The local rename is reverted when
// possible, and the user is notified via an error event.
func (w *Watcher) renameFolder(ctx context.Context, rec model.LocalRecord, newPath string) {
	if err := fs.Rename(newPath, rec.LocalPath); err != nil {
		log.WithError(err).WithField("path", newPath).Warn("failed to revert folder rename")
	}
	w.deps.Emitter.EmitError(events.Error{
		Message: "folder renames aren't synced; the original name was restored",
		Path:    rec.LocalPath,
	})
}

// resolveParent looks up the parent folder's remote id from the
// Metadata Store, which is the watcher's live view of the path->id
// mapping (the transient RemoteTreeMap belongs only to a reconcile
// pass).
func (w *Watcher) resolveParent(ctx context.Context, path string) (parentID int64, unresolved bool) {
	dir := filepath.Dir(path)
	if dir == w.deps.Root || dir == "." {
		return model.NoParent, false
	}
	rec, err := w.deps.Store.GetByPath(ctx, dir)
	if err != nil {
		return 0, true
	}
	return rec.ID, false
}

// resolveParentWithRetry polls resolveParent for up to ParentRetryWindow
// before giving up, so a burst of nested folder creations has a chance
// to settle in the Metadata Store (spec §4.6).
func (w *Watcher) resolveParentWithRetry(ctx context.Context, path string) (parentID int64, unresolved bool) {
	deadline := time.Now().Add(ParentRetryWindow)
	for {
		parentID, unresolved = w.resolveParent(ctx, path)
		if !unresolved || time.Now().After(deadline) {
			return parentID, unresolved
		}
		select {
		case <-ctx.Done():
			return 0, true
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
