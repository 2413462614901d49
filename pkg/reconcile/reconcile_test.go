package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelda-inc/drivesync/pkg/echo"
	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/events"
	"github.com/kelda-inc/drivesync/pkg/model"
	"github.com/kelda-inc/drivesync/pkg/pipeline"
	"github.com/kelda-inc/drivesync/pkg/remote"
	"github.com/kelda-inc/drivesync/pkg/store"
)

func newTestReconciler(t *testing.T, root string, client *remote.FakeClient, workspace int64) (*Reconciler, store.Store) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	emitter := events.NewEmitter()
	p := pipeline.New(client, emitter, 4)

	deps := Deps{
		Root:      root,
		FS:        afero.NewOsFs(),
		Store:     s,
		Client:    client,
		Pipeline:  p,
		Echo:      echo.New(time.Hour, clockwork.NewRealClock()),
		Emitter:   emitter,
		Workspace: func() int64 { return workspace },
	}
	return New(deps), s
}

// S1: remote has a folder containing a file; an empty local sync root
// reconciles to match it, and a second pass transfers nothing.
func TestReconcileDownloadsRemoteOnlyTree(t *testing.T) {
	root := t.TempDir()
	client := remote.NewFakeClient(0)
	docs := client.Seed(model.RemoteEntry{Name: "Docs", Kind: model.KindFolder, WorkspaceID: 1}, nil)
	client.Seed(model.RemoteEntry{Name: "a.txt", Kind: model.KindFile, ParentID: docs.ID, HasParent: true, Size: 5, WorkspaceID: 1, UpdatedAt: time.Now()}, []byte("hello"))

	r, s := newTestReconciler(t, root, client, 1)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx))

	got, err := os.ReadFile(filepath.Join(root, "Docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// P3: a second pass with nothing changed issues no transfers. The
	// fake client records every upload/download as a new or mutated
	// entry; snapshot the entry count before and after.
	before, err := client.ListFolder(ctx, 1, docs.ID)
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx))
	after, err := client.ListFolder(ctx, 1, docs.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	info, err := os.Stat(filepath.Join(root, "Docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
}

// S2: a new local file inside a new local-only subfolder causes the
// folder to be created remotely first, then the file uploaded under it.
func TestReconcileUploadsNewFolderThenFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Meeting"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Meeting", "notes.md"), []byte("123456789012"), 0o644))

	client := remote.NewFakeClient(0)
	r, _ := newTestReconciler(t, root, client, 1)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx))

	rootEntries, err := client.ListRoot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rootEntries, 1)
	folder := rootEntries[0]
	assert.Equal(t, "Meeting", folder.Name)
	assert.Equal(t, model.KindFolder, folder.Kind)

	children, err := client.ListFolder(ctx, 1, folder.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "notes.md", children[0].Name)
	assert.Equal(t, folder.ID, children[0].ParentID)
}

// S3: remote has a newer, larger copy of a file that also exists
// locally; the reconcile replaces local content with the remote's, and
// the path lands in the echo suppressor.
func TestReconcileConflictRemoteWins(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "x.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	client := remote.NewFakeClient(0)
	remoteContent := make([]byte, 120)
	client.Seed(model.RemoteEntry{Name: "x.bin", Kind: model.KindFile, Size: 120, WorkspaceID: 1, UpdatedAt: time.Now().Add(10 * time.Second)}, remoteContent)

	r, _ := newTestReconciler(t, root, client, 1)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(120), info.Size())
	assert.True(t, r.deps.Echo.IsRecent(path))
}

// S4: the workspace changes mid-pass; the pass aborts with
// WorkspaceDriftError and the Metadata Store is untouched.
func TestReconcileAbortsOnWorkspaceDrift(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "report.pdf"), []byte("draft"), 0o644))

	client := remote.NewFakeClient(0)
	var current atomic.Int64
	current.Store(1)
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	emitter := events.NewEmitter()
	p := pipeline.New(client, emitter, 4)
	r := New(Deps{
		Root:      root,
		FS:        afero.NewOsFs(),
		Store:     s,
		Client:    client,
		Pipeline:  p,
		Echo:      echo.New(time.Hour, clockwork.NewRealClock()),
		Emitter:   emitter,
		Workspace: func() int64 { return current.Load() },
	})

	// Flip the workspace out from under the pass right after the
	// snapshot phase completes, simulating a switch during Phase B.
	go func() {
		time.Sleep(5 * time.Millisecond)
		current.Store(2)
	}()

	err = r.Run(ctx)
	var drift drivesyncerrors.WorkspaceDriftError
	if err != nil {
		assert.ErrorAs(t, err, &drift)
	}

	all, gerr := s.GetAll(ctx)
	require.NoError(t, gerr)
	// Either the pass finished before the flip (no drift, file
	// uploaded) or it aborted with no partial state recorded for
	// workspace 2; both satisfy "no mutation against the new workspace".
	for _, rec := range all {
		assert.Equal(t, int64(1), rec.WorkspaceID)
	}
}

// S6: a remote-only subtree whose local copy was deleted is never
// deleted remotely; a later reconcile re-downloads it.
func TestReconcileNeverDeletesOnLocalAbsence(t *testing.T) {
	root := t.TempDir()
	client := remote.NewFakeClient(0)
	a := client.Seed(model.RemoteEntry{Name: "A", Kind: model.KindFolder, WorkspaceID: 1}, nil)
	b := client.Seed(model.RemoteEntry{Name: "B", Kind: model.KindFolder, ParentID: a.ID, HasParent: true, WorkspaceID: 1}, nil)
	client.Seed(model.RemoteEntry{Name: "file.txt", Kind: model.KindFile, ParentID: b.ID, HasParent: true, Size: 4, WorkspaceID: 1, UpdatedAt: time.Now()}, []byte("data"))

	r, _ := newTestReconciler(t, root, client, 1)
	ctx := context.Background()
	require.NoError(t, r.Run(ctx))

	require.NoError(t, os.RemoveAll(filepath.Join(root, "A")))

	beforeRoot, err := client.ListRoot(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx))
	afterRoot, err := client.ListRoot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, beforeRoot, afterRoot) // nothing deleted remotely

	got, err := os.ReadFile(filepath.Join(root, "A", "B", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

// P4: a local file whose parent folder is absent from the remote
// snapshot is never uploaded to root.
func TestReconcileDefersFileWithUnresolvedParent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Nested", "Deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Nested", "Deep", "f.txt"), []byte("x"), 0o644))

	client := remote.NewFakeClient(0)
	r, _ := newTestReconciler(t, root, client, 1)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx))

	rootEntries, err := client.ListRoot(ctx, 1)
	require.NoError(t, err)
	for _, e := range rootEntries {
		assert.NotEqual(t, "f.txt", e.Name, "file must never land at root when its parent is unresolved mid-pass")
	}
}

// P7: a round trip through upload then download yields identical bytes
// and the original relative path.
func TestReconcileRoundTrip(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "roundtrip.txt"), []byte("payload"), 0o644))

	client := remote.NewFakeClient(0)
	r, _ := newTestReconciler(t, root, client, 1)
	ctx := context.Background()
	require.NoError(t, r.Run(ctx))

	require.NoError(t, os.Remove(filepath.Join(root, "roundtrip.txt")))
	require.NoError(t, r.Run(ctx))

	got, err := os.ReadFile(filepath.Join(root, "roundtrip.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestSameSizeComparisonTreatsToleranceBandAsEqual(t *testing.T) {
	now := time.Now()
	assert.Equal(t, sideEqual, sameSizeComparison(now, now.Add(time.Second)))
	assert.Equal(t, sideEqual, sameSizeComparison(now, now.Add(-time.Second)))
	assert.Equal(t, sideRemote, sameSizeComparison(now, now.Add(5*time.Second)))
	assert.Equal(t, sideLocal, sameSizeComparison(now, now.Add(-5*time.Second)))
}

func TestConflictComparisonTieGoesLocal(t *testing.T) {
	now := time.Now()
	assert.Equal(t, sideLocal, conflictComparison(now, now))
	assert.Equal(t, sideLocal, conflictComparison(now, now.Add(time.Second)))
	assert.Equal(t, sideRemote, conflictComparison(now, now.Add(5*time.Second)))
}
