package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelda-inc/drivesync/pkg/debounce"
	"github.com/kelda-inc/drivesync/pkg/echo"
	"github.com/kelda-inc/drivesync/pkg/events"
	"github.com/kelda-inc/drivesync/pkg/pathlock"
	"github.com/kelda-inc/drivesync/pkg/pipeline"
	"github.com/kelda-inc/drivesync/pkg/remote"
	"github.com/kelda-inc/drivesync/pkg/store"
)

func newTestWatcher(t *testing.T, root string) (*Watcher, *remote.FakeClient, store.Store) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	client := remote.NewFakeClient(0)
	emitter := events.NewEmitter()
	p := pipeline.New(client, emitter, 4)

	deps := Deps{
		Root:      root,
		Store:     s,
		Pipeline:  p,
		Client:    client,
		Debouncer: debounce.New(10*time.Millisecond, 0, time.Time{}, clockwork.NewRealClock()),
		Echo:      echo.New(time.Minute, clockwork.NewRealClock()),
		Locks:     pathlock.New(),
		Emitter:   emitter,
		Workspace: func() int64 { return 1 },
	}
	return New(deps), client, s
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func TestWatcherUploadsNewFile(t *testing.T) {
	root := t.TempDir()
	w, client, s := newTestWatcher(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	path := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	waitUntil(t, 2*time.Second, func() bool {
		_, err := s.GetByPath(ctx, path)
		return err == nil
	})

	all, err := client.ListRoot(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, "notes.txt", all[0].Name)
}

func TestWatcherIgnoresNoiseFiles(t *testing.T) {
	root := t.TempDir()
	w, client, _ := newTestWatcher(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	path := filepath.Join(root, ".DS_Store")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o644))

	time.Sleep(200 * time.Millisecond)

	all, err := client.ListRoot(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWatcherDeletesRemoteOnLocalDelete(t *testing.T) {
	root := t.TempDir()
	w, client, s := newTestWatcher(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	path := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	waitUntil(t, 2*time.Second, func() bool {
		_, err := s.GetByPath(ctx, path)
		return err == nil
	})

	require.NoError(t, os.Remove(path))

	waitUntil(t, 2*time.Second, func() bool {
		_, err := s.GetByPath(ctx, path)
		return err != nil
	})

	all, err := client.ListRoot(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, all)
}
