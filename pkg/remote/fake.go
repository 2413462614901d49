package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/model"
)

// FakeClient is an in-memory Client used by pkg/reconcile, pkg/pipeline,
// and pkg/watch tests. It stores file content in memory and assigns
// sequential ids, mirroring just enough server behavior (duplicate
// detection, idempotent folder creation, space accounting) to drive the
// Reconciler's algorithm under test.
type FakeClient struct {
	mu       sync.Mutex
	nextID   int64
	entries  map[int64]model.RemoteEntry
	content  map[int64][]byte
	used     int64
	avail    int64
	failNext map[string]error
}

// NewFakeClient creates an empty FakeClient with the given available
// storage (used for SpaceUsage/QuotaExceededError tests).
func NewFakeClient(available int64) *FakeClient {
	return &FakeClient{
		nextID:   1,
		entries:  make(map[int64]model.RemoteEntry),
		content:  make(map[int64][]byte),
		avail:    available,
		failNext: make(map[string]error),
	}
}

// FailNextCall arranges for the next call to the named operation
// ("upload", "download", "list_root", ...) to return err instead of
// running normally. Used to exercise retry and error-propagation paths.
func (f *FakeClient) FailNextCall(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

func (f *FakeClient) takeFailure(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.failNext[op]
	delete(f.failNext, op)
	return err
}

// Seed inserts entry directly into the fake's tree, for tests that want
// to start from a non-empty remote state.
func (f *FakeClient) Seed(entry model.RemoteEntry, content []byte) model.RemoteEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.ID == 0 {
		entry.ID = f.nextID
		f.nextID++
	} else if entry.ID >= f.nextID {
		f.nextID = entry.ID + 1
	}
	f.entries[entry.ID] = entry
	if content != nil {
		f.content[entry.ID] = content
	}
	return entry
}

func (f *FakeClient) ListRoot(ctx context.Context, workspace int64) ([]model.RemoteEntry, error) {
	if err := f.takeFailure("list_root"); err != nil {
		return nil, err
	}
	return f.listChildren(workspace, model.NoParent, false)
}

func (f *FakeClient) ListFolder(ctx context.Context, workspace, folderID int64) ([]model.RemoteEntry, error) {
	if err := f.takeFailure("list_folder"); err != nil {
		return nil, err
	}
	return f.listChildren(workspace, folderID, true)
}

func (f *FakeClient) listChildren(workspace, parentID int64, hasParent bool) ([]model.RemoteEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.RemoteEntry
	for _, e := range f.entries {
		if e.WorkspaceID != workspace {
			continue
		}
		if e.HasParent != hasParent {
			continue
		}
		if hasParent && e.ParentID != parentID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *FakeClient) Upload(ctx context.Context, workspace int64, localPath string, parentID int64, progress ProgressFunc) (UploadResult, error) {
	if err := f.takeFailure("upload"); err != nil {
		return UploadResult{}, err
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return UploadResult{}, drivesyncerrors.WithContext(err, "read file for fake upload")
	}
	name := filepath.Base(localPath)

	siblings, _ := f.listChildren(workspace, parentID, parentID != model.NoParent)
	if existing, ok := findDuplicate(siblings, name, int64(len(data))); ok {
		return UploadResult{Entry: existing, Existing: true}, nil
	}

	f.mu.Lock()
	if f.avail > 0 && int64(len(data)) > f.avail-f.used {
		f.mu.Unlock()
		return UploadResult{}, drivesyncerrors.QuotaExceededError{Used: f.used, Available: f.avail, Needed: int64(len(data))}
	}
	id := f.nextID
	f.nextID++
	entry := model.RemoteEntry{
		ID:          id,
		Name:        name,
		Kind:        model.KindFile,
		ParentID:    parentID,
		HasParent:   parentID != model.NoParent,
		Size:        int64(len(data)),
		WorkspaceID: workspace,
	}
	f.entries[id] = entry
	f.content[id] = data
	f.used += int64(len(data))
	f.mu.Unlock()

	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return UploadResult{Entry: entry}, nil
}

func (f *FakeClient) Download(ctx context.Context, workspace int64, entry model.RemoteEntry, destDir string, progress ProgressFunc) (string, error) {
	if err := f.takeFailure("download"); err != nil {
		return "", err
	}

	f.mu.Lock()
	data := f.content[entry.ID]
	f.mu.Unlock()

	destPath := filepath.Join(destDir, sanitizeFilename(entry.Name))
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return "", drivesyncerrors.WithContext(err, "write downloaded file")
	}
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return destPath, nil
}

func (f *FakeClient) CreateFolder(ctx context.Context, workspace int64, name string, parentID int64) (model.RemoteEntry, error) {
	if err := f.takeFailure("create_folder"); err != nil {
		return model.RemoteEntry{}, err
	}

	siblings, _ := f.listChildren(workspace, parentID, parentID != model.NoParent)
	for _, e := range siblings {
		if e.Kind == model.KindFolder && strings.EqualFold(e.Name, name) {
			return e, nil
		}
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	entry := model.RemoteEntry{
		ID:          id,
		Name:        name,
		Kind:        model.KindFolder,
		ParentID:    parentID,
		HasParent:   parentID != model.NoParent,
		WorkspaceID: workspace,
	}
	f.entries[id] = entry
	f.mu.Unlock()
	return entry, nil
}

func (f *FakeClient) Rename(ctx context.Context, workspace, id int64, newName string) error {
	if err := f.takeFailure("rename"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok {
		return drivesyncerrors.New("entry %d not found", id)
	}
	entry.Name = newName
	f.entries[id] = entry
	return nil
}

func (f *FakeClient) Delete(ctx context.Context, workspace, id int64) error {
	if err := f.takeFailure("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok {
		return drivesyncerrors.New("entry %d not found", id)
	}
	f.used -= entry.Size
	delete(f.entries, id)
	delete(f.content, id)
	return nil
}

func (f *FakeClient) SpaceUsage(ctx context.Context, workspace int64) (SpaceUsage, error) {
	if err := f.takeFailure("space_usage"); err != nil {
		return SpaceUsage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return SpaceUsage{Used: f.used, Available: f.avail - f.used}, nil
}

// Content returns the stored bytes for id, for test assertions.
func (f *FakeClient) Content(id int64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content[id]
}
