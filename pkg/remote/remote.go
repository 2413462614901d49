// Package remote implements the Remote Client: the sync engine's only
// dependency on the cloud drive's wire protocol. Everything above this
// package (resolver, reconcile, pipeline, coordinator) talks only to
// the Client interface, so it can be exercised in tests against an
// in-memory FakeClient instead of a live server.
package remote

import (
	"context"
	"time"

	"github.com/kelda-inc/drivesync/pkg/model"
)

// DefaultBaseURL is the production API root NewHTTPClient targets when
// the caller doesn't override it.
const DefaultBaseURL = "https://api.drivesync.io"

// Credentials bundles what's needed to authenticate requests: a session
// cookie and the workspace scope it was issued for.
type Credentials struct {
	Cookie      string
	WorkspaceID int64
}

// AuthProvider supplies fresh Credentials when a Client operation
// reports the session has expired. Browser-driven login/token polling
// lives entirely behind this interface; the sync engine itself never
// drives a login flow.
type AuthProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// SpaceUsage reports the workspace's storage consumption.
type SpaceUsage struct {
	Used      int64
	Available int64
}

// UploadResult is returned by Upload. Existing is true when the upload
// was skipped because a duplicate was found by the preflight check, in
// which case Entry is the pre-existing remote entry.
type UploadResult struct {
	Entry    model.RemoteEntry
	Existing bool
}

// Client is the logical contract for the cloud drive's remote
// operations (spec §4.2). Every method is retried internally according
// to the error taxonomy in pkg/errors; callers see only the final
// outcome.
type Client interface {
	ListRoot(ctx context.Context, workspace int64) ([]model.RemoteEntry, error)
	ListFolder(ctx context.Context, workspace, folderID int64) ([]model.RemoteEntry, error)

	// Upload streams localPath's contents to the given folder (parentID
	// of model.NoParent means workspace root). Before sending, it
	// performs a duplicate check: if an entry with a matching
	// (name, size) already exists in the target folder, that entry is
	// returned with Existing set, and no bytes are sent.
	Upload(ctx context.Context, workspace int64, localPath string, parentID int64, progress ProgressFunc) (UploadResult, error)

	// Download streams entry's content to destDir, sanitizing the
	// filename for the host filesystem, and returns the absolute path
	// written.
	Download(ctx context.Context, workspace int64, entry model.RemoteEntry, destDir string, progress ProgressFunc) (string, error)

	// CreateFolder is idempotent: if the remote reports the folder
	// already exists, the implementation re-lists the parent and
	// returns the existing entry rather than erroring.
	CreateFolder(ctx context.Context, workspace int64, name string, parentID int64) (model.RemoteEntry, error)

	Rename(ctx context.Context, workspace, id int64, newName string) error
	Delete(ctx context.Context, workspace, id int64) error
	SpaceUsage(ctx context.Context, workspace int64) (SpaceUsage, error)
}

// ProgressFunc receives the number of bytes transferred so far out of
// total (total is 0 if unknown). The HTTP client calls it each time the
// transfer crosses a 1 MiB boundary.
type ProgressFunc func(transferred, total int64)

// RetryPolicy configures the exponential backoff applied to retryable
// operations (spec §4.2).
type RetryPolicy struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	LargeBodyThreshold int64
	LargeBodyBaseDelay time.Duration
}

// DefaultRetryPolicy matches the spec's defaults: 5 attempts, a small
// base delay under the large-body threshold, and a much larger one
// (>=5s) over it, since large bodies are more likely hitting a
// genuinely overloaded server rather than a blip.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:        5,
	BaseDelay:          500 * time.Millisecond,
	LargeBodyThreshold: 3 * 1024 * 1024,
	LargeBodyBaseDelay: 5 * time.Second,
}

// delayFor returns the backoff delay before attempt (1-indexed), scaled
// by whether size exceeds the policy's large-body threshold.
func (p RetryPolicy) delayFor(attempt int, size int64) time.Duration {
	base := p.BaseDelay
	if size >= p.LargeBodyThreshold {
		base = p.LargeBodyBaseDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
