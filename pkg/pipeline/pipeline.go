// Package pipeline implements the Upload/Download Pipeline: a
// bounded-concurrency task pool that streams bytes through pkg/remote,
// enforces at-most-once upload per (path, size, parent), and reports
// progress through pkg/events.
package pipeline

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/events"
	"github.com/kelda-inc/drivesync/pkg/model"
	"github.com/kelda-inc/drivesync/pkg/remote"
)

// DefaultMaxConcurrentTransfers is the default bound on simultaneous
// uploads/downloads (spec §6 configuration, `max_concurrent_transfers`).
const DefaultMaxConcurrentTransfers = 50

// Pipeline runs uploads and downloads against a remote.Client, bounding
// how many run concurrently and deduplicating concurrent upload
// attempts for the same (path, size, parent) tuple.
type Pipeline struct {
	client  remote.Client
	emitter *events.Emitter
	sem     *semaphore.Weighted
	uploads singleflight.Group
}

// New creates a Pipeline. maxConcurrent <= 0 uses
// DefaultMaxConcurrentTransfers.
func New(client remote.Client, emitter *events.Emitter, maxConcurrent int64) *Pipeline {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentTransfers
	}
	return &Pipeline{
		client:  client,
		emitter: emitter,
		sem:     semaphore.NewWeighted(maxConcurrent),
	}
}

// uploadKey returns the singleflight key for an upload attempt, unique
// per (path, size, parent) tuple (spec §4.7).
func uploadKey(localPath string, size, parentID int64) string {
	return fmt.Sprintf("%s|%d|%d", localPath, size, parentID)
}

// Upload streams localPath to parentID, bounded by the pipeline's
// concurrency limit. Concurrent calls for the same (path, size,
// parentID) share a single underlying upload: only one request reaches
// remote.Client, and all callers receive its result.
func (p *Pipeline) Upload(ctx context.Context, workspace int64, localPath string, parentID int64) (remote.UploadResult, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return remote.UploadResult{}, drivesyncerrors.WithContext(err, "stat file before upload")
	}

	key := uploadKey(localPath, info.Size(), parentID)
	result, err, _ := p.uploads.Do(key, func() (interface{}, error) {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer p.sem.Release(1)

		return p.doUpload(ctx, workspace, localPath, parentID)
	})
	if err != nil {
		p.emitter.EmitError(events.Error{Message: err.Error(), Path: localPath})
		return remote.UploadResult{}, err
	}
	return result.(remote.UploadResult), nil
}

func (p *Pipeline) doUpload(ctx context.Context, workspace int64, localPath string, parentID int64) (remote.UploadResult, error) {
	p.emitter.EmitProgress(events.Progress{Stage: events.StageUpload, CurrentPath: localPath})

	result, err := p.client.Upload(ctx, workspace, localPath, parentID, func(transferred, total int64) {
		pct := float64(0)
		if total > 0 {
			pct = float64(transferred) / float64(total) * 100
		}
		p.emitter.EmitProgress(events.Progress{Stage: events.StageUpload, CurrentPath: localPath, Percentage: pct})
	})
	if err != nil {
		return remote.UploadResult{}, err
	}

	p.emitter.EmitCompletion(events.Completion{Stage: events.StageUpload, CurrentPath: localPath})
	if result.Existing {
		p.emitter.EmitFilesystemChange(events.FilesystemChange{Kind: events.ChangeChanged, Path: localPath})
	} else {
		p.emitter.EmitFilesystemChange(events.FilesystemChange{Kind: events.ChangeAdded, Path: localPath})
	}
	return result, nil
}

// Download streams entry to destDir, bounded by the pipeline's
// concurrency limit.
func (p *Pipeline) Download(ctx context.Context, workspace int64, entry model.RemoteEntry, destDir string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)

	p.emitter.EmitProgress(events.Progress{Stage: events.StageDownload, CurrentPath: entry.Name})

	path, err := p.client.Download(ctx, workspace, entry, destDir, func(transferred, total int64) {
		pct := float64(0)
		if total > 0 {
			pct = float64(transferred) / float64(total) * 100
		}
		p.emitter.EmitProgress(events.Progress{Stage: events.StageDownload, CurrentPath: entry.Name, Percentage: pct})
	})
	if err != nil {
		p.emitter.EmitError(events.Error{Message: err.Error(), Path: entry.Name})
		return "", err
	}

	p.emitter.EmitCompletion(events.Completion{Stage: events.StageDownload, CurrentPath: path})
	p.emitter.EmitFilesystemChange(events.FilesystemChange{Kind: events.ChangeAdded, Path: path})
	return path, nil
}
