package remote

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/model"
)

func writeTempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, content, 0o644))
	return p
}

func TestFakeClientUploadAndDownload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	client := NewFakeClient(0)

	localPath := writeTempFile(t, dir, "notes.txt", []byte("hello"))
	result, err := client.Upload(ctx, 1, localPath, model.NoParent, nil)
	require.NoError(t, err)
	assert.False(t, result.Existing)
	assert.Equal(t, "notes.txt", result.Entry.Name)

	destDir := t.TempDir()
	destPath, err := client.Download(ctx, 1, result.Entry, destDir, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestFakeClientUploadDetectsDuplicate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	client := NewFakeClient(0)

	localPath := writeTempFile(t, dir, "notes.txt", []byte("hello"))
	first, err := client.Upload(ctx, 1, localPath, model.NoParent, nil)
	require.NoError(t, err)

	dupPath := writeTempFile(t, dir, "Notes.txt", []byte("hello"))
	second, err := client.Upload(ctx, 1, dupPath, model.NoParent, nil)
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
}

func TestFakeClientQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	client := NewFakeClient(4)

	localPath := writeTempFile(t, dir, "big.bin", []byte("hello world"))
	_, err := client.Upload(ctx, 1, localPath, model.NoParent, nil)
	assert.ErrorAs(t, err, &errors.QuotaExceededError{})
}

func TestFakeClientCreateFolderIdempotent(t *testing.T) {
	ctx := context.Background()
	client := NewFakeClient(0)

	first, err := client.CreateFolder(ctx, 1, "Docs", model.NoParent)
	require.NoError(t, err)

	second, err := client.CreateFolder(ctx, 1, "docs", model.NoParent)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestClassifyRetryableStatuses(t *testing.T) {
	assert.Error(t, classify(nil, 500, 0))
	assert.Error(t, classify(nil, 502, 0))
	assert.Error(t, classify(nil, 504, 0))

	var retryable errors.RetryableError
	assert.ErrorAs(t, classify(nil, 500, 0), &retryable)
}

func TestClassifyPayloadTooLarge(t *testing.T) {
	err := classify(nil, 413, 200*1024*1024)
	var sizeErr errors.SizePolicyError
	assert.ErrorAs(t, err, &sizeErr)
	assert.Contains(t, sizeErr.Message, "too large to sync")
}

func TestClassifyUnprocessableEntityOnLargeBodyIsRetryable(t *testing.T) {
	err := classify(nil, 422, 4*1024*1024)
	var retryable errors.RetryableError
	assert.ErrorAs(t, err, &retryable)
}

func TestClassifySessionExpired(t *testing.T) {
	assert.Equal(t, errors.ErrSessionExpired, classify(nil, 401, 0))
	assert.Equal(t, errors.ErrSessionExpired, classify(nil, 403, 0))
}

func TestClassifySuccessIsNil(t *testing.T) {
	assert.NoError(t, classify(nil, 200, 0))
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 5}, 0, func(d time.Duration) {}, func() error {
		calls++
		return errors.New("permanent")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRetriesRetryable(t *testing.T) {
	calls := 0
	var slept int
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: 0}, 0, func(d time.Duration) { slept++ }, func() error {
		calls++
		if calls < 3 {
			return errors.RetryableError{Cause: errors.New("transient")}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, slept)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeFilename("a:b"))
	assert.Equal(t, "unnamed", sanitizeFilename(""))
}

func TestSimilarNames(t *testing.T) {
	assert.True(t, similarNames("Résumé.pdf", "Resumepdf"))
	assert.False(t, similarNames("report.pdf", "summary.pdf"))
}

func TestProgressReaderReportsGranularity(t *testing.T) {
	data := make([]byte, progressGranularity*2+10)
	var calls int
	pr := &progressReader{r: sliceReader(data), total: int64(len(data)), report: func(transferred, total int64) {
		calls++
	}}
	_, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 2)
}

type sliceReaderType struct {
	data []byte
	pos  int
}

func sliceReader(data []byte) io.Reader {
	return &sliceReaderType{data: data}
}

func (s *sliceReaderType) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}
