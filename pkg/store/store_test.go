package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/model"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id int64) model.LocalRecord {
	return model.LocalRecord{
		RemoteEntry: model.RemoteEntry{
			ID:          id,
			Name:        "notes.txt",
			Kind:        model.KindFile,
			ParentID:    model.NoParent,
			HasParent:   false,
			Size:        1024,
			Hash:        "abc123",
			UpdatedAt:   time.Now().UTC().Truncate(time.Second),
			WorkspaceID: 7,
		},
		LocalPath:    "/home/user/Drive/notes.txt",
		LastSyncedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestUpsertAndGetByID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := sampleRecord(1)

	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.LocalPath, got.LocalPath)
	assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))
}

func TestGetByIDNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetByID(context.Background(), 999)
	assert.ErrorAs(t, err, &errors.RecordNotFound{})
}

func TestUpsertIsIdempotentOnConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := sampleRecord(1)

	require.NoError(t, s.Upsert(ctx, rec))
	rec.Name = "renamed.txt"
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", got.Name)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFindByIdentityKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := sampleRecord(1)
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Find(ctx, "NOTES.TXT", model.NoParent, 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)

	_, err = s.Find(ctx, "notes.txt", model.NoParent, 2048)
	assert.ErrorAs(t, err, &errors.RecordNotFound{})
}

func TestGetByPath(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := sampleRecord(1)
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.GetByPath(ctx, rec.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestDeleteAndDeleteByPath(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec2 := sampleRecord(2)
	rec2.LocalPath = "/home/user/Drive/other.txt"
	require.NoError(t, s.Upsert(ctx, sampleRecord(1)))
	require.NoError(t, s.Upsert(ctx, rec2))

	require.NoError(t, s.Delete(ctx, 1))
	_, err := s.GetByID(ctx, 1)
	assert.ErrorAs(t, err, &errors.RecordNotFound{})

	err = s.Delete(ctx, 1)
	assert.ErrorAs(t, err, &errors.RecordNotFound{})

	require.NoError(t, s.DeleteByPath(ctx, rec2.LocalPath))
	_, err = s.GetByID(ctx, 2)
	assert.ErrorAs(t, err, &errors.RecordNotFound{})
}

func TestUpsertBatchAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	recs := []model.LocalRecord{sampleRecord(1), sampleRecord(2)}
	recs[1].Name = "other.txt"
	recs[1].LocalPath = "/home/user/Drive/other.txt"

	require.NoError(t, s.UpsertBatch(ctx, recs))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpsertBatchEmptyIsNoop(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.UpsertBatch(context.Background(), nil))
}
