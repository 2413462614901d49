package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "a/b/c", NormalizePath(`a\b\c`))
	assert.Equal(t, "a/b/c", NormalizePath("/a/b/c/"))
	assert.Equal(t, "", NormalizePath("/"))
	assert.Equal(t, "", NormalizePath(""))
}

func TestPathFold(t *testing.T) {
	assert.Equal(t, PathFold("Docs/Notes.TXT"), PathFold("docs/notes.txt"))
}

func TestDirAndBase(t *testing.T) {
	assert.Equal(t, "", Dir("top.txt"))
	assert.Equal(t, "a/b", Dir("a/b/c.txt"))
	assert.Equal(t, "c.txt", Base("a/b/c.txt"))
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "a/b", Join("a", "b"))
	assert.Equal(t, "b", Join("", "b"))
}

func TestSameTimestamp(t *testing.T) {
	now := time.Now()
	assert.True(t, SameTimestamp(now, now.Add(time.Second), 2*time.Second))
	assert.False(t, SameTimestamp(now, now.Add(3*time.Second), 2*time.Second))
}

func TestRecordKeyFoldsCase(t *testing.T) {
	assert.Equal(t, RecordKey("Foo.txt", 1, 10), RecordKey("foo.TXT", 1, 10))
}
