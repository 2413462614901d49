package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kelda-inc/drivesync/pkg/model"
)

func TestResolveRoot(t *testing.T) {
	res, id := ParentID("notes.txt", MapTree{})
	assert.Equal(t, Root, res)
	assert.Equal(t, model.NoParent, id)
}

func TestResolveUnresolved(t *testing.T) {
	res, _ := Resolve("docs/notes.txt", MapTree{})
	assert.Equal(t, Unresolved, res)
}

func TestResolveFoundFolder(t *testing.T) {
	tree := MapTree{
		"docs": model.RemoteEntry{ID: 42, Name: "Docs", Kind: model.KindFolder},
	}
	res, entry := Resolve("Docs/notes.txt", tree)
	assert.Equal(t, Resolved, res)
	assert.Equal(t, int64(42), entry.ID)
}

func TestResolveRejectsFileAsParent(t *testing.T) {
	tree := MapTree{
		"docs": model.RemoteEntry{ID: 42, Name: "docs", Kind: model.KindFile},
	}
	res, _ := Resolve("docs/notes.txt", tree)
	assert.Equal(t, Unresolved, res)
}

func TestIsNoise(t *testing.T) {
	assert.True(t, IsNoise(".DS_Store"))
	assert.True(t, IsNoise("desktop.ini"))
	assert.True(t, IsNoise("Thumbs.db"))
	assert.True(t, IsNoise("~$doc.docx"))
	assert.True(t, IsNoise("file.tmp"))
	assert.False(t, IsNoise("notes.txt"))
}

func TestInExcludedDir(t *testing.T) {
	assert.True(t, InExcludedDir("project/node_modules/pkg/index.js"))
	assert.True(t, InExcludedDir(".git/HEAD"))
	assert.False(t, InExcludedDir("docs/notes.txt"))
}
