package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePathId(t *testing.T) {
	id, err := ParsePathId("/prod/db/postgres")
	require.NoError(t, err)
	assert.Equal(t, "/prod/db/postgres", id.String())

	id, err = ParsePathId("prod/db")
	require.NoError(t, err)
	assert.Equal(t, "/prod/db", id.String())

	id, err = ParsePathId("/")
	require.NoError(t, err)
	assert.True(t, id.IsRoot())

	id, err = ParsePathId("")
	require.NoError(t, err)
	assert.True(t, id.IsRoot())
}

func TestParsePathId_RejectsRelativeSegments(t *testing.T) {
	_, err := ParsePathId("/a/../b")
	assert.Error(t, err)

	_, err = ParsePathId("/a/./b")
	assert.Error(t, err)
}

func TestPathIdIsCaseSensitive(t *testing.T) {
	a := MustParsePathId("/App")
	b := MustParsePathId("/app")
	assert.NotEqual(t, a, b)
}

func TestPathIdParentAndBase(t *testing.T) {
	id := MustParsePathId("/a/b/c")
	assert.Equal(t, "c", id.Base())
	assert.Equal(t, MustParsePathId("/a/b"), id.Parent())
	assert.Equal(t, RootPath, MustParsePathId("/a").Parent())
	assert.Equal(t, RootPath, RootPath.Parent())
}

func TestPathIdIsDescendantOf(t *testing.T) {
	assert.True(t, MustParsePathId("/a/b/c").IsDescendantOf(MustParsePathId("/a/b")))
	assert.True(t, MustParsePathId("/a/b").IsDescendantOf(MustParsePathId("/a/b")))
	assert.True(t, MustParsePathId("/a").IsDescendantOf(RootPath))
	assert.False(t, MustParsePathId("/ab").IsDescendantOf(MustParsePathId("/a")))
	assert.False(t, MustParsePathId("/a").IsDescendantOf(MustParsePathId("/a/b")))
}

func TestPathIdCanonicalize(t *testing.T) {
	base := MustParsePathId("/prod")
	assert.Equal(t, MustParsePathId("/prod/db"), MustParsePathId("/prod/db").Canonicalize(base))
	assert.Equal(t, MustParsePathId("/prod/other/db"), MustParsePathId("/other/db").Canonicalize(base))
}

func TestPathIdJoin(t *testing.T) {
	assert.Equal(t, MustParsePathId("/a"), RootPath.Join("a"))
	assert.Equal(t, MustParsePathId("/a/b"), MustParsePathId("/a").Join("b"))
}
