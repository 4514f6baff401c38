package bundoc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitPathEscaping(t *testing.T) {
	p, err := SplitPath(`a\.b.c`)
	require.NoError(t, err)
	require.Equal(t, Path{"a.b", "c"}, p)
}

func TestSplitPathEmptyIsRoot(t *testing.T) {
	p, err := SplitPath("")
	require.NoError(t, err)
	require.Empty(t, p)
}

func TestSplitPathDanglingEscapeIsInvalid(t *testing.T) {
	_, err := SplitPath(`a\`)
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestJoinPathRoundTrips(t *testing.T) {
	p := Path{"a.b", "c"}
	s := JoinPath(p)
	back, err := SplitPath(s)
	require.NoError(t, err)
	require.Equal(t, p, back)
}

func TestPathSetCreatesIntermediateObjects(t *testing.T) {
	root := EmptyObject()
	p := Path{"a", "0", "c"}
	next, err := pathSet(root, p, Int(1))
	require.NoError(t, err)

	a, ok := next.Object().Get("a")
	require.True(t, ok)
	require.True(t, a.IsObject(), "numeric segment in create-mode must build an object, not an array")
	zero, ok := a.Object().Get("0")
	require.True(t, ok)
	c, ok := zero.Object().Get("c")
	require.True(t, ok)
	require.Equal(t, int64(1), c.Number().Int64())
}

func TestPathSetAppendsAtArrayLength(t *testing.T) {
	root, err := pathSet(EmptyObject(), Path{"items"}, Array(Int(1), Int(2)))
	require.NoError(t, err)

	next, err := pathSet(root, Path{"items", "2"}, Int(3))
	require.NoError(t, err)
	arr, _ := pathGet(next, Path{"items"})
	require.Equal(t, []Value{Int(1), Int(2), Int(3)}, arr.Array())
}

func TestPathSetRejectsNonIntegerSegmentAgainstArray(t *testing.T) {
	root, err := pathSet(EmptyObject(), Path{"items"}, Array(Int(1)))
	require.NoError(t, err)

	_, err = pathSet(root, Path{"items", "key"}, Int(2))
	require.ErrorIs(t, err, ErrPathTypeMismatch)
}

func TestPathUnsetReportsWhetherSomethingWasRemoved(t *testing.T) {
	root, err := pathSet(EmptyObject(), Path{"a", "b"}, Int(1))
	require.NoError(t, err)

	next, removed := pathUnset(root, Path{"a", "b"})
	require.True(t, removed)
	require.False(t, pathHas(next, Path{"a", "b"}))

	_, removed = pathUnset(next, Path{"a", "b"})
	require.False(t, removed)
}

func TestPathHasTreatsNullAsPresent(t *testing.T) {
	root, err := pathSet(EmptyObject(), Path{"a"}, Null())
	require.NoError(t, err)
	require.True(t, pathHas(root, Path{"a"}))
}
