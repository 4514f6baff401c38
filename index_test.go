package bundoc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexRebuildDetectsDuplicateOnUniqueIndex(t *testing.T) {
	users := NewOrderedMap()
	a := NewOrderedMap()
	a.Set("email", String("x@example.com"))
	users.Set("a", Object(a))
	b := NewOrderedMap()
	b.Set("email", String("x@example.com"))
	users.Set("b", Object(b))

	root := EmptyObject()
	root, err := pathSet(root, Path{"users"}, Object(users))
	require.NoError(t, err)

	mgr := NewIndexManager([]IndexDefinition{{Name: "by_email", CollectionPath: "users", Field: "email", Unique: true}})
	err = mgr.RebuildAll(root)
	var violation *UniqueIndexViolation
	require.ErrorAs(t, err, &violation)
}

func TestIndexRebuildSkipsAbsentOrNullField(t *testing.T) {
	users := NewOrderedMap()
	a := NewOrderedMap()
	a.Set("name", String("no email"))
	users.Set("a", Object(a))
	b := NewOrderedMap()
	b.Set("email", Null())
	users.Set("b", Object(b))

	root, err := pathSet(EmptyObject(), Path{"users"}, Object(users))
	require.NoError(t, err)

	mgr := NewIndexManager([]IndexDefinition{{Name: "by_email", CollectionPath: "users", Field: "email", Unique: true}})
	require.NoError(t, mgr.RebuildAll(root))

	_, ok := mgr.FindByIndex(root, "by_email", String("anything"))
	require.False(t, ok)
}

func TestIndexCloneIsIndependent(t *testing.T) {
	users := NewOrderedMap()
	a := NewOrderedMap()
	a.Set("email", String("x@example.com"))
	users.Set("a", Object(a))
	root, err := pathSet(EmptyObject(), Path{"users"}, Object(users))
	require.NoError(t, err)

	mgr := NewIndexManager([]IndexDefinition{{Name: "by_email", CollectionPath: "users", Field: "email"}})
	require.NoError(t, mgr.RebuildAll(root))

	clone := mgr.Clone()
	require.NoError(t, clone.Rebuild(EmptyObject(), "by_email"))

	_, stillThere := mgr.FindByIndex(root, "by_email", String("x@example.com"))
	require.True(t, stillThere, "mutating the clone must not affect the original")
}

func TestPlanMutationDetectsUniqueViolationBeforeCommit(t *testing.T) {
	users := NewOrderedMap()
	a := NewOrderedMap()
	a.Set("email", String("x@example.com"))
	users.Set("a", Object(a))
	before, err := pathSet(EmptyObject(), Path{"users"}, Object(users))
	require.NoError(t, err)

	mgr := NewIndexManager([]IndexDefinition{{Name: "by_email", CollectionPath: "users", Field: "email", Unique: true}})
	require.NoError(t, mgr.RebuildAll(before))

	bNode := NewOrderedMap()
	bNode.Set("email", String("x@example.com"))
	m := SetOp(Path{"users", "b"}, Object(bNode))
	after, err := m.apply(before)
	require.NoError(t, err)

	_, err = mgr.planMutation(before, after, m)
	var violation *UniqueIndexViolation
	require.ErrorAs(t, err, &violation)

	// The plan must never have been committed: the original index is
	// untouched by a rejected plan.
	_, ok := mgr.FindByIndex(before, "by_email", String("x@example.com"))
	require.True(t, ok)
}
