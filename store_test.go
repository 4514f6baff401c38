package bundoc

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// chdirTemp points the process at a fresh temp directory for the duration
// of the test, satisfying Open's working-directory containment guard, and
// restores the original directory afterward.
func chdirTemp(t *testing.T) string {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestOpenRejectsPathOutsideWorkingDirectory(t *testing.T) {
	chdirTemp(t)
	_, err := Open("../escape.json", Options{})
	require.Error(t, err)
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	require.ErrorIs(t, initErr, ErrPathEscape)
}

func TestOpenRejectsBadKeyLength(t *testing.T) {
	chdirTemp(t)
	_, err := Open("doc.json", Options{Key: []byte("too-short")})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBadKeyLength)
}

func TestSetGetRoundTrip(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set("users.alice.age", Int(30)))

	v, ok, err := db.Get("users.alice.age")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(30), v.Number().Int64())

	_, ok, err = db.Get("users.bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadYourWritesAcrossReopen(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	require.NoError(t, db.Set("greeting", String("hello")))
	require.NoError(t, db.Close())

	db2, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db2.Close()

	v, ok, err := db2.Get("greeting")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", v.Str())
}

func TestDeleteRemovesValue(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set("a.b", Int(1)))
	require.NoError(t, db.Delete("a.b"))

	ok, err := db.Has("a.b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPushIsDeduplicatedByDeepEquality(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Push("tags", String("go")))
	require.NoError(t, db.Push("tags", String("go")))
	require.NoError(t, db.Push("tags", String("json")))

	v, ok, err := db.Get("tags")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, v.Array(), 2)
}

func TestPullRemovesMatchingElements(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set("tags", Array(String("go"), String("json"), String("go"))))
	require.NoError(t, db.Pull("tags", String("go")))

	v, ok, err := db.Get("tags")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []Value{String("json")}, v.Array())
}

func TestAddAccumulatesIntegersAndFloats(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Add("stats.hits", NewInt(1)))
	require.NoError(t, db.Add("stats.hits", NewInt(2)))
	v, _, err := db.Get("stats.hits")
	require.NoError(t, err)
	require.True(t, v.Number().IsInt())
	require.Equal(t, int64(3), v.Number().Int64())

	require.NoError(t, db.Add("stats.ratio", NewFloat(0.5)))
	v2, _, err := db.Get("stats.ratio")
	require.NoError(t, err)
	require.Equal(t, 0.5, v2.Number().Float64())
}

func TestUniqueIndexViolationLeavesDocumentUnchanged(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{
		SaveDelay: DurationPtr(0),
		Indices:   []IndexDefinition{{Name: "by_email", CollectionPath: "users", Field: "email", Unique: true}},
	})
	require.NoError(t, err)
	defer db.Close()

	alice := NewOrderedMap()
	alice.Set("email", String("alice@example.com"))
	require.NoError(t, db.Set("users.alice", Object(alice)))

	bob := NewOrderedMap()
	bob.Set("email", String("alice@example.com"))
	err = db.Set("users.bob", Object(bob))
	require.Error(t, err)
	var violation *UniqueIndexViolation
	require.ErrorAs(t, err, &violation)
	require.Equal(t, "by_email", violation.IndexName)

	_, ok, err := db.Get("users.bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindByIndexResolvesLocator(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{
		SaveDelay: DurationPtr(0),
		Indices:   []IndexDefinition{{Name: "by_email", CollectionPath: "users", Field: "email", Unique: true}},
	})
	require.NoError(t, err)
	defer db.Close()

	alice := NewOrderedMap()
	alice.Set("email", String("alice@example.com"))
	alice.Set("age", Int(30))
	require.NoError(t, db.Set("users.alice", Object(alice)))

	v, ok, err := db.FindByIndex("by_email", String("alice@example.com"))
	require.NoError(t, err)
	require.True(t, ok)
	age, _ := v.Object().Get("age")
	require.Equal(t, int64(30), age.Number().Int64())
}

func TestTransactionCommitsReturnedRoot(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set("counter", Int(1)))

	newRoot, previousRoot, err := db.Transaction(func(root Value) (Value, bool) {
		cur, _ := root.Object().Get("counter")
		m := root.Object().Clone()
		m.Set("counter", Int(cur.Number().Int64()+1))
		return Object(m), true
	})
	require.NoError(t, err)

	prevCounter, _ := previousRoot.Object().Get("counter")
	require.Equal(t, int64(1), prevCounter.Number().Int64())
	newCounter, _ := newRoot.Object().Get("counter")
	require.Equal(t, int64(2), newCounter.Number().Int64())

	v, _, err := db.Get("counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), v.Number().Int64())
}

func TestTransactionAbortLeavesDocumentUnchanged(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set("counter", Int(1)))

	_, _, err = db.Transaction(func(root Value) (Value, bool) {
		return Value{}, false
	})
	require.ErrorIs(t, err, ErrTransactionAborted)

	v, _, err := db.Get("counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Number().Int64())
}

func TestBatchAppliesAllOrNothing(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{
		SaveDelay: DurationPtr(0),
		Indices:   []IndexDefinition{{Name: "by_email", CollectionPath: "users", Field: "email", Unique: true}},
	})
	require.NoError(t, err)
	defer db.Close()

	alice := NewOrderedMap()
	alice.Set("email", String("alice@example.com"))
	require.NoError(t, db.Set("users.alice", Object(alice)))

	bobPath, _ := SplitPath("users.bob")
	logPath, _ := SplitPath("log")
	bob := NewOrderedMap()
	bob.Set("email", String("alice@example.com")) // collides with alice
	err = db.Batch([]Mutation{
		PushOp(logPath, String("batch_op")),
		SetOp(bobPath, Object(bob)),
	})
	require.Error(t, err)

	_, ok, err := db.Get("log")
	require.NoError(t, err)
	require.False(t, ok, "rejected batch must not have partially applied")
}

func TestClearReplacesDocumentWithEmptyObject(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set("a", Int(1)))
	require.NoError(t, db.Clear())

	v, ok, err := db.Get("")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, v.Object().Len())
}

func TestCrashRecoveryReplaysWALOverStaleSnapshot(t *testing.T) {
	chdirTemp(t)

	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	require.NoError(t, db.Set("a", Int(1))) // snapshot resolves, WAL truncated

	// Apply and WAL-append directly, bypassing the scheduler, to model a
	// crash in the gap between a durable WAL append and the debounced
	// snapshot that would have truncated it.
	bPath, err := SplitPath("b")
	require.NoError(t, err)
	db.mu.Lock()
	require.NoError(t, db.commitMutationsLocked([]Mutation{SetOp(bPath, Int(2))}))
	db.mu.Unlock()

	require.NoError(t, db.w.Close())
	require.NoError(t, db.lock.Release())

	db2, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db2.Close()

	va, ok, err := db2.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), va.Number().Int64())

	vb, ok, err := db2.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), vb.Number().Int64())
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	chdirTemp(t)
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}

	db, err := Open("secret.json", Options{SaveDelay: DurationPtr(0), Key: key})
	require.NoError(t, err)
	require.NoError(t, db.Set("secret", String("sauce")))
	require.NoError(t, db.Close())

	raw, err := os.ReadFile("secret.json")
	require.NoError(t, err)
	require.Contains(t, string(raw), `"iv"`)

	db2, err := Open("secret.json", Options{SaveDelay: DurationPtr(0), Key: key})
	require.NoError(t, err)
	defer db2.Close()

	v, ok, err := db2.Get("secret")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sauce", v.Str())
}

func TestOpenWithWrongKeyIsEngineUnusable(t *testing.T) {
	chdirTemp(t)
	key := make([]byte, KeySize)
	wrongKey := make([]byte, KeySize)
	wrongKey[0] = 1

	db, err := Open("secret.json", Options{SaveDelay: DurationPtr(0), Key: key})
	require.NoError(t, err)
	require.NoError(t, db.Set("secret", String("sauce")))
	require.NoError(t, db.Close())

	db2, err := Open("secret.json", Options{SaveDelay: DurationPtr(0), Key: wrongKey})
	require.NoError(t, err) // Open hands back an instance even on init failure

	_, _, getErr := db2.Get("secret")
	require.ErrorIs(t, getErr, ErrEngineUnusable)
}

func TestCoalescedMutationsShareOneSnapshot(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(20 * time.Millisecond)})
	require.NoError(t, err)
	defer db.Close()

	ch := db.Subscribe()
	defer db.Unsubscribe(ch)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() { errs <- db.Set("n", Int(int64(i))); }()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}
	// One write event per snapshot; Ready was emitted before Subscribe.
	require.Len(t, ch, 1, "three Sets within one debounce window must produce one snapshot")

	v, ok, err := db.Get("n")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, v.Number().IsInt())
}

func TestPaginateSlicesInOrder(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set("items", Array(Int(1), Int(2), Int(3), Int(4), Int(5))))

	page1, err := db.Paginate("items", 1, 2)
	require.NoError(t, err)
	require.Equal(t, []Value{Int(1), Int(2)}, page1)

	page2, err := db.Paginate("items", 2, 2)
	require.NoError(t, err)
	require.Equal(t, []Value{Int(3), Int(4)}, page2)
}

func TestSnapshotCopyWritesSiblingFile(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set("a", Int(1)))
	dest, err := db.SnapshotCopy("backup")
	require.NoError(t, err)

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"a"`)
}

func TestValidatorRejectsCandidate(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{
		SaveDelay: DurationPtr(0),
		Validator: ValidatorFunc(func(candidate Value) []string {
			if _, ok := candidate.Object().Get("forbidden"); ok {
				return []string{"forbidden field is not allowed"}
			}
			return nil
		}),
	})
	require.NoError(t, err)
	defer db.Close()

	err = db.Set("forbidden", Bool(true))
	require.Error(t, err)
	var vf *ValidationFailed
	require.ErrorAs(t, err, &vf)

	ok, err := db.Has("forbidden")
	require.NoError(t, err)
	require.False(t, ok)
}

type recordingInterceptor struct {
	before []string
	after  []string
}

func (r *recordingInterceptor) Before(op string, path Path, value Value) error {
	r.before = append(r.before, op)
	return nil
}

func (r *recordingInterceptor) After(op string, path Path, value Value, err error) {
	r.after = append(r.after, op)
}

func TestInterceptorsObserveOperations(t *testing.T) {
	chdirTemp(t)
	ic := &recordingInterceptor{}
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0), Interceptors: []Interceptor{ic}})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set("a", Int(1)))
	require.Equal(t, []string{"set"}, ic.before)
	require.Equal(t, []string{"set"}, ic.after)
}

func TestCloseIsIdempotent(t *testing.T) {
	chdirTemp(t)
	db, err := Open("doc.json", Options{SaveDelay: DurationPtr(0)})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, _, err = db.Get("a")
	require.ErrorIs(t, err, ErrClosed)
}
