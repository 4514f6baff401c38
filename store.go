package bundoc

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/bundoc-io/bundoc/internal/eventbus"
	"github.com/bundoc-io/bundoc/internal/filelock"
	"github.com/bundoc-io/bundoc/internal/wal"
)

// state is the engine lifecycle state.
type state byte

const (
	stateOpening state = iota
	stateReady
	stateClosing
	stateClosed
	stateFailed
)

// Store is the embedded document store engine façade: the single type every
// other component in this package exists to serve. One Store owns one
// canonical file, its WAL sibling, its advisory lock, and the in-memory
// document and index state derived from them.
type Store struct {
	mu    sync.Mutex
	state state

	path    string
	walPath string
	key     []byte
	opts    Options

	root Value

	lock *filelock.Lock
	w    *wal.WAL
	snap *snapshotWriter
	sch  *scheduler
	q    *mutationQueue
	idx  *IndexManager
	bus  *eventbus.Bus
}

// Open opens (creating if missing) the document store at filename. Recovery
// runs, indices are rebuilt, and the advisory lock is acquired for the life
// of the returned Store.
func Open(filename string, opts Options) (*Store, error) {
	absPath, err := filepath.Abs(filename)
	if err != nil {
		return nil, &InitError{Path: filename, Err: fmt.Errorf("%w: %v", ErrPathEscape, err)}
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, &InitError{Path: filename, Err: err}
	}
	rel, err := filepath.Rel(wd, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, &InitError{Path: filename, Err: ErrPathEscape}
	}

	if opts.Key != nil && len(opts.Key) != KeySize {
		return nil, &InitError{Path: filename, Err: ErrBadKeyLength}
	}

	s := &Store{
		state:   stateOpening,
		path:    absPath,
		walPath: absPath + ".wal",
		key:     opts.Key,
		opts:    opts,
		bus:     eventbus.New(),
	}
	s.idx = NewIndexManager(opts.Indices)
	s.q = newMutationQueue(opts.queueThreshold())
	s.snap = newSnapshotWriter(absPath)
	s.sch = newScheduler(opts.saveDelay(), s.performSave)

	lock, err := filelock.Acquire(absPath, filelock.DefaultRetries, filelock.DefaultStaleAfter)
	if err != nil {
		return nil, &InitError{Path: filename, Err: fmt.Errorf("%w: %v", ErrLockUnavailable, err)}
	}
	s.lock = lock

	// Recovery (and its truncation of any malformed WAL tail) must run
	// before the WAL is opened for append: opening with O_APPEND and then
	// truncating out from under it would race the file's on-disk length
	// against whatever this process appends next.
	result, err := recoverState(s.path, s.walPath, s.key)
	if err != nil {
		lock.Release()
		return nil, &InitError{Path: filename, Err: err}
	}
	if result.initErr != nil {
		// Decryption/parse failures that recovery could not work around are
		// terminal, but Open still hands back a constructed Store in the
		// failed state, on which every operation returns ErrEngineUnusable.
		// The error event emitted here reaches no listener, since none can
		// subscribe before Open returns.
		s.root = result.root
		s.state = stateFailed
		s.bus.Emit(eventbus.Event{Kind: eventbus.Error, Err: result.initErr})
		return s, nil
	}
	s.root = result.root

	if err := s.idx.RebuildAll(s.root); err != nil {
		lock.Release()
		return nil, &InitError{Path: filename, Err: err}
	}

	if opts.useWAL() {
		w, err := wal.Open(s.walPath)
		if err != nil {
			lock.Release()
			return nil, &InitError{Path: filename, Err: err}
		}
		s.w = w

		entries, _ := wal.ReadAll(s.walPath)
		if len(entries) > 0 {
			s.w.SetSeq(entries[len(entries)-1].Seq)
		}
	}

	s.state = stateReady
	if !opts.Silent {
		s.bus.Emit(eventbus.Event{Kind: eventbus.Ready})
	}
	return s, nil
}

// Subscribe registers a listener for lifecycle events (ready/write/error).
func (s *Store) Subscribe() chan eventbus.Event { return s.bus.Subscribe() }

// Unsubscribe removes a previously registered listener.
func (s *Store) Unsubscribe(ch chan eventbus.Event) { s.bus.Unsubscribe(ch) }

func (s *Store) checkUsable() error {
	switch s.state {
	case stateFailed:
		return ErrEngineUnusable
	case stateClosed, stateClosing:
		return ErrClosed
	default:
		return nil
	}
}

// flushLocked applies every queued mutation to the live document, index,
// and WAL state, in FIFO order, under the caller's already-held lock.
// Every read operation calls this before consulting the document, so any
// mutation still on the queue is visible to the read.
func (s *Store) flushLocked() error {
	pending := s.q.Drain()
	if len(pending) == 0 {
		return nil
	}
	return s.commitMutationsLocked(pending)
}

// Get returns the value at path (or the whole document if path is empty),
// flushing the pending queue first.
func (s *Store) Get(path string) (Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(); err != nil {
		return Value{}, false, err
	}
	if err := s.flushLocked(); err != nil {
		return Value{}, false, err
	}
	p, err := SplitPath(path)
	if err != nil {
		return Value{}, false, err
	}
	v, ok := pathGet(s.root, p)
	return v, ok, nil
}

// Has reports whether path resolves, flushing the pending queue first.
func (s *Store) Has(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(); err != nil {
		return false, err
	}
	if err := s.flushLocked(); err != nil {
		return false, err
	}
	p, err := SplitPath(path)
	if err != nil {
		return false, err
	}
	return pathHas(s.root, p), nil
}

// Find evaluates pred against the collection at path and applies opts,
// flushing the pending queue first.
func (s *Store) Find(path string, pred Predicate, opts QueryOptions) ([]Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	p, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	return Find(s.root, p, pred, opts), nil
}

// FindOne returns the first element of the collection at path matching
// pred, flushing the pending queue first.
func (s *Store) FindOne(path string, pred Predicate) (Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(); err != nil {
		return Value{}, false, err
	}
	if err := s.flushLocked(); err != nil {
		return Value{}, false, err
	}
	p, err := SplitPath(path)
	if err != nil {
		return Value{}, false, err
	}
	v, ok := FindOne(s.root, p, pred)
	return v, ok, nil
}

// FindByIndex looks up value in the named index, flushing the pending
// queue first.
func (s *Store) FindByIndex(name string, value Value) (Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(); err != nil {
		return Value{}, false, err
	}
	if err := s.flushLocked(); err != nil {
		return Value{}, false, err
	}
	v, ok := s.idx.FindByIndex(s.root, name, value)
	return v, ok, nil
}

// Set writes value at path, queues the mutation, appends it to the WAL, and
// schedules a debounced snapshot, returning once that snapshot resolves.
func (s *Store) Set(path string, value Value) error {
	p, err := SplitPath(path)
	if err != nil {
		return err
	}
	return s.mutateNamed("set", p, value, SetOp(p, value))
}

// Delete removes the value at path.
func (s *Store) Delete(path string) error {
	p, err := SplitPath(path)
	if err != nil {
		return err
	}
	return s.mutateNamed("delete", p, Value{}, DeleteOp(p))
}

// Push appends item to the array at path unless an element deep-equal to it
// is already present.
func (s *Store) Push(path string, item Value) error {
	p, err := SplitPath(path)
	if err != nil {
		return err
	}
	return s.mutateNamed("push", p, item, PushOp(p, item))
}

// Pull removes every element of the array at path deep-equal to item.
func (s *Store) Pull(path string, item Value) error {
	p, err := SplitPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkUsable(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.flushLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	coll, _ := pathGet(s.root, p)
	var kept []Value
	if coll.IsArray() {
		for _, existing := range coll.Array() {
			if !DeepEqual(existing, item) {
				kept = append(kept, existing)
			}
		}
	}
	next := Array(kept...)
	s.mu.Unlock()
	return s.mutateNamed("pull", p, item, SetOp(p, next))
}

// Add atomically increments the number at path by amount (zero if absent).
func (s *Store) Add(path string, amount Number) error {
	p, err := SplitPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkUsable(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.flushLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	cur, ok := pathGet(s.root, p)
	base := NewInt(0)
	if ok && cur.Kind() == KindNumber {
		base = cur.Number()
	}
	var next Value
	if base.IsInt() && amount.IsInt() {
		next = Value{kind: KindNumber, n: NewInt(base.Int64() + amount.Int64())}
	} else {
		next = Value{kind: KindNumber, n: NewFloat(base.Float64() + amount.Float64())}
	}
	s.mu.Unlock()
	return s.mutateNamed("add", p, next, SetOp(p, next))
}

// mutate pushes m onto the pending queue, then immediately flushes it
//: a single caller always observes FIFO order with whatever
// else is already pending. The threshold result of Push is not consulted,
// since the queue is drained right away. It then blocks until the
// resulting debounced snapshot resolves.
func (s *Store) mutate(m Mutation) error {
	s.mu.Lock()
	if err := s.checkUsable(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.q.Push(m)
	pending := s.q.Drain()
	if err := s.commitMutationsLocked(pending); err != nil {
		s.mu.Unlock()
		return err
	}
	sched := s.sch
	s.mu.Unlock()

	return <-sched.Schedule()
}

// mutateNamed wraps mutate with the registered Interceptors. opName/path/value describe the operation to
// interceptors in terms a caller configured them against, independent of m's
// own internal shape (e.g. Pull and Add surface as their own op names even
// though both lower to a Set mutation).
func (s *Store) mutateNamed(opName string, path Path, value Value, m Mutation) error {
	for _, ic := range s.opts.Interceptors {
		if err := ic.Before(opName, path, value); err != nil {
			return err
		}
	}
	err := s.mutate(m)
	for _, ic := range s.opts.Interceptors {
		ic.After(opName, path, value, err)
	}
	return err
}

// commitMutationsLocked validates, WAL-appends, and commits each mutation
// in ms in order, using the two-phase index protocol so a rejected mutation
// never partially mutates the document or its indices.
// Caller must hold s.mu.
func (s *Store) commitMutationsLocked(ms []Mutation) error {
	for _, m := range ms {
		before := s.root
		after, err := m.apply(before)
		if err != nil {
			return err
		}
		plans, err := s.idx.planMutation(before, after, m)
		if err != nil {
			return err
		}
		if s.opts.Validator != nil {
			if issues := s.opts.Validator.Validate(after); len(issues) > 0 {
				return &ValidationFailed{Issues: issues}
			}
		}
		if s.w != nil {
			op, encErr := mutationToWalOp(m)
			if encErr != nil {
				return &DurabilityFailed{Cause: encErr}
			}
			if _, appendErr := s.w.Append(op); appendErr != nil {
				s.bus.Emit(eventbus.Event{Kind: eventbus.Error, Err: appendErr})
				return &DurabilityFailed{Cause: appendErr}
			}
		}
		if err := s.idx.commit(after, plans); err != nil {
			return err
		}
		s.root = after
	}
	return nil
}

// performSave serializes the current document, encrypts it if keyed, and
// writes it via the atomic snapshot protocol, truncating the WAL on
// success.
func (s *Store) performSave() error {
	s.mu.Lock()
	root := s.root
	indented := s.opts.indented()
	key := s.key
	s.mu.Unlock()

	data, err := Serialize(root, indented)
	if err != nil {
		return err
	}
	if key != nil {
		data, err = Encrypt(data, key)
		if err != nil {
			return err
		}
	}

	if err := s.snap.Write(data); err != nil {
		s.bus.Emit(eventbus.Event{Kind: eventbus.Error, Err: err})
		return &DurabilityFailed{Cause: err}
	}

	if s.w != nil {
		if err := s.w.Truncate(); err != nil {
			s.bus.Emit(eventbus.Event{Kind: eventbus.Error, Err: err})
			return &DurabilityFailed{Cause: err}
		}
	}

	if !s.opts.Silent {
		s.bus.Emit(eventbus.Event{Kind: eventbus.Write})
	}
	return nil
}

// Transaction hands fn a deep clone of the current root; fn must return the
// new root, which replaces the document atomically once the resulting
// snapshot resolves. The pre-snapshot root is returned alongside it.
func (s *Store) Transaction(fn func(root Value) (Value, bool)) (newRoot, previousRoot Value, err error) {
	s.mu.Lock()
	if err := s.checkUsable(); err != nil {
		s.mu.Unlock()
		return Value{}, Value{}, err
	}
	if err := s.flushLocked(); err != nil {
		s.mu.Unlock()
		return Value{}, Value{}, err
	}
	previousRoot = s.root.Clone()
	s.mu.Unlock()

	candidate, ok := fn(previousRoot.Clone())
	if !ok {
		return Value{}, previousRoot, ErrTransactionAborted
	}
	if !candidate.IsObject() {
		return Value{}, previousRoot, ErrPathTypeMismatch
	}

	if err := s.replaceRoot(candidate); err != nil {
		return Value{}, previousRoot, err
	}
	return candidate, previousRoot, nil
}

// replaceRoot commits candidate as the new document root (rebuilding all
// indices against it), appends a WAL entry recording the whole-root
// replacement, and blocks until the resulting snapshot resolves.
func (s *Store) replaceRoot(candidate Value) error {
	s.mu.Lock()
	if err := s.checkUsable(); err != nil {
		s.mu.Unlock()
		return err
	}

	if DeepEqual(candidate, s.root) {
		// No-op write elision: nothing changed, so there
		// is nothing to schedule; the caller still observes success.
		s.mu.Unlock()
		return nil
	}

	if s.opts.Validator != nil {
		if issues := s.opts.Validator.Validate(candidate); len(issues) > 0 {
			s.mu.Unlock()
			return &ValidationFailed{Issues: issues}
		}
	}

	scratch := NewIndexManager(s.idx.Definitions())
	if err := scratch.RebuildAll(candidate); err != nil {
		s.mu.Unlock()
		return err
	}

	if s.w != nil {
		op := walOp{Type: "set", Path: ""}
		b, encErr := Serialize(candidate, false)
		if encErr != nil {
			s.mu.Unlock()
			return &DurabilityFailed{Cause: encErr}
		}
		op.Value = b
		if _, appendErr := s.w.Append(op); appendErr != nil {
			s.mu.Unlock()
			s.bus.Emit(eventbus.Event{Kind: eventbus.Error, Err: appendErr})
			return &DurabilityFailed{Cause: appendErr}
		}
	}

	s.root = candidate
	s.idx = scratch
	sched := s.sch
	s.mu.Unlock()

	return <-sched.Schedule()
}

// Batch applies ops (Set/Delete/Push) in order as a unit: a scratch copy of
// the document and indices absorbs every op first, so a rejected op (path
// mismatch, unique violation, validator rejection) leaves live state
// untouched; only once the whole batch is known-good are its WAL entries
// appended and the result committed.
func (s *Store) Batch(ops []Mutation) error {
	s.mu.Lock()
	if err := s.checkUsable(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.flushLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	scratchRoot := s.root
	for _, op := range ops {
		next, err := op.apply(scratchRoot)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		scratchRoot = next
	}
	if s.opts.Validator != nil {
		if issues := s.opts.Validator.Validate(scratchRoot); len(issues) > 0 {
			s.mu.Unlock()
			return &ValidationFailed{Issues: issues}
		}
	}
	scratchIdx := s.idx.Clone()
	if err := scratchIdx.RebuildAll(scratchRoot); err != nil {
		s.mu.Unlock()
		return err
	}

	for _, op := range ops {
		s.q.Push(op)
	}
	queued := s.q.Drain()
	if s.w != nil {
		for _, op := range queued {
			wop, encErr := mutationToWalOp(op)
			if encErr != nil {
				s.mu.Unlock()
				return &DurabilityFailed{Cause: encErr}
			}
			if _, appendErr := s.w.Append(wop); appendErr != nil {
				s.mu.Unlock()
				s.bus.Emit(eventbus.Event{Kind: eventbus.Error, Err: appendErr})
				return &DurabilityFailed{Cause: appendErr}
			}
		}
	}

	s.root = scratchRoot
	s.idx = scratchIdx
	sched := s.sch
	s.mu.Unlock()

	return <-sched.Schedule()
}

// Clear replaces the document with an empty object.
func (s *Store) Clear() error {
	return s.replaceRoot(EmptyObject())
}

// Paginate returns page `page` (1-indexed) of up to limit elements from the
// collection at path, in iteration order.
func (s *Store) Paginate(path string, page, limit int) ([]Value, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		return nil, nil
	}
	skip := (page - 1) * limit
	return s.Find(path, nil, QueryOptions{Skip: skip}.WithLimit(limit))
}

// SnapshotCopy copies the current canonical file to a sibling path tagged
// with label, using natefinch/atomic so the copy's own temp file has no
// naming contract to honor (unlike the canonical snapshot writer).
func (s *Store) SnapshotCopy(label string) (string, error) {
	s.mu.Lock()
	if err := s.checkUsable(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	path := s.path
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("bundoc: read canonical file for copy: %w", err)
	}
	dest := fmt.Sprintf("%s.%s.%d.bak", path, label, time.Now().UnixNano())
	if err := atomic.WriteFile(dest, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("bundoc: write snapshot copy: %w", err)
	}
	return dest, nil
}

// Close awaits any in-flight or armed save, flushes the pending queue,
// closes the WAL, and releases the advisory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.state == stateClosed || s.state == stateClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosing
	_ = s.flushLocked()
	s.mu.Unlock()

	s.sch.Close()

	s.mu.Lock()
	s.state = stateClosed
	var err error
	if s.w != nil {
		err = s.w.Close()
	}
	if s.lock != nil {
		if relErr := s.lock.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}
	s.bus.Close()
	s.mu.Unlock()
	return err
}
