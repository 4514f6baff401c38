package bundoc

import "time"

// Validator is the pluggable pre-commit hook: it inspects a candidate root
// before it replaces the live document and may reject it. Two concrete
// implementations wired to ecosystem libraries are provided for hosts that
// want one out of the box: validate/jsonschema.New and validate/cel.New.
type Validator interface {
	// Validate inspects candidate (the root the store is about to commit)
	// and returns the issues that make it unacceptable, or nil to accept.
	Validate(candidate Value) []string
}

// ValidatorFunc adapts a plain function to the Validator interface.
type ValidatorFunc func(candidate Value) []string

// Validate implements Validator.
func (f ValidatorFunc) Validate(candidate Value) []string { return f(candidate) }

// Interceptor is the pluggable pre/post-operation hook (middleware/hook
// registration): the façade runs registered pre-interceptors before
// applying a mutation and post-interceptors after it commits; returning an
// error from a pre-interceptor aborts the operation before any mutation is
// queued.
type Interceptor interface {
	Before(op string, path Path, value Value) error
	After(op string, path Path, value Value, err error)
}

// Options configures a Store.
type Options struct {
	// Key enables the AES-256-GCM encryption envelope when non-nil; it
	// must be exactly KeySize (32) bytes.
	Key []byte

	// Indented pretty-prints the on-disk JSON with two-space indentation.
	// Default true.
	Indented *bool

	// SaveDelay is the scheduler's debounce window. Nil selects
	// DefaultSaveDelay (60ms); a non-nil zero explicitly disables coalescing.
	SaveDelay *time.Duration

	// QueueThreshold is the pending mutation queue's force-flush length.
	// Default DefaultQueueThreshold (1000).
	QueueThreshold int

	// Indices are the secondary indices to maintain.
	Indices []IndexDefinition

	// Validator, if set, is consulted before every commit.
	Validator Validator

	// Interceptors run in registration order around every Set, Delete,
	// Push, Pull and Add; reads, Transaction, Batch and Clear do not run
	// them.
	Interceptors []Interceptor

	// UseWAL enables the write-ahead log. Default true; disabling it means
	// a crash between mutations can lose unsaved writes, so the
	// crash-safety property no longer holds with this set to false.
	UseWAL *bool

	// Silent suppresses diagnostic event emission when true.
	Silent bool
}

func (o Options) indented() bool {
	if o.Indented == nil {
		return true
	}
	return *o.Indented
}

func (o Options) useWAL() bool {
	if o.UseWAL == nil {
		return true
	}
	return *o.UseWAL
}

func (o Options) saveDelay() time.Duration {
	if o.SaveDelay == nil {
		return DefaultSaveDelay
	}
	return *o.SaveDelay
}

func (o Options) queueThreshold() int {
	if o.QueueThreshold <= 0 {
		return DefaultQueueThreshold
	}
	return o.QueueThreshold
}

// BoolPtr is a small convenience for populating Options.Indented/UseWAL
// literals, matching idiomatic DefaultOptions ergonomics.
func BoolPtr(b bool) *bool { return &b }

// DurationPtr is a small convenience for populating Options.SaveDelay
// literals, including an explicit zero to disable coalescing.
func DurationPtr(d time.Duration) *time.Duration { return &d }
