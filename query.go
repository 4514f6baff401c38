package bundoc

import "sort"

// Predicate is the query engine's matching contract. Hosts with cheap
// closures implement it directly with FuncPredicate; hosts without them can
// build a MapPredicate from a structured equality form, an
// OperatorPredicate from a MongoDB-style operator map ($gt/$or/...), or
// compile a CEL expression via CELPredicate.
type Predicate interface {
	Match(elem Value) bool
}

// MapPredicate matches when every field of the predicate deep-equals the
// corresponding field of the element. Nested keys are literal — no
// dot-path expansion inside the predicate.
type MapPredicate struct {
	Fields *OrderedMap
}

// NewMapPredicate builds a MapPredicate from plain Go data (the shape
// produced by encoding/json.Unmarshal into interface{}), sparing hosts from
// constructing an OrderedMap by hand.
func NewMapPredicate(fields map[string]interface{}) MapPredicate {
	v := FromNative(fields)
	return MapPredicate{Fields: v.Object()}
}

// Match implements Predicate.
func (p MapPredicate) Match(elem Value) bool {
	if p.Fields == nil {
		return true
	}
	if !elem.IsObject() {
		return false
	}
	for _, k := range p.Fields.Keys() {
		want, _ := p.Fields.Get(k)
		got, ok := elem.Object().Get(k)
		if !ok || !DeepEqual(want, got) {
			return false
		}
	}
	return true
}

// FuncPredicate adapts a Go closure to the Predicate contract — an opaque
// callable the engine invokes per element without inspecting its logic.
type FuncPredicate func(Value) bool

// Match implements Predicate.
func (f FuncPredicate) Match(elem Value) bool { return f(elem) }

// SortField is one key of a multi-field sort specification.
type SortField struct {
	Field string
	Desc  bool // true for -1 (descending), false for 1 (ascending)
}

// Sorter orders two elements; either a structured multi-field SortField
// list (stable, applied in listed order) or an opaque comparator function.
type Sorter interface {
	Less(a, b Value) bool
}

// FieldSort is the structured `{field: 1|-1, ...}` sort form.
type FieldSort []SortField

// Less implements Sorter: compares numerically for numbers, lexically for
// strings; a value present beats one absent, absent-vs-absent is a tie.
func (s FieldSort) Less(a, b Value) bool {
	for _, f := range s {
		va, aok := lookupField(a, f.Field)
		vb, bok := lookupField(b, f.Field)
		var cmp int
		switch {
		case aok && bok:
			cmp = CompareValues(va, vb)
		case aok && !bok:
			cmp = 1
		case !aok && bok:
			cmp = -1
		default:
			cmp = 0
		}
		if cmp == 0 {
			continue
		}
		if f.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

// FuncSort adapts an opaque comparator function to the Sorter contract.
type FuncSort func(a, b Value) bool

// Less implements Sorter.
func (f FuncSort) Less(a, b Value) bool { return f(a, b) }

func lookupField(v Value, field string) (Value, bool) {
	if !v.IsObject() {
		return Value{}, false
	}
	return v.Object().Get(field)
}

// QueryOptions configures Find: sort, skip, limit, and field projection,
// honored in sort-then-skip-then-limit-then-select order.
type QueryOptions struct {
	Sort     Sorter
	Skip     int
	Limit    int // meaningful only when LimitSet is true
	LimitSet bool
	Select   []string
}

// WithLimit returns a copy of opts with Limit set.
func (o QueryOptions) WithLimit(n int) QueryOptions {
	o.Limit = n
	o.LimitSet = true
	return o
}

// collectionElements returns the elements of the array or object at path,
// in iteration order (array order, or object insertion order).
func collectionElements(root Value, path Path) []Value {
	coll, ok := pathGet(root, path)
	if !ok {
		return nil
	}
	switch coll.kind {
	case KindArray:
		return coll.arr
	case KindObject:
		keys := coll.obj.Keys()
		out := make([]Value, 0, len(keys))
		for _, k := range keys {
			v, _ := coll.obj.Get(k)
			out = append(out, v)
		}
		return out
	default:
		return nil
	}
}

// FindOne returns the first element in iteration order that matches pred,
// or false if the collection is absent/empty or nothing matches.
func FindOne(root Value, path Path, pred Predicate) (Value, bool) {
	for _, elem := range collectionElements(root, path) {
		if pred == nil || pred.Match(elem) {
			return elem, true
		}
	}
	return Value{}, false
}

// Find evaluates pred against every element of the array/object at path and
// applies opts in sort-then-skip-then-limit-then-select order.
func Find(root Value, path Path, pred Predicate, opts QueryOptions) []Value {
	var matched []Value
	for _, elem := range collectionElements(root, path) {
		if pred == nil || pred.Match(elem) {
			matched = append(matched, elem)
		}
	}

	if opts.Sort != nil {
		sort.SliceStable(matched, func(i, j int) bool {
			return opts.Sort.Less(matched[i], matched[j])
		})
	}

	skip := opts.Skip
	if skip < 0 {
		skip = 0
	}
	if skip > len(matched) {
		skip = len(matched)
	}
	matched = matched[skip:]

	if opts.LimitSet && opts.Limit >= 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	if len(opts.Select) > 0 {
		projected := make([]Value, len(matched))
		for i, elem := range matched {
			projected[i] = project(elem, opts.Select)
		}
		return projected
	}
	return matched
}

// project builds a new object containing only the named fields of elem,
// omitting absent fields entirely.
func project(elem Value, fields []string) Value {
	if !elem.IsObject() {
		return elem
	}
	out := NewOrderedMap()
	for _, f := range fields {
		if v, ok := elem.Object().Get(f); ok {
			out.Set(f, v)
		}
	}
	return Object(out)
}
