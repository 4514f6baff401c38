package bundoc

import (
	"strconv"
	"strings"
)

// Path is a parsed sequence of segments produced by splitting a
// path string on unescaped '.' characters. The empty path
// (zero segments) denotes the document root.
type Path []string

// SplitPath parses a path string into segments. A literal '.' inside a
// segment is written as '\.'; a lone trailing backslash is invalid.
func SplitPath(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}
	var segs []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == '.':
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if escaped {
		return nil, ErrInvalidPath
	}
	segs = append(segs, cur.String())
	return Path(segs), nil
}

// EscapeSegment returns seg with '.' and '\' escaped so it can be embedded
// literally in a path string via JoinPath.
func EscapeSegment(seg string) string {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c == '.' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// JoinPath renders a Path back into a dot-separated string, escaping
// segments as needed.
func JoinPath(p Path) string {
	esc := make([]string, len(p))
	for i, s := range p {
		esc[i] = EscapeSegment(s)
	}
	return strings.Join(esc, ".")
}

// isIndex reports whether seg is a decimal non-negative integer, and
// returns its value.
func isIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for i := 0; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return 0, false
		}
	}
	// Reject leading zeros other than the literal "0", matching a decimal
	// index grammar without accepting octal-looking ambiguity.
	if len(seg) > 1 && seg[0] == '0' {
		return 0, false
	}
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}

// pathGet performs a read-only traversal, returning the value at path and
// whether every segment resolved.
func pathGet(root Value, p Path) (Value, bool) {
	cur := root
	for _, seg := range p {
		switch cur.kind {
		case KindObject:
			v, ok := cur.obj.Get(seg)
			if !ok {
				return Value{}, false
			}
			cur = v
		case KindArray:
			idx, ok := isIndex(seg)
			if !ok || idx < 0 || idx >= len(cur.arr) {
				return Value{}, false
			}
			cur = cur.arr[idx]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// pathHas reports whether every segment of p resolves against root. A
// terminal JSON-null value counts as present.
func pathHas(root Value, p Path) bool {
	_, ok := pathGet(root, p)
	return ok
}

// pathSet writes value at path, creating missing intermediates as objects
// — never as arrays; a numeric segment in create-mode still creates an
// object keyed by the numeric string. Setting at the empty path replaces
// the root; the caller (Store) is responsible for enforcing that the
// replacement is an object.
//
// Returns ErrPathTypeMismatch if a non-integer segment is applied against
// an array that is already present in the document.
func pathSet(root Value, p Path, value Value) (Value, error) {
	if len(p) == 0 {
		return value, nil
	}
	return pathSetRec(root, p, value)
}

func pathSetRec(cur Value, p Path, value Value) (Value, error) {
	seg := p[0]
	last := len(p) == 1

	switch cur.kind {
	case KindArray:
		idx, ok := isIndex(seg)
		if !ok {
			return Value{}, ErrPathTypeMismatch
		}
		if idx < 0 || idx > len(cur.arr) {
			return Value{}, ErrPathTypeMismatch
		}
		arr := append([]Value(nil), cur.arr...)
		if last {
			if idx == len(arr) {
				arr = append(arr, value)
			} else {
				arr[idx] = value
			}
			return Value{kind: KindArray, arr: arr}, nil
		}
		var child Value
		if idx == len(arr) {
			child = EmptyObject()
			arr = append(arr, child)
		} else {
			child = arr[idx]
		}
		newChild, err := pathSetRec(child, p[1:], value)
		if err != nil {
			return Value{}, err
		}
		arr[idx] = newChild
		return Value{kind: KindArray, arr: arr}, nil

	case KindObject, KindNull:
		m := NewOrderedMap()
		if cur.kind == KindObject {
			m = cur.obj.Clone()
		}
		if last {
			m.Set(seg, value)
			return Object(m), nil
		}
		child, ok := m.Get(seg)
		if !ok {
			child = EmptyObject()
		}
		newChild, err := pathSetRec(child, p[1:], value)
		if err != nil {
			return Value{}, err
		}
		m.Set(seg, newChild)
		return Object(m), nil

	default:
		// Scalar in the way of a path that needs to descend further:
		// overwrite it with a fresh object, matching lodash-style set
		// semantics the original engine followed.
		return pathSetRec(EmptyObject(), p, value)
	}
}

// pathUnset removes the value at path, returning the new root and whether a
// value was actually present.
func pathUnset(root Value, p Path) (Value, bool) {
	if len(p) == 0 {
		return EmptyObject(), !root.IsNull()
	}
	return pathUnsetRec(root, p)
}

func pathUnsetRec(cur Value, p Path) (Value, bool) {
	seg := p[0]
	last := len(p) == 1

	switch cur.kind {
	case KindObject:
		if last {
			m := cur.obj.Clone()
			removed := m.Delete(seg)
			return Object(m), removed
		}
		child, ok := cur.obj.Get(seg)
		if !ok {
			return cur, false
		}
		newChild, removed := pathUnsetRec(child, p[1:])
		if !removed {
			return cur, false
		}
		m := cur.obj.Clone()
		m.Set(seg, newChild)
		return Object(m), true

	case KindArray:
		idx, ok := isIndex(seg)
		if !ok || idx < 0 || idx >= len(cur.arr) {
			return cur, false
		}
		if last {
			arr := append([]Value(nil), cur.arr...)
			arr = append(arr[:idx], arr[idx+1:]...)
			return Value{kind: KindArray, arr: arr}, true
		}
		newChild, removed := pathUnsetRec(cur.arr[idx], p[1:])
		if !removed {
			return cur, false
		}
		arr := append([]Value(nil), cur.arr...)
		arr[idx] = newChild
		return Value{kind: KindArray, arr: arr}, true

	default:
		return cur, false
	}
}
