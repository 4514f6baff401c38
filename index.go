package bundoc

import "fmt"

// Locator identifies an element within its collection: an array index or an
// object key.
type Locator struct {
	IsArray bool
	Index   int
	Key     string
}

func arrayLocator(i int) Locator  { return Locator{IsArray: true, Index: i} }
func objectLocator(k string) Locator { return Locator{Key: k} }

func (l Locator) equal(o Locator) bool {
	if l.IsArray != o.IsArray {
		return false
	}
	if l.IsArray {
		return l.Index == o.Index
	}
	return l.Key == o.Key
}

// Index is the maintained state for one secondary index: a mapping from the
// indexed field's value to the locator of the element carrying it.
type Index struct {
	Def   IndexDefinition
	byKey map[string]Locator
}

func newIndex(def IndexDefinition) *Index {
	return &Index{Def: def, byKey: make(map[string]Locator)}
}

// fieldKey returns a canonical map key for a scalar field value, and false
// if the value is absent/null (such elements are skipped when rebuilding).
func fieldKey(v Value, ok bool) (string, bool) {
	if !ok || v.IsNull() {
		return "", false
	}
	b, err := Serialize(v, false)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// IndexManager owns every configured secondary index and maintains their
// invariants across document mutations.
type IndexManager struct {
	byName map[string]*Index
	order  []string
}

// NewIndexManager builds an (initially empty) manager for the given
// definitions; call RebuildAll once the document is loaded.
func NewIndexManager(defs []IndexDefinition) *IndexManager {
	m := &IndexManager{byName: make(map[string]*Index)}
	for _, d := range defs {
		m.byName[d.Name] = newIndex(d)
		m.order = append(m.order, d.Name)
	}
	return m
}

// Clone returns a deep copy so a caller can speculatively rebuild/mutate
// indices against a scratch root before committing to live state (used by
// Store.Batch to validate a whole batch atomically).
func (m *IndexManager) Clone() *IndexManager {
	out := &IndexManager{byName: make(map[string]*Index, len(m.byName)), order: append([]string(nil), m.order...)}
	for name, idx := range m.byName {
		cp := &Index{Def: idx.Def, byKey: make(map[string]Locator, len(idx.byKey))}
		for k, v := range idx.byKey {
			cp.byKey[k] = v
		}
		out.byName[name] = cp
	}
	return out
}

// Definitions returns the configured index definitions in registration order.
func (m *IndexManager) Definitions() []IndexDefinition {
	out := make([]IndexDefinition, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.byName[name].Def)
	}
	return out
}

// RebuildAll rebuilds every index from scratch against root.
func (m *IndexManager) RebuildAll(root Value) error {
	for _, name := range m.order {
		if err := m.Rebuild(root, name); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild discards and repopulates the named index by scanning its
// collection path fresh. A duplicate encountered while rebuilding a unique
// index is a hard error.
func (m *IndexManager) Rebuild(root Value, name string) error {
	idx, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("bundoc: unknown index %q", name)
	}
	collPath, err := SplitPath(idx.Def.CollectionPath)
	if err != nil {
		return err
	}
	coll, ok := pathGet(root, collPath)
	if !ok {
		idx.byKey = make(map[string]Locator)
		return nil
	}

	fresh := make(map[string]Locator)
	switch coll.kind {
	case KindArray:
		for i, elem := range coll.arr {
			if err := insertRebuild(idx, fresh, elem, arrayLocator(i)); err != nil {
				return err
			}
		}
	case KindObject:
		for _, k := range coll.obj.Keys() {
			elem, _ := coll.obj.Get(k)
			if err := insertRebuild(idx, fresh, elem, objectLocator(k)); err != nil {
				return err
			}
		}
	default:
		idx.byKey = make(map[string]Locator)
		return nil
	}
	idx.byKey = fresh
	return nil
}

func insertRebuild(idx *Index, fresh map[string]Locator, elem Value, loc Locator) error {
	if !elem.IsObject() {
		return nil
	}
	fv, ok := elem.Object().Get(idx.Def.Field)
	key, present := fieldKey(fv, ok)
	if !present {
		return nil
	}
	if idx.Def.Unique {
		if _, exists := fresh[key]; exists {
			return &UniqueIndexViolation{IndexName: idx.Def.Name, Value: fv}
		}
	}
	fresh[key] = loc
	return nil
}

// FindByIndex returns the element in root pointed to by the locator stored
// for value under the named index, or false if absent.
func (m *IndexManager) FindByIndex(root Value, name string, value Value) (Value, bool) {
	idx, ok := m.byName[name]
	if !ok {
		return Value{}, false
	}
	key, present := fieldKey(value, true)
	if !present {
		return Value{}, false
	}
	loc, ok := idx.byKey[key]
	if !ok {
		return Value{}, false
	}
	return m.dereference(root, idx, loc)
}

func (m *IndexManager) dereference(root Value, idx *Index, loc Locator) (Value, bool) {
	collPath, err := SplitPath(idx.Def.CollectionPath)
	if err != nil {
		return Value{}, false
	}
	coll, ok := pathGet(root, collPath)
	if !ok {
		return Value{}, false
	}
	if loc.IsArray {
		if loc.Index < 0 || loc.Index >= len(coll.arr) {
			return Value{}, false
		}
		return coll.arr[loc.Index], true
	}
	return coll.obj.Get(loc.Key)
}

// pendingUpdate describes the map mutation one index would undergo for a
// document mutation, computed against a scratch copy before commit so a
// unique violation can be detected without having applied anything.
type pendingUpdate struct {
	idx        *Index
	rebuild    bool
	removeKey  string
	hasRemove  bool
	insertKey  string
	insertVal  Locator
	hasInsert  bool
}

// planMutation computes, for every index whose collection path is touched
// by m, what would change. It never mutates index state. beforeRoot is the
// document before the mutation; afterRoot is the document after applying it
// (already computed by the caller, but not yet committed).
func (im *IndexManager) planMutation(beforeRoot, afterRoot Value, m Mutation) ([]pendingUpdate, error) {
	var plans []pendingUpdate
	for _, name := range im.order {
		idx := im.byName[name]
		collPath, err := SplitPath(idx.Def.CollectionPath)
		if err != nil {
			return nil, err
		}
		rel, matches := matchCollectionPrefix(collPath, m.Path)
		if !matches {
			continue
		}
		if len(rel) == 0 {
			// The mutation targets the collection itself: full rebuild.
			plans = append(plans, pendingUpdate{idx: idx, rebuild: true})
			continue
		}
		if len(rel) == 1 && m.Kind == MutationDelete {
			if coll, ok := pathGet(beforeRoot, collPath); ok && coll.IsArray() {
				// Removing an array element shifts every later index, so
				// the stored locators must all be recomputed.
				plans = append(plans, pendingUpdate{idx: idx, rebuild: true})
				continue
			}
		}

		elemKeySeg := rel[0]
		loc, ok := elementLocatorForSegment(beforeRoot, afterRoot, collPath, elemKeySeg)
		if !ok {
			continue
		}

		plan := pendingUpdate{idx: idx}

		if beforeElem, ok := pathGet(beforeRoot, append(append(Path{}, collPath...), elemKeySeg)); ok && beforeElem.IsObject() {
			if fv, ok := beforeElem.Object().Get(idx.Def.Field); ok {
				if key, present := fieldKey(fv, ok); present {
					if existing, has := idx.byKey[key]; has && existing.equal(loc) {
						plan.removeKey = key
						plan.hasRemove = true
					}
				}
			}
		}

		if afterElem, ok := pathGet(afterRoot, append(append(Path{}, collPath...), elemKeySeg)); ok && afterElem.IsObject() {
			if fv, ok := afterElem.Object().Get(idx.Def.Field); ok {
				if key, present := fieldKey(fv, ok); present {
					if idx.Def.Unique {
						if existing, has := idx.byKey[key]; has && !existing.equal(loc) {
							return nil, &UniqueIndexViolation{IndexName: idx.Def.Name, Value: fv}
						}
					}
					plan.insertKey = key
					plan.insertVal = loc
					plan.hasInsert = true
				}
			}
		} else if m.Kind == MutationDelete {
			// Element removed entirely: drop any entry pointing at it.
			for k, l := range idx.byKey {
				if l.equal(loc) {
					plan.removeKey = k
					plan.hasRemove = true
					break
				}
			}
		}

		plans = append(plans, plan)
	}
	return plans, nil
}

// commit applies previously validated plans to live index state.
func (im *IndexManager) commit(root Value, plans []pendingUpdate) error {
	for _, p := range plans {
		if p.rebuild {
			if err := im.Rebuild(root, p.idx.Def.Name); err != nil {
				return err
			}
			continue
		}
		if p.hasRemove {
			delete(p.idx.byKey, p.removeKey)
		}
		if p.hasInsert {
			p.idx.byKey[p.insertKey] = p.insertVal
		}
	}
	return nil
}

// matchCollectionPrefix reports whether mutationPath is collPath itself
// (rel == empty, matches == true) or a descendant of it (rel is the
// remaining suffix starting with the element's own key segment).
func matchCollectionPrefix(collPath, mutationPath Path) (Path, bool) {
	if len(mutationPath) < len(collPath) {
		return nil, false
	}
	for i, seg := range collPath {
		if mutationPath[i] != seg {
			return nil, false
		}
	}
	return mutationPath[len(collPath):], true
}

// elementLocatorForSegment resolves the segment identifying an element
// within its collection into a Locator, preferring whichever of before/after
// still has the collection in the right shape.
func elementLocatorForSegment(beforeRoot, afterRoot Value, collPath Path, seg string) (Locator, bool) {
	for _, root := range []Value{afterRoot, beforeRoot} {
		coll, ok := pathGet(root, collPath)
		if !ok {
			continue
		}
		switch coll.kind {
		case KindArray:
			if idx, ok := isIndex(seg); ok {
				return arrayLocator(idx), true
			}
		case KindObject:
			return objectLocator(seg), true
		}
	}
	return Locator{}, false
}
