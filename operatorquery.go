package bundoc

import (
	"github.com/bundoc-io/bundoc/internal/query"
)

// OperatorPredicate matches elements against a MongoDB-style operator map,
// e.g. {"age": {"$gt": 25}, "status": "active"}, giving hosts a
// declarative predicate form that doesn't require building an OrderedMap by
// hand the way MapPredicate does or compiling an expression the way
// CELPredicate does.
type OperatorPredicate struct {
	root query.Node
}

// NewOperatorPredicate parses query into a predicate. query's values are the
// plain Go types produced by encoding/json.Unmarshal into interface{} (or
// Value.ToNative): map[string]interface{}, []interface{}, string, float64,
// bool, nil.
func NewOperatorPredicate(q map[string]interface{}) (*OperatorPredicate, error) {
	node, err := query.Parse(q)
	if err != nil {
		return nil, err
	}
	return &OperatorPredicate{root: node}, nil
}

// Match implements Predicate.
func (p *OperatorPredicate) Match(elem Value) bool {
	if !elem.IsObject() {
		return false
	}
	doc, ok := elem.ToNative().(map[string]interface{})
	if !ok {
		return false
	}
	matcher, ok := p.root.(query.Matcher)
	if !ok {
		return false
	}
	return matcher.Matches(doc)
}
