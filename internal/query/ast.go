// Package query implements the object-filter mini-language used by
// Collection.Find/FindOne/UpdateMany/RemoveMany: an unstructured map such as
// {"age": {"$gt": 25}, "status": "active"} is parsed into a small AST and
// evaluated against each candidate document.
//
// Ported and generalized from the teacher's internal/query/ast.go: the
// original FieldNode/LogicalNode shape and recursive Parse are kept, extended
// with $ne/$in/$nin/$regex/$exists and exact-missing-field semantics.
package query

import (
	"fmt"
	"regexp"
)

// Operator is a per-field comparison operator.
type Operator string

const (
	OpEq     Operator = "$eq"
	OpNe     Operator = "$ne"
	OpGt     Operator = "$gt"
	OpGte    Operator = "$gte"
	OpLt     Operator = "$lt"
	OpLte    Operator = "$lte"
	OpIn     Operator = "$in"
	OpNin    Operator = "$nin"
	OpRegex  Operator = "$regex"
	OpExists Operator = "$exists"
)

// Node is the common interface for every node in the filter AST.
type Node interface {
	Matches(doc map[string]interface{}) bool
}

// Matcher is an alias kept for callers that only care about the interface,
// matching the teacher's naming.
type Matcher = Node

// FieldNode evaluates a single operator against a single field.
type FieldNode struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// LogicalNode combines child nodes with $and/$or, or is the implicit
// top-level conjunction of a filter object's fields.
type LogicalNode struct {
	Operator string // "$and" or "$or"
	Children []Node
}

// Parse converts a filter object into an AST. A filter object is a
// conjunction of its top-level keys unless it contains $and/$or, in which
// case those combinators take over for that key.
func Parse(filter map[string]interface{}) (Node, error) {
	var nodes []Node

	for key, val := range filter {
		switch key {
		case "$and", "$or":
			list, ok := val.([]interface{})
			if !ok {
				return nil, fmt.Errorf("value for %s must be an array", key)
			}
			children := make([]Node, 0, len(list))
			for _, item := range list {
				subMap, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("element of %s must be an object", key)
				}
				subNode, err := Parse(subMap)
				if err != nil {
					return nil, err
				}
				children = append(children, subNode)
			}
			nodes = append(nodes, &LogicalNode{Operator: key, Children: children})
		default:
			node, err := parseFieldCondition(key, val)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node...)
		}
	}

	return &LogicalNode{Operator: "$and", Children: nodes}, nil
}

// parseFieldCondition parses the condition for one field: either a scalar
// (implicit $eq) or an operator map ({"$gt": 25, "$lt": 30}).
func parseFieldCondition(field string, val interface{}) ([]Node, error) {
	opMap, ok := val.(map[string]interface{})
	if !ok {
		return []Node{&FieldNode{Field: field, Operator: OpEq, Value: val}}, nil
	}

	nodes := make([]Node, 0, len(opMap))
	for op, opVal := range opMap {
		switch Operator(op) {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpRegex, OpExists:
			nodes = append(nodes, &FieldNode{Field: field, Operator: Operator(op), Value: opVal})
		default:
			return nil, fmt.Errorf("unknown operator: %s", op)
		}
	}
	return nodes, nil
}

// IsSingleEquality reports whether the filter is exactly a single top-level
// equality on one field with no operator map and no logical combinator — the
// shape the collection core fast-paths through the index manager.
func IsSingleEquality(filter map[string]interface{}) (field string, value interface{}, ok bool) {
	if len(filter) != 1 {
		return "", nil, false
	}
	for k, v := range filter {
		if k == "$and" || k == "$or" {
			return "", nil, false
		}
		if _, isMap := v.(map[string]interface{}); isMap {
			return "", nil, false
		}
		return k, v, true
	}
	return "", nil, false
}

// Matches implements Node for a single field condition.
func (n *FieldNode) Matches(doc map[string]interface{}) bool {
	val, exists := doc[n.Field]

	if n.Operator == OpExists {
		want, _ := n.Value.(bool)
		return exists == want
	}

	if !exists {
		// A missing field compares unequal to any defined value, and never
		// satisfies any other operator.
		if n.Operator == OpNe {
			return true
		}
		return false
	}

	switch n.Operator {
	case OpEq:
		return compareEqual(val, n.Value)
	case OpNe:
		return !compareEqual(val, n.Value)
	case OpGt:
		return compareNumbers(val, n.Value) > 0
	case OpGte:
		return compareNumbers(val, n.Value) >= 0
	case OpLt:
		return compareNumbers(val, n.Value) < 0
	case OpLte:
		return compareNumbers(val, n.Value) <= 0
	case OpIn:
		return matchesIn(val, n.Value)
	case OpNin:
		return !matchesIn(val, n.Value)
	case OpRegex:
		return matchesRegex(val, n.Value)
	}
	return false
}

// Matches implements Node for $and/$or combinators, and for the implicit
// top-level conjunction produced by Parse.
func (n *LogicalNode) Matches(doc map[string]interface{}) bool {
	switch n.Operator {
	case "$or":
		for _, child := range n.Children {
			if child.Matches(doc) {
				return true
			}
		}
		return len(n.Children) == 0
	default: // "$and" (including the implicit top-level node)
		for _, child := range n.Children {
			if !child.Matches(doc) {
				return false
			}
		}
		return true
	}
}

func compareEqual(a, b interface{}) bool {
	if fa, ok1 := toFloat(a); ok1 {
		if fb, ok2 := toFloat(b); ok2 {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func matchesIn(val interface{}, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if compareEqual(val, item) {
			return true
		}
	}
	return false
}

func matchesRegex(val interface{}, pattern interface{}) bool {
	s, ok := val.(string)
	if !ok {
		return false
	}
	pat, ok := pattern.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		// An invalid pattern fails the query for every document, matching
		// spec.md's "invalid patterns fail the query" — the caller surfaces
		// this by pre-validating with CompileRegex before a scan begins.
		return false
	}
	return re.MatchString(s)
}

// CompileRegex validates a $regex pattern up front so a malformed pattern
// fails the whole query rather than silently matching nothing.
func CompileRegex(filter map[string]interface{}) error {
	for key, val := range filter {
		if key == "$and" || key == "$or" {
			list, _ := val.([]interface{})
			for _, item := range list {
				if subMap, ok := item.(map[string]interface{}); ok {
					if err := CompileRegex(subMap); err != nil {
						return err
					}
				}
			}
			continue
		}
		opMap, ok := val.(map[string]interface{})
		if !ok {
			continue
		}
		if pat, ok := opMap[string(OpRegex)]; ok {
			patStr, ok := pat.(string)
			if !ok {
				return fmt.Errorf("$regex value for field %s must be a string", key)
			}
			if _, err := regexp.Compile(patStr); err != nil {
				return fmt.Errorf("invalid $regex pattern for field %s: %w", key, err)
			}
		}
	}
	return nil
}

// CompareValues returns -1/0/1 comparing a and b, used by the sort iterator.
func CompareValues(a, b interface{}) int {
	return compareNumbers(a, b)
}

func compareNumbers(a, b interface{}) int {
	f1, ok1 := toFloat(a)
	f2, ok2 := toFloat(b)
	if ok1 && ok2 {
		switch {
		case f1 > f2:
			return 1
		case f1 < f2:
			return -1
		default:
			return 0
		}
	}
	s1, s2 := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch {
	case s1 > s2:
		return 1
	case s1 < s2:
		return -1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch i := v.(type) {
	case float64:
		return i, true
	case float32:
		return float64(i), true
	case int:
		return float64(i), true
	case int64:
		return float64(i), true
	case int32:
		return float64(i), true
	}
	return 0, false
}
