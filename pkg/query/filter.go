// Package query implements the search executor (spec §4.9): combining
// an index's candidate set with metadata predicates and ranking the
// survivors by distance.
package query

import (
	"fmt"
	"hash"
	"hash/fnv"
	"strings"
)

// PredicateKind enumerates the metadata predicates §4.9 supports.
type PredicateKind int

const (
	PredEquals PredicateKind = iota
	PredNotEquals
	PredOneOf
	PredRange
	PredPrefix
)

// Combinator enumerates how Filter nodes compose.
type Combinator int

const (
	CombineLeaf Combinator = iota
	CombineAnd
	CombineOr
	CombineNot
)

// Filter is a node in a predicate tree: either a leaf evaluating one
// metadata field, or a combinator over child filters.
type Filter struct {
	Combinator Combinator
	Children   []Filter

	// Leaf fields, meaningful only when Combinator == CombineLeaf.
	Field    string
	Kind     PredicateKind
	Value    any     // PredEquals, PredNotEquals
	Values   []any   // PredOneOf
	Min, Max float64 // PredRange
	Prefix   string  // PredPrefix
}

// Equals builds an equality leaf.
func Equals(field string, value any) Filter {
	return Filter{Combinator: CombineLeaf, Kind: PredEquals, Field: field, Value: value}
}

// NotEquals builds an inequality leaf.
func NotEquals(field string, value any) Filter {
	return Filter{Combinator: CombineLeaf, Kind: PredNotEquals, Field: field, Value: value}
}

// OneOf builds a set-membership leaf.
func OneOf(field string, values ...any) Filter {
	return Filter{Combinator: CombineLeaf, Kind: PredOneOf, Field: field, Values: values}
}

// Range builds a numeric-range leaf, inclusive of both ends.
func Range(field string, min, max float64) Filter {
	return Filter{Combinator: CombineLeaf, Kind: PredRange, Field: field, Min: min, Max: max}
}

// Prefix builds a string-prefix leaf.
func Prefix(field, prefix string) Filter {
	return Filter{Combinator: CombineLeaf, Kind: PredPrefix, Field: field, Prefix: prefix}
}

// And combines filters with logical AND.
func And(filters ...Filter) Filter {
	return Filter{Combinator: CombineAnd, Children: filters}
}

// Or combines filters with logical OR.
func Or(filters ...Filter) Filter {
	return Filter{Combinator: CombineOr, Children: filters}
}

// Not negates a single filter.
func Not(f Filter) Filter {
	return Filter{Combinator: CombineNot, Children: []Filter{f}}
}

// Eval evaluates f against a chunk's metadata map.
func (f Filter) Eval(metadata map[string]any) bool {
	switch f.Combinator {
	case CombineAnd:
		for _, child := range f.Children {
			if !child.Eval(metadata) {
				return false
			}
		}
		return true
	case CombineOr:
		for _, child := range f.Children {
			if child.Eval(metadata) {
				return true
			}
		}
		return false
	case CombineNot:
		return !f.Children[0].Eval(metadata)
	default:
		return f.evalLeaf(metadata)
	}
}

func (f Filter) evalLeaf(metadata map[string]any) bool {
	actual, present := metadata[f.Field]
	switch f.Kind {
	case PredEquals:
		return present && equalValue(actual, f.Value)
	case PredNotEquals:
		return !present || !equalValue(actual, f.Value)
	case PredOneOf:
		if !present {
			return false
		}
		for _, v := range f.Values {
			if equalValue(actual, v) {
				return true
			}
		}
		return false
	case PredRange:
		n, ok := asFloat(actual)
		return present && ok && n >= f.Min && n <= f.Max
	case PredPrefix:
		s, ok := actual.(string)
		return present && ok && strings.HasPrefix(s, f.Prefix)
	default:
		return false
	}
}

func equalValue(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// PrefixPredicates and RangePredicates extract the leaf predicates of
// those two kinds anywhere in the tree, letting the executor consult
// pkg/metaindex to pre-narrow candidates before falling back to Eval.
func (f Filter) PrefixPredicates() []Filter {
	return f.leavesOfKind(PredPrefix)
}

func (f Filter) RangePredicates() []Filter {
	return f.leavesOfKind(PredRange)
}

func (f Filter) leavesOfKind(kind PredicateKind) []Filter {
	if f.Combinator == CombineLeaf {
		if f.Kind == kind {
			return []Filter{f}
		}
		return nil
	}
	var out []Filter
	for _, child := range f.Children {
		out = append(out, child.leavesOfKind(kind)...)
	}
	return out
}

// pureAndOfPrefixRange reports whether f is built entirely from AND
// combinators over Prefix/Range leaves. That's the only shape where a
// chunk absent from every leaf's metaindex match set is guaranteed to
// fail Eval too; an OR or NOT anywhere in the tree breaks that
// guarantee, so pkg/query's executor only pre-narrows with this shape.
func (f Filter) pureAndOfPrefixRange() bool {
	switch f.Combinator {
	case CombineLeaf:
		return f.Kind == PredPrefix || f.Kind == PredRange
	case CombineAnd:
		for _, child := range f.Children {
			if !child.pureAndOfPrefixRange() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Hash returns a stable digest of the filter tree for cache-key
// purposes (pkg/querycache.Key's filterHash argument). A nil filter
// hashes to 0, distinct from any real filter's hash.
func (f *Filter) Hash() uint64 {
	if f == nil {
		return 0
	}
	h := fnv.New64a()
	f.writeHash(h)
	return h.Sum64()
}

func (f Filter) writeHash(h hash.Hash64) {
	fmt.Fprintf(h, "%d|%d|%s|", f.Combinator, f.Kind, f.Field)
	switch f.Kind {
	case PredEquals, PredNotEquals:
		fmt.Fprintf(h, "%v|", f.Value)
	case PredOneOf:
		for _, v := range f.Values {
			fmt.Fprintf(h, "%v,", v)
		}
		h.Write([]byte("|"))
	case PredRange:
		fmt.Fprintf(h, "%v-%v|", f.Min, f.Max)
	case PredPrefix:
		fmt.Fprintf(h, "%s|", f.Prefix)
	}
	for _, child := range f.Children {
		child.writeHash(h)
	}
}
