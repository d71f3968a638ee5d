package reconcile

import "strconv"

// ExclusionFilter builds the map filter that hides the given feature ids
// from a base layer. The shape is matched structurally by isExclusionFilter,
// so changing it here requires changing the matcher too.
func ExclusionFilter(ids []int64) FilterExpr {
	excluded := make([]any, len(ids))
	for i, id := range ids {
		excluded[i] = strconv.FormatInt(id, 10)
	}
	return FilterExpr{
		"!",
		[]any{"in", []any{"to-string", []any{"id"}}, []any{"literal", excluded}},
	}
}

// isExclusionFilter reports whether expr is a filter installed by
// ExclusionFilter.
func isExclusionFilter(expr any) bool {
	outer, ok := expr.([]any)
	if !ok || len(outer) != 2 || outer[0] != "!" {
		return false
	}
	in, ok := outer[1].([]any)
	if !ok || len(in) != 3 || in[0] != "in" {
		return false
	}
	toString, ok := in[1].([]any)
	if !ok || len(toString) != 2 || toString[0] != "to-string" {
		return false
	}
	id, ok := toString[1].([]any)
	if !ok || len(id) != 1 || id[0] != "id" {
		return false
	}
	literal, ok := in[2].([]any)
	if !ok || len(literal) != 2 || literal[0] != "literal" {
		return false
	}
	_, ok = literal[1].([]any)
	return ok
}

// MergeFilter composes an exclusion filter with a layer's existing filter.
// A previously-installed exclusion filter is replaced; unrelated filters are
// preserved under a logical "all".
func MergeFilter(existing FilterExpr, filter FilterExpr) FilterExpr {
	if existing == nil {
		return filter
	}

	if isExclusionFilter(existing) {
		return filter
	}

	if len(existing) == 0 || existing[0] != "all" {
		return FilterExpr{"all", existing, filter}
	}

	members := make([]any, len(existing)-1)
	copy(members, existing[1:])

	for i, member := range members {
		if isExclusionFilter(member) {
			members[i] = filter
			return append(FilterExpr{"all"}, members...)
		}
	}

	return append(append(FilterExpr{"all"}, members...), filter)
}
