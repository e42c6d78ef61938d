package lineage

import "github.com/leapstack-labs/leapgraph/pkg/core"

// Classify returns the transformation type of a column defined by expr.
// source names the relation the matched source column was read from and
// may be empty. Precedence: aggregated, joined, filtered, direct, calculated.
func Classify(expr Expression, q QueryShape, source string) core.TransformationType {
	if expr.Empty() {
		if q.IsJoined(source) {
			return core.TransformJoined
		}
		return core.TransformDirect
	}
	if expr.HasAggregate() {
		return core.TransformAggregated
	}
	if q.IsJoined(source) {
		return core.TransformJoined
	}
	for _, ref := range expr.ColumnRefs() {
		if q.IsJoined(ref.Qualifier) {
			return core.TransformJoined
		}
	}
	if expr.HasConditional() {
		return core.TransformFiltered
	}
	if _, ok := expr.BareColumn(); ok {
		return core.TransformDirect
	}
	return core.TransformCalculated
}
