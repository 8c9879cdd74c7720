package expr

import (
	"fmt"
	"strings"
)

// Linearization describes the per-slot range data needed to build a
// `mode=linear` affine expression (spec.md §4.5 "Default expressions").
type Linearization struct {
	SrcMin, SrcMax float64
	DstMin, DstMax float64
}

// BuildDefault returns the default expression source string for a map
// with no user-supplied expression (spec.md §4.5 "Default expressions").
// lin is non-nil only when mode=linear and every slot involved has known
// min/max.
func BuildDefault(sig Signature, lin []Linearization) string {
	n := len(sig.SrcLens)
	if n == 1 && lin != nil && len(lin) == 1 {
		return buildLinear(lin[0])
	}
	switch {
	case n == 1 && sig.SrcLens[0] == sig.DstLen:
		return "y=x"
	case n == 1 && sig.SrcLens[0] > sig.DstLen:
		return fmt.Sprintf("y=x[0:%d]", sig.DstLen-1)
	case n == 1 && sig.SrcLens[0] < sig.DstLen:
		return fmt.Sprintf("y[0:%d]=x", sig.SrcLens[0]-1)
	default:
		return buildConvergentSum(sig)
	}
}

// buildConvergentSum implements "num_sources > 1" default: the
// elementwise mean of all sources, each padded with zero beyond its own
// length (spec.md §4.5).
func buildConvergentSum(sig Signature) string {
	minVec := sig.SrcLens[0]
	for _, l := range sig.SrcLens[1:] {
		if l < minVec {
			minVec = l
		}
	}
	var stmts []string
	for j := 0; j < minVec; j++ {
		var terms []string
		for i := range sig.SrcLens {
			terms = append(terms, fmt.Sprintf("x%d[%d]", i, j))
		}
		stmts = append(stmts, fmt.Sprintf("y[%d]=(%s)/%d", j, strings.Join(terms, "+"), len(sig.SrcLens)))
	}
	return strings.Join(stmts, ";")
}

// buildLinear builds the componentwise affine map for mode=linear
// (spec.md §4.5), special-casing a degenerate source range (constant
// output) and a source range identical to the destination range
// (identity).
func buildLinear(l Linearization) string {
	if l.SrcMin == l.SrcMax {
		return fmt.Sprintf("y=%g", l.DstMin)
	}
	if l.SrcMin == l.DstMin && l.SrcMax == l.DstMax {
		return "y=x"
	}
	scale := (l.DstMax - l.DstMin) / (l.SrcMax - l.SrcMin)
	offset := (l.DstMax*l.SrcMin - l.DstMin*l.SrcMax) / (l.SrcMin - l.SrcMax)
	return fmt.Sprintf("y=x*%g+%g", scale, offset)
}
