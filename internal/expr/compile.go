package expr

import "fmt"

// Signature describes a map's source and destination vector shapes, the
// inputs to Compile (spec.md §4.5 "Expression compilation").
type Signature struct {
	SrcLens []int
	DstLen  int
}

// Evaluator is the opaque compiled form of an expression: one assignment
// per destination element, plus the derived history/variable sizing the
// caller must allocate (spec.md §4.6).
type Evaluator struct {
	assigns           []assignNode
	dstLen            int
	numSrc            int
	InputHistorySize  []int
	OutputHistorySize int
	NumUserVariables  int
}

// Compile parses src and produces an Evaluator plus the history and
// user-variable sizing the caller (slot/map setup) must allocate. An
// expression referencing y{-1} or deeper forces OutputHistorySize above 1;
// referencing x{-k} forces InputHistorySize[i] above 1.
func Compile(sig Signature, src string) (*Evaluator, error) {
	p := newParser(src, len(sig.SrcLens))
	assigns, err := p.parseStatements()
	if err != nil {
		return nil, err
	}
	if len(assigns) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrCompile)
	}

	ev := &Evaluator{
		assigns:           assigns,
		dstLen:            sig.DstLen,
		numSrc:            len(sig.SrcLens),
		InputHistorySize:  make([]int, len(sig.SrcLens)),
		OutputHistorySize: 1,
		NumUserVariables:  len(p.vars),
	}
	for i := range ev.InputHistorySize {
		ev.InputHistorySize[i] = 1
	}
	for _, a := range assigns {
		walkHistoryDepth(a.expr, ev)
	}
	return ev, nil
}

func walkHistoryDepth(n node, ev *Evaluator) {
	switch v := n.(type) {
	case srcRefNode:
		need := -v.histOff + 1
		if need > ev.InputHistorySize[v.srcIdx] {
			ev.InputHistorySize[v.srcIdx] = need
		}
	case dstRefNode:
		need := -v.histOff + 1
		if need > ev.OutputHistorySize {
			ev.OutputHistorySize = need
		}
	case binOpNode:
		walkHistoryDepth(v.lhs, ev)
		walkHistoryDepth(v.rhs, ev)
	case negNode:
		walkHistoryDepth(v.inner, ev)
	}
}
