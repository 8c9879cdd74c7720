package expr

// Result is the bitmask Eval returns (spec.md §4.6 "Evaluation returns a
// bitmask").
type Result uint8

const (
	// Update signals y should be emitted as an output sample.
	Update Result = 1 << iota
	// Muted suppresses this sample from downstream (a boundary action
	// muted every element; expr itself never sets this bit).
	Muted
	// ReleaseBeforeUpdate emits a release for the current instance before
	// the value sample.
	ReleaseBeforeUpdate
	// ReleaseAfterUpdate emits a release for the current instance after
	// the value sample.
	ReleaseAfterUpdate
	// Done marks the final evaluation for this call.
	Done
)

// SourceReader supplies one source slot's value history to the evaluator.
// histOff is 0 for current, negative for past samples; a missing sample
// (not enough history yet) should return ok=false.
type SourceReader func(elemIdx, histOff int) (float64, bool)

// DestReader supplies the destination slot's own value history, for
// self-referencing expressions such as an IIR filter (y{-1}).
type DestReader func(elemIdx, histOff int) (float64, bool)

type evalContext struct {
	sources     []SourceReader
	dst         DestReader
	vars        []float64
	hadMiss     bool
	currentElem int
}

func (c *evalContext) srcValue(srcIdx, elemIdx, histOff int) float64 {
	v, ok := c.sources[srcIdx](elemIdx, histOff)
	if !ok {
		c.hadMiss = true
		return 0
	}
	return v
}

func (c *evalContext) dstValue(elemIdx, histOff int) float64 {
	if histOff == 0 {
		// y{0} within the expression that produces y refers to the value
		// being computed this call, which is not yet known; treat as the
		// last committed value like any other negative offset would once
		// evaluation completes.
		histOff = -1
	}
	v, ok := c.dst(elemIdx, histOff)
	if !ok {
		c.hadMiss = true
		return 0
	}
	return v
}

func (c *evalContext) userVar(idx int) float64 {
	if idx >= len(c.vars) {
		return 0
	}
	return c.vars[idx]
}

// Eval runs one evaluation pass: statements execute in source order so
// that a user-variable write is visible to later statements and to the
// output assignment within the same call. userVars is read and updated in
// place; its length must be at least ev.NumUserVariables.
func (ev *Evaluator) Eval(sources []SourceReader, dst DestReader, userVars []float64) ([]float64, Result) {
	ctx := &evalContext{sources: sources, dst: dst, vars: userVars}
	out := make([]float64, ev.dstLen)
	wrote := make([]bool, ev.dstLen)

	for _, a := range ev.assigns {
		switch {
		case a.isUserVar:
			ctx.currentElem = 0
			v := a.expr.eval(ctx)
			if a.userVar < len(ctx.vars) {
				ctx.vars[a.userVar] = v
			}
		case a.dstElem == -1:
			// Unindexed "y=..." assigns every destination element,
			// resolving any unindexed source reference positionally.
			for i := range out {
				ctx.currentElem = i
				out[i] = a.expr.eval(ctx)
				wrote[i] = true
			}
		case a.dstElem >= 0 && a.dstElem < len(out):
			ctx.currentElem = a.dstElem
			out[a.dstElem] = a.expr.eval(ctx)
			wrote[a.dstElem] = true
		}
	}

	res := Result(Done)
	anyWritten := false
	for _, w := range wrote {
		if w {
			anyWritten = true
			break
		}
	}
	if anyWritten && !ctx.hadMiss {
		res |= Update
	}
	return out, res
}
