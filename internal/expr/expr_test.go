package expr

import (
	"math"
	"testing"
)

func constReader(vals map[int]float64) SourceReader {
	return func(elemIdx, histOff int) (float64, bool) {
		if histOff != 0 {
			return 0, false
		}
		v, ok := vals[elemIdx]
		return v, ok
	}
}

func TestIdentityExpression(t *testing.T) {
	ev, err := Compile(Signature{SrcLens: []int{1}, DstLen: 1}, "y=x")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, res := ev.Eval([]SourceReader{constReader(map[int]float64{0: 5})}, nil, nil)
	if res&Update == 0 || out[0] != 5 {
		t.Fatalf("out=%v res=%v", out, res)
	}
}

func TestConvergentSumMatchesDefaultGeneration(t *testing.T) {
	// Device A signals a, b (i32 len 1); device B signal s (i32 len 1).
	sig := Signature{SrcLens: []int{1, 1}, DstLen: 1}
	exprStr := BuildDefault(sig, nil)
	ev, err := Compile(sig, exprStr)
	if err != nil {
		t.Fatalf("compile default %q: %v", exprStr, err)
	}
	a := constReader(map[int]float64{0: 4})
	b := constReader(map[int]float64{0: 10})
	out, res := ev.Eval([]SourceReader{a, b}, nil, nil)
	if res&Update == 0 {
		t.Fatal("expected update bit set")
	}
	if out[0] != 7 {
		t.Fatalf("s = %v, want 7", out[0])
	}
}

func TestLinearScaling(t *testing.T) {
	// Device A out (f32 len 1, min=0 max=10); device B in (f32 len 1, min=0 max=1).
	sig := Signature{SrcLens: []int{1}, DstLen: 1}
	exprStr := BuildDefault(sig, []Linearization{{SrcMin: 0, SrcMax: 10, DstMin: 0, DstMax: 1}})
	ev, err := Compile(sig, exprStr)
	if err != nil {
		t.Fatalf("compile linear %q: %v", exprStr, err)
	}
	out, _ := ev.Eval([]SourceReader{constReader(map[int]float64{0: 5})}, nil, nil)
	if math.Abs(out[0]-0.5) > 1e-9 {
		t.Fatalf("linear(5) = %v, want 0.5", out[0])
	}
}

func TestIIRSelfReference(t *testing.T) {
	ev, err := Compile(Signature{SrcLens: []int{1}, DstLen: 1}, "y=y{-1}*0.9+x*0.1")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if ev.OutputHistorySize < 2 {
		t.Fatalf("OutputHistorySize = %d, want >= 2", ev.OutputHistorySize)
	}

	prev := 0.0
	dst := func(elemIdx, histOff int) (float64, bool) { return prev, true }
	src := constReader(map[int]float64{0: 1})
	for i := 0; i < 10; i++ {
		out, res := ev.Eval([]SourceReader{src}, dst, nil)
		if res&Update == 0 {
			t.Fatalf("iteration %d: expected update", i)
		}
		prev = out[0]
	}
	want := 1 - math.Pow(0.9, 10)
	if math.Abs(prev-want) > 1e-9 {
		t.Fatalf("IIR after 10 steps = %v, want %v", prev, want)
	}
}

func TestUserVariableAssignment(t *testing.T) {
	ev, err := Compile(Signature{SrcLens: []int{1}, DstLen: 1}, "m=m+x;y=m")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if ev.NumUserVariables != 1 {
		t.Fatalf("NumUserVariables = %d, want 1", ev.NumUserVariables)
	}
	vars := make([]float64, ev.NumUserVariables)
	src := constReader(map[int]float64{0: 2})
	for i := 0; i < 3; i++ {
		ev.Eval([]SourceReader{src}, nil, vars)
	}
	if vars[0] != 6 {
		t.Fatalf("m = %v, want 6 after 3 accumulations of 2", vars[0])
	}
}

func TestMissingHistorySuppressesUpdate(t *testing.T) {
	ev, err := Compile(Signature{SrcLens: []int{1}, DstLen: 1}, "y=x{-1}")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	noHist := func(elemIdx, histOff int) (float64, bool) { return 0, false }
	_, res := ev.Eval([]SourceReader{noHist}, nil, nil)
	if res&Update != 0 {
		t.Fatal("expected no update when referenced history is missing")
	}
}

func TestTruncatingDefaultWhenSrcLonger(t *testing.T) {
	sig := Signature{SrcLens: []int{4}, DstLen: 2}
	exprStr := BuildDefault(sig, nil)
	if exprStr != "y=x[0:1]" {
		t.Fatalf("expr = %q", exprStr)
	}
}

func TestPartialDefaultWhenSrcShorter(t *testing.T) {
	sig := Signature{SrcLens: []int{2}, DstLen: 4}
	exprStr := BuildDefault(sig, nil)
	if exprStr != "y[0:1]=x" {
		t.Fatalf("expr = %q", exprStr)
	}
}
