package boundary

import "testing"

func TestClamp(t *testing.T) {
	r := Range{Min: 0, Max: 10, BoundMin: Clamp, BoundMax: Clamp}
	if v, ok := Apply(r, -5); !ok || v != 0 {
		t.Fatalf("clamp low = %v, %v", v, ok)
	}
	if v, ok := Apply(r, 15); !ok || v != 10 {
		t.Fatalf("clamp high = %v, %v", v, ok)
	}
}

func TestClampIdempotent(t *testing.T) {
	r := Range{Min: 0, Max: 10, BoundMin: Clamp, BoundMax: Clamp}
	v1, _ := Apply(r, -5)
	v2, _ := Apply(r, v1)
	if v1 != v2 {
		t.Fatalf("clamp not idempotent: %v != %v", v1, v2)
	}
}

func TestWrapIdempotentInRange(t *testing.T) {
	r := Range{Min: 0, Max: 10, BoundMin: Wrap, BoundMax: Wrap}
	v1, _ := Apply(r, 23)
	if v1 < 0 || v1 > 10 {
		t.Fatalf("wrap out of range: %v", v1)
	}
	v2, _ := Apply(r, v1)
	if v1 != v2 {
		t.Fatalf("wrap not idempotent once in range: %v != %v", v1, v2)
	}
}

func TestMuteSuppressesAllNull(t *testing.T) {
	r := Range{Min: 0, Max: 10, BoundMin: Mute, BoundMax: Mute}
	out, suppressed := ApplyVector(r, []float64{-1, 15})
	if !suppressed {
		t.Fatal("expected fully muted vector to be suppressed")
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(out))
	}
}

func TestMutePartialNotSuppressed(t *testing.T) {
	r := Range{Min: 0, Max: 10, BoundMin: Mute, BoundMax: Mute}
	_, suppressed := ApplyVector(r, []float64{-1, 5})
	if suppressed {
		t.Fatal("a vector with one live element should not be suppressed")
	}
}

func TestFoldReflects(t *testing.T) {
	r := Range{Min: 0, Max: 10, BoundMin: Fold, BoundMax: Fold}
	v, ok := Apply(r, -2)
	if !ok || v != 2 {
		t.Fatalf("fold low = %v, %v, want 2", v, ok)
	}
	v, ok = Apply(r, 12)
	if !ok || v != 8 {
		t.Fatalf("fold high = %v, %v, want 8", v, ok)
	}
}

func TestFoldDeepExcursionRecursesOnce(t *testing.T) {
	r := Range{Min: 0, Max: 10, BoundMin: Fold, BoundMax: Fold}
	v, ok := Apply(r, -11) // reflects to 11, overshoots high, folds once more to 9
	if !ok || v != 9 {
		t.Fatalf("deep fold = %v, %v, want 9", v, ok)
	}
}

func TestNoneBoundPassesThrough(t *testing.T) {
	r := Range{Min: 0, Max: 10, BoundMin: None, BoundMax: None}
	if v, ok := Apply(r, 999); !ok || v != 999 {
		t.Fatalf("none bound should pass through, got %v, %v", v, ok)
	}
}

func TestSwappedMinMaxNormalizes(t *testing.T) {
	// Min/Max supplied reversed; their bound actions should travel with them.
	r := Range{Min: 10, Max: 0, BoundMin: Clamp, BoundMax: Wrap}
	v, ok := Apply(r, -5)
	if !ok || v != 5 {
		t.Fatalf("normalized wrap-low = %v, %v, want 5", v, ok)
	}
}
