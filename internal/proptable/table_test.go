package proptable

import (
	"testing"

	"github.com/libmapper/mapperd/internal/oscmsg"
)

func v(n float64) []oscmsg.Atom { return []oscmsg.Atom{{Tag: oscmsg.TagFloat32, Num: n}} }

func TestDeclareAndGet(t *testing.T) {
	tbl := New()
	tbl.Declare("min", oscmsg.TagFloat32, v(0), LocalModify)
	r, ok := tbl.GetByKey("min")
	if !ok || r.Values[0].Num != 0 {
		t.Fatalf("GetByKey = %+v, ok=%v", r, ok)
	}
}

func TestSetRejectsNonModifiable(t *testing.T) {
	tbl := New()
	tbl.Declare("type", oscmsg.TagChar, []oscmsg.Atom{{Tag: oscmsg.TagChar}}, NonModifiable)
	if err := tbl.Set("type", oscmsg.TagChar, []oscmsg.Atom{{Tag: oscmsg.TagChar}}, false); err == nil {
		t.Fatal("expected ErrNotModifiable")
	}
}

func TestSetBumpsVersionOnlyOnChange(t *testing.T) {
	tbl := New()
	tbl.Declare("max", oscmsg.TagFloat32, v(10), LocalModify)
	start := tbl.Version()

	if err := tbl.Set("max", oscmsg.TagFloat32, v(10), false); err != nil {
		t.Fatalf("Set unchanged value: %v", err)
	}
	if tbl.Version() != start || tbl.Dirty() {
		t.Fatal("setting an identical value should not bump version or mark dirty")
	}

	if err := tbl.Set("max", oscmsg.TagFloat32, v(20), false); err != nil {
		t.Fatalf("Set changed value: %v", err)
	}
	if tbl.Version() != start+1 || !tbl.Dirty() {
		t.Fatal("setting a changed value should bump version and mark dirty")
	}
}

func TestRemoteModifyRespectsFlags(t *testing.T) {
	tbl := New()
	tbl.Declare("unit", oscmsg.TagString, []oscmsg.Atom{{Tag: oscmsg.TagString, String: "Hz"}}, LocalModify)
	vals := []oscmsg.Atom{{Tag: oscmsg.TagString, String: "dB"}}
	if err := tbl.Set("unit", oscmsg.TagString, vals, true); err == nil {
		t.Fatal("expected remote set to be rejected without RemoteModify")
	}
}

func TestSetFromAtomAddRemove(t *testing.T) {
	tbl := New()
	if err := tbl.SetFromAtom("+@scope", oscmsg.TagString, []oscmsg.Atom{{Tag: oscmsg.TagString, String: "a"}}, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := tbl.SetFromAtom("+@scope", oscmsg.TagString, []oscmsg.Atom{{Tag: oscmsg.TagString, String: "b"}}, false); err != nil {
		t.Fatalf("add again: %v", err)
	}
	r, ok := tbl.GetByKey("scope")
	if !ok || len(r.Values) != 2 {
		t.Fatalf("scope = %+v, ok=%v", r, ok)
	}

	tbl.SetFromAtom("-@scope", oscmsg.TagString, nil, false)
	if _, ok := tbl.GetByKey("scope"); ok {
		t.Fatal("scope should be removed")
	}
}

func TestAddToMsgSkipsLocalAccessOnly(t *testing.T) {
	tbl := New()
	tbl.Declare("port", oscmsg.TagInt32, []oscmsg.Atom{{Tag: oscmsg.TagInt32, Num: 9000}}, LocalModify)
	tbl.Declare("secret", oscmsg.TagInt32, []oscmsg.Atom{{Tag: oscmsg.TagInt32, Num: 1}}, LocalAccessOnly)

	msg := tbl.AddToMsg()
	for _, a := range msg {
		if a.Tag == oscmsg.TagString && a.String == "@secret" {
			t.Fatal("LocalAccessOnly record should not be serialized")
		}
	}
	if len(msg) != 2 {
		t.Fatalf("expected one @key + value pair, got %d atoms", len(msg))
	}
}

func TestMutableLengthAllowsGrowth(t *testing.T) {
	tbl := New()
	tbl.Declare("scope", oscmsg.TagString, []oscmsg.Atom{{Tag: oscmsg.TagString, String: "a"}}, LocalModify|MutableLength)
	vals := []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "a"},
		{Tag: oscmsg.TagString, String: "b"},
	}
	if err := tbl.Set("scope", oscmsg.TagString, vals, false); err != nil {
		t.Fatalf("Set with growth: %v", err)
	}
}

func TestSetRejectsLengthMismatchWithoutFlag(t *testing.T) {
	tbl := New()
	tbl.Declare("pos", oscmsg.TagFloat32, v(0), LocalModify)
	if err := tbl.Set("pos", oscmsg.TagFloat32, append(v(0), v(1)...), false); err == nil {
		t.Fatal("expected length mismatch error")
	}
}
