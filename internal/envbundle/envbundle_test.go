package envbundle

import "testing"

func TestParseIgnoresBlankAndMalformed(t *testing.T) {
	b := Parse("A=1\n\nB=2\nnoequals\nC=1=2\n  D=4  \n")
	want := Bundle{"A": "1", "B": "2", "D": "4"}
	if len(b) != len(want) {
		t.Fatalf("got %v, want %v", b, want)
	}
	for k, v := range want {
		if b[k] != v {
			t.Errorf("key %q: got %q, want %q", k, b[k], v)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	orig := Bundle{"A": "1", "B": "2", "C": "three"}
	got := Parse(orig.Format())
	if len(got) != len(orig) {
		t.Fatalf("round trip size mismatch: got %v, want %v", got, orig)
	}
	for k, v := range orig {
		if got[k] != v {
			t.Errorf("key %q: got %q, want %q", k, got[k], v)
		}
	}
}

func TestMergeOverride(t *testing.T) {
	a := Bundle{"A": "1", "B": "2"}
	b := Bundle{"B": "3", "C": "4"}
	merged := a.Merge(b)
	if merged["A"] != "1" || merged["B"] != "3" || merged["C"] != "4" {
		t.Fatalf("unexpected merge result: %v", merged)
	}
}
