package version

import "testing"

func FuzzParse(f *testing.F) {
	for _, seed := range []string{"3.5", "v12.4.1", "9", "", "1.2.3.4", "-1", "a.b"} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, s string) {
		v, err := Parse(s)
		if err != nil {
			return
		}
		if !v.IsValid() {
			t.Errorf("Parse(%q) returned invalid version without error: %+v", s, v)
		}
		// A successfully parsed version must round-trip through String/Parse.
		rt, err := Parse(v.String())
		if err != nil {
			t.Errorf("round-trip Parse(%q) failed: %v", v.String(), err)
		}
		if rt != v {
			t.Errorf("round-trip mismatch: %+v != %+v", rt, v)
		}
	})
}
