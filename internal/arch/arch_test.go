package arch

import "testing"

func TestParseAliases(t *testing.T) {
	cases := map[string]Architecture{
		"i686":    X86,
		"x86_64":  AMD64,
		"MIPS":    MIPS,
		"powerpc": PowerPC,
		"sparc64": SPARC,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := Parse("arm64"); err == nil {
		t.Fatalf("expected arm64 to be rejected")
	}
}

func TestHostIsValidOrInvalid(t *testing.T) {
	h := Host()
	if h != Invalid && !h.Valid() {
		t.Fatalf("Host() returned unknown architecture %q", h)
	}
}
