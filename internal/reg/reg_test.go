package reg

import "testing"

func testSet() *Set {
	return NewSet(
		Desc{Name: "al", Class: GPR, Size: 1},
		Desc{Name: "ah", Class: GPR, Size: 1, Offset: 1},
		Desc{Name: "ax", Class: GPR, Size: 2, Sub: []string{"al", "ah"}},
		Desc{Name: "eax", Class: GPR, Size: 4, Sub: []string{"ax"}, Allocatable: true},
		Desc{Name: "si", Class: GPR, Size: 2},
		Desc{Name: "esi", Class: GPR, Size: 4, Sub: []string{"si"}, Allocatable: true, CalleeSaved: true},
		Desc{Name: "esp", Class: StackPointer, Size: 4, Dedicated: true},
	)
}

func TestTopmostAndOverlap(t *testing.T) {
	s := testSet()
	al, ah, ax, eax, esi := s.MustLookup("al"), s.MustLookup("ah"), s.MustLookup("ax"), s.MustLookup("eax"), s.MustLookup("esi")

	if got := s.Topmost(ah); got != eax {
		t.Fatalf("Topmost(ah) = %s, want eax", s.Name(got))
	}
	if !s.Overlaps(al, eax) || !s.Overlaps(eax, al) {
		t.Fatalf("al and eax must overlap both ways")
	}
	if !s.Overlaps(ax, ax) {
		t.Fatalf("a register overlaps itself")
	}
	if s.Overlaps(al, ah) {
		t.Fatalf("sibling byte registers must not overlap")
	}
	if s.Overlaps(eax, esi) {
		t.Fatalf("distinct registers must not overlap")
	}
	if got := len(s.Overlapping(al)); got != 3 {
		t.Fatalf("Overlapping(al) has %d entries, want 3", got)
	}
}

func TestViewAndOffset(t *testing.T) {
	s := testSet()
	eax := s.MustLookup("eax")
	if v := s.View(eax, 1); s.Name(v) != "al" {
		t.Fatalf("View(eax, 1) = %s, want al", s.Name(v))
	}
	if v := s.View(s.MustLookup("esi"), 1); v != None {
		t.Fatalf("esi has no byte view, got %s", s.Name(v))
	}
	if off := s.AbsOffset(s.MustLookup("ah")); off != 1 {
		t.Fatalf("AbsOffset(ah) = %d, want 1", off)
	}
}

func TestNewSetRejectsMalformedTables(t *testing.T) {
	cases := map[string][]Desc{
		"duplicate": {
			{Name: "sp", Class: StackPointer, Size: 4},
			{Name: "sp", Class: GPR, Size: 4},
		},
		"no stack pointer": {
			{Name: "r0", Class: GPR, Size: 4},
		},
		"undeclared sub": {
			{Name: "sp", Class: StackPointer, Size: 4},
			{Name: "r0", Class: GPR, Size: 4, Sub: []string{"r0l"}},
		},
		"allocatable dedicated": {
			{Name: "sp", Class: StackPointer, Size: 4, Allocatable: true, Dedicated: true},
		},
	}
	for name, descs := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			NewSet(descs...)
		})
	}
}
