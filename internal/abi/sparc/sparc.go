// Package sparc registers the 32-bit SPARC System V convention.
//
// Arguments occupy a run of 4-byte slots starting at %sp+68; the first six
// words travel in %o0-%o5, which the callee sees as %i0-%i5 after its save.
// Floating arguments use the same integer slots. Aggregates and long double
// are passed by reference, and the pointer to a memory-returned aggregate
// lives at %sp+64. Callers follow such calls with an unimp word holding the
// returned size.
package sparc

import (
	"fmt"

	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/reg"
)

// Registers builds the SPARC register file: one window of integer
// registers plus the floating file with its double and quad views.
func Registers() *reg.Set {
	var descs []reg.Desc
	for i := range 8 {
		d := reg.Desc{Name: fmt.Sprintf("g%d", i), Class: reg.GPR, Size: 4}
		if i >= 1 && i <= 4 {
			d.Allocatable = true
		} else {
			d.Dedicated = true
		}
		descs = append(descs, d)
	}
	for i := range 8 {
		d := reg.Desc{Name: fmt.Sprintf("o%d", i), Class: reg.GPR, Size: 4, Allocatable: true}
		switch i {
		case 6:
			d = reg.Desc{Name: "sp", Class: reg.StackPointer, Size: 4, Dedicated: true}
		case 7:
			d.Allocatable, d.Dedicated = false, true
		}
		descs = append(descs, d)
	}
	for i := range 8 {
		descs = append(descs, reg.Desc{Name: fmt.Sprintf("l%d", i), Class: reg.GPR, Size: 4, Allocatable: true, CalleeSaved: true})
	}
	for i := range 8 {
		d := reg.Desc{Name: fmt.Sprintf("i%d", i), Class: reg.GPR, Size: 4, Allocatable: true, CalleeSaved: true}
		switch i {
		case 6:
			d = reg.Desc{Name: "fp", Class: reg.FramePointer, Size: 4, Dedicated: true}
		case 7:
			d.Allocatable, d.CalleeSaved, d.Dedicated = false, false, true
		}
		descs = append(descs, d)
	}
	for q := 0; q < 32; q += 4 {
		var doubles []string
		for d := q; d < q+4; d += 2 {
			even, odd := fmt.Sprintf("f%d", d), fmt.Sprintf("f%d", d+1)
			name := fmt.Sprintf("d%d", d)
			descs = append(descs,
				reg.Desc{Name: even, Class: reg.FPR, Size: 4, Allocatable: true},
				reg.Desc{Name: odd, Class: reg.FPR, Size: 4, Offset: 4},
				reg.Desc{Name: name, Class: reg.FPR, Size: 8, Sub: []string{even, odd}, Offset: int64(d-q) * 4, Allocatable: true},
			)
			doubles = append(doubles, name)
		}
		descs = append(descs, reg.Desc{Name: fmt.Sprintf("q%d", q), Class: reg.FPR, Size: 16, Sub: doubles, Allocatable: true})
	}
	return reg.NewSet(descs...)
}

// Convention is the SPARC System V convention.
func Convention() *abi.Convention {
	return &abi.Convention{
		Name:      "sparc-sysv",
		BigEndian: true,
		Pointer:   4,
		Sizes: map[ctype.Kind]abi.SizeAlign{
			ctype.Char:    {Size: 1, Align: 1},
			ctype.Short:   {Size: 2, Align: 2},
			ctype.Int:     {Size: 4, Align: 4},
			ctype.Long:    {Size: 4, Align: 4},
			ctype.LLong:   {Size: 8, Align: 8},
			ctype.Float:   {Size: 4, Align: 4},
			ctype.Double:  {Size: 8, Align: 8},
			ctype.LDouble: {Size: 16, Align: 8},
		},
		IntArgs:               []string{"o0", "o1", "o2", "o3", "o4", "o5"},
		IntArgsCallee:         []string{"i0", "i1", "i2", "i3", "i4", "i5"},
		IntReturn:             []string{"o0", "o1"},
		IntReturnCallee:       []string{"i0", "i1"},
		FloatReturn:           []string{"d0"},
		LongDoubleReturn:      "q0",
		Slotted:               true,
		SlotSize:              4,
		StackAlign:            8,
		MaxArgAlign:           4,
		ArgAreaBase:           68,
		MinArgArea:            24,
		FloatsInIntRegs:       true,
		LongDoubleByReference: true,
		Int64Pair:             true,
		Aggregates:            abi.AggByReference,
		Hidden:                abi.HiddenStackSlot,
		HiddenSlot:            64,
		StructReturnMarker:    true,
		Preallocated:          true,
		AlwaysReserve:         true,
		Direction:             frame.StackPointerUp,
		PIC:                   "l7",
	}
}

// New returns the SPARC ABI.
func New() *abi.Base {
	return abi.New(arch.SPARC, Registers(), Convention())
}

func init() {
	abi.Register(New())
}
