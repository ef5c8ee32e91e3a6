// Package mips registers the MIPS o32 calling convention, big-endian.
//
// Arguments occupy a run of 4-byte slots whose first four words travel in
// a0-a3; the caller always reserves home space for those four. Up to two
// leading floating arguments use f12 and f14 instead. 8-byte values start at
// an even slot.
package mips

import (
	"fmt"

	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/reg"
)

// Registers builds the o32 register file. Doubles live in even/odd pairs of
// single precision registers.
func Registers() *reg.Set {
	g := func(name string, allocatable, calleeSaved bool) reg.Desc {
		return reg.Desc{Name: name, Class: reg.GPR, Size: 4, Allocatable: allocatable, CalleeSaved: calleeSaved, Dedicated: !allocatable}
	}
	descs := []reg.Desc{
		g("zero", false, false),
		g("at", false, false),
		g("v0", true, false),
		g("v1", true, false),
	}
	for i := range 10 {
		descs = append(descs, g(fmt.Sprintf("t%d", i), true, false))
	}
	for i := range 4 {
		descs = append(descs, g(fmt.Sprintf("a%d", i), true, false))
	}
	for i := range 8 {
		descs = append(descs, g(fmt.Sprintf("s%d", i), true, true))
	}
	descs = append(descs,
		g("k0", false, false),
		g("k1", false, false),
		g("gp", false, false),
		g("ra", false, false),
		reg.Desc{Name: "sp", Class: reg.StackPointer, Size: 4, Dedicated: true},
		reg.Desc{Name: "fp", Class: reg.FramePointer, Size: 4, Dedicated: true},
	)
	for i := 0; i < 32; i += 2 {
		even, odd := fmt.Sprintf("f%d", i), fmt.Sprintf("f%d", i+1)
		saved := i >= 20
		descs = append(descs,
			reg.Desc{Name: even, Class: reg.FPR, Size: 4, Allocatable: true, CalleeSaved: saved},
			reg.Desc{Name: odd, Class: reg.FPR, Size: 4, Offset: 4},
			reg.Desc{Name: fmt.Sprintf("d%d", i), Class: reg.FPR, Size: 8, Sub: []string{even, odd}, Allocatable: true, CalleeSaved: saved},
		)
	}
	return reg.NewSet(descs...)
}

// Convention is the o32 convention.
func Convention() *abi.Convention {
	return &abi.Convention{
		Name:      "mips-o32",
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
			ctype.LDouble: {Size: 8, Align: 8},
		},
		IntArgs:              []string{"a0", "a1", "a2", "a3"},
		FloatArgs:            []string{"d12", "d14"},
		IntReturn:            []string{"v0", "v1"},
		FloatReturn:          []string{"d0"},
		Slotted:              true,
		SlotSize:             4,
		StackAlign:           8,
		MaxArgAlign:          8,
		MinArgArea:           16,
		AlignPairs:           true,
		LeadingFloats:        2,
		Int64Pair:            true,
		Aggregates:           abi.AggSplit,
		Hidden:               abi.HiddenFirstArg,
		ReturnsHiddenPointer: true,
		Preallocated:         true,
		Direction:            frame.StackPointerUp,
		PIC:                  "gp",
	}
}

// New returns the MIPS ABI.
func New() *abi.Base {
	return abi.New(arch.MIPS, Registers(), Convention())
}

func init() {
	abi.Register(New())
}
