// Package x86 registers the i386 System V calling convention.
//
// Every argument travels on the stack. Integers come back in eax (and edx
// for 64-bit values), floating values in st0. Aggregates are always returned
// through a hidden first argument whose value the callee hands back in eax.
package x86

import (
	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/reg"
)

// LongDoubleSize is the storage size of an x87 extended value.
const LongDoubleSize = 12

func gpr(name8lo, name8hi, name16, name32 string, calleeSaved bool) []reg.Desc {
	var out []reg.Desc
	var sub16 []string
	if name8lo != "" {
		out = append(out,
			reg.Desc{Name: name8lo, Class: reg.GPR, Size: 1, Allocatable: true},
			reg.Desc{Name: name8hi, Class: reg.GPR, Size: 1, Offset: 1},
		)
		sub16 = []string{name8lo, name8hi}
	}
	return append(out,
		reg.Desc{Name: name16, Class: reg.GPR, Size: 2, Sub: sub16, Allocatable: true},
		reg.Desc{Name: name32, Class: reg.GPR, Size: 4, Sub: []string{name16}, Allocatable: true, CalleeSaved: calleeSaved},
	)
}

// Registers builds the i386 register file. The x87 stack is modelled as
// eight flat registers.
func Registers() *reg.Set {
	var descs []reg.Desc
	descs = append(descs, gpr("al", "ah", "ax", "eax", false)...)
	descs = append(descs, gpr("cl", "ch", "cx", "ecx", false)...)
	descs = append(descs, gpr("dl", "dh", "dx", "edx", false)...)
	descs = append(descs, gpr("bl", "bh", "bx", "ebx", true)...)
	descs = append(descs, gpr("", "", "si", "esi", true)...)
	descs = append(descs, gpr("", "", "di", "edi", true)...)
	for _, st := range []string{"st0", "st1", "st2", "st3", "st4", "st5", "st6", "st7"} {
		descs = append(descs, reg.Desc{Name: st, Class: reg.FPR, Size: LongDoubleSize, Allocatable: true})
	}
	descs = append(descs,
		reg.Desc{Name: "esp", Class: reg.StackPointer, Size: 4, Dedicated: true},
		reg.Desc{Name: "ebp", Class: reg.FramePointer, Size: 4, Dedicated: true},
	)
	return reg.NewSet(descs...)
}

// Convention is the i386 System V convention.
func Convention() *abi.Convention {
	return &abi.Convention{
		Name:    "i386-sysv",
		Pointer: 4,
		Sizes: map[ctype.Kind]abi.SizeAlign{
			ctype.Char:    {Size: 1, Align: 1},
			ctype.Short:   {Size: 2, Align: 2},
			ctype.Int:     {Size: 4, Align: 4},
			ctype.Long:    {Size: 4, Align: 4},
			ctype.LLong:   {Size: 8, Align: 4},
			ctype.Float:   {Size: 4, Align: 4},
			ctype.Double:  {Size: 8, Align: 4},
			ctype.LDouble: {Size: LongDoubleSize, Align: 4},
		},
		IntReturn:            []string{"eax", "edx"},
		FloatReturn:          []string{"st0"},
		SlotSize:             4,
		StackAlign:           16,
		MaxArgAlign:          4,
		Int64Pair:            true,
		Aggregates:           abi.AggStack,
		Hidden:               abi.HiddenFirstArg,
		ReturnsHiddenPointer: true,
		Direction:            frame.FramePointerDown,
		PIC:                  "ebx",
		ExclusiveFloatSize:   LongDoubleSize,
	}
}

// New returns the x86 ABI.
func New() *abi.Base {
	return abi.New(arch.X86, Registers(), Convention())
}

func init() {
	abi.Register(New())
}
