// Package ppc registers the 32-bit PowerPC System V convention, big-endian.
//
// Integer arguments use r3-r10 and floating arguments f1-f8, counted
// independently. 64-bit integers take an odd/even register pair starting at
// an odd register. Aggregates always travel by reference to a caller-made
// copy. long double is the IBM double-double format held in a floating
// register pair.
package ppc

import (
	"fmt"

	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/reg"
)

// Registers builds the PowerPC register file.
func Registers() *reg.Set {
	var descs []reg.Desc
	for i := range 32 {
		d := reg.Desc{Name: fmt.Sprintf("r%d", i), Class: reg.GPR, Size: 4}
		switch {
		case i == 1:
			d.Class = reg.StackPointer
			d.Dedicated = true
		case i == 31:
			d.Class = reg.FramePointer
			d.Dedicated = true
		case i == 0, i == 2, i == 13:
			d.Dedicated = true
		default:
			d.Allocatable = true
			d.CalleeSaved = i >= 14
		}
		descs = append(descs, d)
	}
	for i := range 32 {
		descs = append(descs, reg.Desc{
			Name:        fmt.Sprintf("f%d", i),
			Class:       reg.FPR,
			Size:        8,
			Allocatable: true,
			CalleeSaved: i >= 14,
		})
	}
	return reg.NewSet(descs...)
}

// Convention is the PowerPC System V convention.
func Convention() *abi.Convention {
	return &abi.Convention{
		Name:      "ppc-sysv",
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
			ctype.LDouble: {Size: 16, Align: 16},
		},
		IntArgs:             []string{"r3", "r4", "r5", "r6", "r7", "r8", "r9", "r10"},
		FloatArgs:           []string{"f1", "f2", "f3", "f4", "f5", "f6", "f7", "f8"},
		IntReturn:           []string{"r3", "r4"},
		FloatReturn:         []string{"f1", "f2"},
		SlotSize:            4,
		StackAlign:          16,
		MaxArgAlign:         8,
		ArgAreaBase:         8,
		AlignPairs:          true,
		PairsExhaustIntRegs: true,
		LongDoublePair:      true,
		Int64Pair:           true,
		Aggregates:          abi.AggByReference,
		Hidden:              abi.HiddenFirstArg,
		SaveArea:            8*4 + 8*8,
		FloatArgsFlag:       "cr6",
		Preallocated:        true,
		Direction:           frame.StackPointerUp,
		PIC:                 "r30",
	}
}

// New returns the PowerPC ABI.
func New() *abi.Base {
	return abi.New(arch.PowerPC, Registers(), Convention())
}

func init() {
	abi.Register(New())
}
