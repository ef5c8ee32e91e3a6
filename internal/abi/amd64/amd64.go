// Package amd64 registers the x86-64 System V calling convention.
//
// Six integer and eight vector registers carry arguments, counted
// independently. Aggregates of up to sixteen bytes are classified per
// eightbyte into one file or the other; anything larger, and long double,
// travels in memory. Variadic calls pass the number of vector registers used
// in al.
package amd64

import (
	"fmt"
	"strings"

	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/reg"
)

type gprSpec struct {
	q, d, w, b  string
	high        string
	calleeSaved bool
}

var gprs = []gprSpec{
	{q: "rax", d: "eax", w: "ax", b: "al", high: "ah"},
	{q: "rcx", d: "ecx", w: "cx", b: "cl", high: "ch"},
	{q: "rdx", d: "edx", w: "dx", b: "dl", high: "dh"},
	{q: "rsi", d: "esi", w: "si", b: "sil"},
	{q: "rdi", d: "edi", w: "di", b: "dil"},
	{q: "r8", d: "r8d", w: "r8w", b: "r8b"},
	{q: "r9", d: "r9d", w: "r9w", b: "r9b"},
	{q: "r10", d: "r10d", w: "r10w", b: "r10b"},
	{q: "r11", d: "r11d", w: "r11w", b: "r11b"},
	{q: "rbx", d: "ebx", w: "bx", b: "bl", high: "bh", calleeSaved: true},
	{q: "r12", d: "r12d", w: "r12w", b: "r12b", calleeSaved: true},
	{q: "r13", d: "r13d", w: "r13w", b: "r13b", calleeSaved: true},
	{q: "r14", d: "r14d", w: "r14w", b: "r14b", calleeSaved: true},
	{q: "r15", d: "r15d", w: "r15w", b: "r15b", calleeSaved: true},
}

// Registers builds the x86-64 register file: the general registers with
// their 32, 16 and 8-bit views, xmm0-xmm15 and the x87 stack for long
// double.
func Registers() *reg.Set {
	var descs []reg.Desc
	for _, g := range gprs {
		sub := []string{g.b}
		descs = append(descs, reg.Desc{Name: g.b, Class: reg.GPR, Size: 1, Allocatable: true})
		if g.high != "" {
			descs = append(descs, reg.Desc{Name: g.high, Class: reg.GPR, Size: 1, Offset: 1})
			sub = append(sub, g.high)
		}
		descs = append(descs,
			reg.Desc{Name: g.w, Class: reg.GPR, Size: 2, Sub: sub, Allocatable: true},
			reg.Desc{Name: g.d, Class: reg.GPR, Size: 4, Sub: []string{g.w}, Allocatable: true},
			reg.Desc{Name: g.q, Class: reg.GPR, Size: 8, Sub: []string{g.d}, Allocatable: true, CalleeSaved: g.calleeSaved},
		)
	}
	for i := range 16 {
		descs = append(descs, reg.Desc{Name: fmt.Sprintf("xmm%d", i), Class: reg.FPR, Size: 16, Allocatable: true})
	}
	for i := range 8 {
		descs = append(descs, reg.Desc{Name: fmt.Sprintf("st%d", i), Class: reg.FPR, Size: 16, Allocatable: true})
	}
	descs = append(descs,
		reg.Desc{Name: "rsp", Class: reg.StackPointer, Size: 8, Dedicated: true},
		reg.Desc{Name: "rbp", Class: reg.FramePointer, Size: 8, Dedicated: true},
	)
	return reg.NewSet(descs...)
}

// candidates keeps float and double in the vector file and long double on
// the x87 stack.
func candidates(set *reg.Set, class reg.Class, size int64) []reg.ID {
	if class != reg.FPR {
		return abi.DefaultCandidates(set, class, size)
	}
	prefix := "xmm"
	if size == 16 {
		prefix = "st"
	}
	return set.Filter(func(_ reg.ID, d *reg.Desc) bool {
		return d.Class == reg.FPR && d.Allocatable && strings.HasPrefix(d.Name, prefix)
	})
}

// Convention is the x86-64 System V convention.
func Convention() *abi.Convention {
	return &abi.Convention{
		Name:    "amd64-sysv",
		Pointer: 8,
		Sizes: map[ctype.Kind]abi.SizeAlign{
			ctype.Char:    {Size: 1, Align: 1},
			ctype.Short:   {Size: 2, Align: 2},
			ctype.Int:     {Size: 4, Align: 4},
			ctype.Long:    {Size: 8, Align: 8},
			ctype.LLong:   {Size: 8, Align: 8},
			ctype.Float:   {Size: 4, Align: 4},
			ctype.Double:  {Size: 8, Align: 8},
			ctype.LDouble: {Size: 16, Align: 16},
		},
		IntArgs:              []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"},
		FloatArgs:            []string{"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7"},
		IntReturn:            []string{"rax", "rdx"},
		FloatReturn:          []string{"xmm0", "xmm1"},
		LongDoubleReturn:     "st0",
		SlotSize:             8,
		StackAlign:           16,
		MaxArgAlign:          16,
		LongDoubleOnStack:    true,
		Aggregates:           abi.AggClassify,
		SmallAggregate:       16,
		Hidden:               abi.HiddenFirstArg,
		ReturnsHiddenPointer: true,
		SaveArea:             6*8 + 8*16,
		VectorCount:          "al",
		Direction:            frame.FramePointerDown,
		ExclusiveFloatSize:   16,
		Candidates:           candidates,
	}
}

// New returns the amd64 ABI.
func New() *abi.Base {
	return abi.New(arch.AMD64, Registers(), Convention())
}

func init() {
	abi.Register(New())
}
