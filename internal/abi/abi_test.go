package abi_test

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/abicheck"
	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/reg"
)

var (
	tChar   = ctype.Basic(ctype.Char)
	tInt    = ctype.Basic(ctype.Int)
	tLLong  = ctype.Basic(ctype.LLong)
	tFloat  = ctype.Basic(ctype.Float)
	tDouble = ctype.Basic(ctype.Double)
)

// toyRegisters is a little-endian 64-bit machine with six general and six
// floating registers, each with a 4-byte low view.
func toyRegisters() *reg.Set {
	var descs []reg.Desc
	for _, n := range []string{"0", "1", "2", "3", "4", "5"} {
		descs = append(descs,
			reg.Desc{Name: "w" + n, Class: reg.GPR, Size: 4, Allocatable: true},
			reg.Desc{Name: "x" + n, Class: reg.GPR, Size: 8, Sub: []string{"w" + n}, Allocatable: true, CalleeSaved: n == "5"},
		)
	}
	for _, n := range []string{"0", "1", "2", "3", "4", "5"} {
		descs = append(descs,
			reg.Desc{Name: "s" + n, Class: reg.FPR, Size: 4, Allocatable: true},
			reg.Desc{Name: "d" + n, Class: reg.FPR, Size: 8, Sub: []string{"s" + n}, Allocatable: true},
		)
	}
	descs = append(descs, reg.Desc{Name: "sp", Class: reg.StackPointer, Size: 8, Dedicated: true})
	return reg.NewSet(descs...)
}

func toyConvention() *abi.Convention {
	return &abi.Convention{
		Name:    "toy",
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
		IntArgs:              []string{"x0", "x1", "x2", "x3"},
		FloatArgs:            []string{"d0", "d1", "d2", "d3"},
		IntReturn:            []string{"x0", "x1"},
		FloatReturn:          []string{"d0", "d1"},
		SlotSize:             8,
		StackAlign:           16,
		MaxArgAlign:          16,
		LongDoubleOnStack:    true,
		Aggregates:           abi.AggClassify,
		SmallAggregate:       16,
		Hidden:               abi.HiddenFirstArg,
		ReturnsHiddenPointer: true,
		SaveArea:             4*8 + 4*8,
		Direction:            frame.FramePointerDown,
	}
}

func toy() *abi.Base {
	return abi.New(arch.AMD64, toyRegisters(), toyConvention())
}

func TestPlanMatchesBetweenCallerAndCallee(t *testing.T) {
	a := toy()
	s := ctype.StructOf(a, "S",
		ctype.Field{Name: "a", Type: tInt},
		ctype.Field{Name: "b", Type: tFloat},
		ctype.Field{Name: "c", Type: tLLong},
	)
	big := ctype.StructOf(a, "Big", ctype.Field{Name: "buf", Type: ctype.ArrayOf(tChar, 40)})
	ints := make([]*ctype.Type, 8)
	for i := range ints {
		ints[i] = tInt
	}
	for _, tc := range []struct {
		name string
		fn   *ctype.Type
		args []*ctype.Type
	}{
		{"empty", ctype.FuncOf(nil, nil, false, true), nil},
		{"eight ints", ctype.FuncOf(nil, ints, false, true), ints},
		{"mixed", ctype.FuncOf(s, []*ctype.Type{tInt, tDouble, tLLong, s}, false, true), []*ctype.Type{tInt, tDouble, tLLong, s}},
		{"big", ctype.FuncOf(big, []*ctype.Type{big, tInt}, false, true), []*ctype.Type{big, tInt}},
		{"variadic", ctype.FuncOf(tInt, []*ctype.Type{tInt, tDouble}, true, true), []*ctype.Type{tInt, tDouble, tInt, tFloat, tChar}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			caller := a.PlanCall(tc.fn, tc.args)
			callee := a.PlanCall(tc.fn, tc.fn.Params)
			require.Equal(t, callee.Hidden, caller.Hidden)
			require.Equal(t, callee.Args, caller.Args[:len(tc.fn.Params)])
			require.Zero(t, caller.StackSize%16)
			require.GreaterOrEqual(t, caller.StackSize, caller.StackUsed)
		})
	}
}

func TestEightIntsOverflowToStack(t *testing.T) {
	a := toy()
	ints := make([]*ctype.Type, 8)
	for i := range ints {
		ints[i] = tInt
	}
	plan := a.PlanCall(ctype.FuncOf(nil, ints, false, true), ints)
	for i := range 4 {
		require.True(t, plan.Args[i].InRegs(), "arg %d", i)
	}
	for i := 4; i < 8; i++ {
		require.Equal(t, int64(i-4)*8, plan.Args[i].StackOff, "arg %d", i)
	}
	require.Equal(t, int64(32), plan.StackSize)
}

func TestVariadicTailIsPromoted(t *testing.T) {
	a := toy()
	fn := ctype.FuncOf(tInt, []*ctype.Type{tInt}, true, true)
	plan := a.PlanCall(fn, []*ctype.Type{tInt, tFloat, tChar})
	require.Equal(t, tDouble, plan.Args[1].Type)
	require.Equal(t, tInt, plan.Args[2].Type)
	require.True(t, plan.Args[1].Variadic)
	require.False(t, plan.Args[0].Variadic)

	old := ctype.FuncOf(nil, []*ctype.Type{tFloat}, false, false)
	require.Equal(t, tDouble, abi.PassType(old, 0, tFloat))
	proto := ctype.FuncOf(nil, []*ctype.Type{tFloat}, false, true)
	require.Equal(t, tFloat, abi.PassType(proto, 0, tFloat))
}

// toy32 is a little-endian 32-bit machine that keeps long long in register
// pairs and splits aggregates between the last argument registers and the
// stack.
func toy32() *abi.Base {
	var descs []reg.Desc
	for _, n := range []string{"0", "1", "2", "3", "4", "5"} {
		descs = append(descs, reg.Desc{Name: "r" + n, Class: reg.GPR, Size: 4, Allocatable: true, CalleeSaved: n == "5"})
	}
	for _, n := range []string{"0", "1", "2", "3"} {
		descs = append(descs, reg.Desc{Name: "f" + n, Class: reg.FPR, Size: 8, Allocatable: true})
	}
	descs = append(descs, reg.Desc{Name: "sp", Class: reg.StackPointer, Size: 4, Dedicated: true})

	return abi.New(arch.X86, reg.NewSet(descs...), &abi.Convention{
		Name:    "toy32",
		Pointer: 4,
		Sizes: map[ctype.Kind]abi.SizeAlign{
			ctype.Char:    {Size: 1, Align: 1},
			ctype.Short:   {Size: 2, Align: 2},
			ctype.Int:     {Size: 4, Align: 4},
			ctype.Long:    {Size: 4, Align: 4},
			ctype.LLong:   {Size: 8, Align: 4},
			ctype.Float:   {Size: 4, Align: 4},
			ctype.Double:  {Size: 8, Align: 4},
			ctype.LDouble: {Size: 8, Align: 4},
		},
		IntArgs:     []string{"r0", "r1", "r2", "r3"},
		FloatArgs:   []string{"f0", "f1"},
		IntReturn:   []string{"r0", "r1"},
		FloatReturn: []string{"f0"},
		SlotSize:    4,
		StackAlign:  8,
		MaxArgAlign: 8,
		Int64Pair:   true,
		Aggregates:  abi.AggSplit,
		Hidden:      abi.HiddenFirstArg,
		Direction:   frame.FramePointerDown,
	})
}

func TestEndToEndThroughSimulator(t *testing.T) {
	a := toy32()
	s := ctype.StructOf(a, "S",
		ctype.Field{Name: "x", Type: tInt},
		ctype.Field{Name: "y", Type: tInt},
		ctype.Field{Name: "z", Type: tInt},
	)
	fn := ctype.FuncOf(tDouble, []*ctype.Type{tInt, tDouble, tLLong, s}, false, true)

	le := binary.LittleEndian
	sv := le.AppendUint32(nil, 7)
	sv = le.AppendUint32(sv, 8)
	sv = le.AppendUint32(sv, 0xfffffff7)
	c := &abicheck.Case{
		Name: "f",
		Fn:   fn,
		Args: []abicheck.Value{
			{Type: tInt, Data: le.AppendUint32(nil, 0xfffffff6)},
			{Type: tDouble, Data: le.AppendUint64(nil, math.Float64bits(2.5))},
			{Type: tLLong, Data: le.AppendUint64(nil, 0x0102030405060708)},
			{Type: s, Data: sv},
		},
		Ret: le.AppendUint64(nil, math.Float64bits(-0.75)),
	}
	res, err := abicheck.Run(a, c, nil)
	require.NoError(t, err)

	set := a.Registers()
	regsOf := func(pl abi.Placement) []string {
		var out []string
		for _, pc := range pl.Regs {
			out = append(out, set.Name(pc.Reg))
		}
		return out
	}
	args := res.Plan.Args
	require.Equal(t, []string{"r0"}, regsOf(args[0]))
	require.Equal(t, []string{"f0"}, regsOf(args[1]))
	require.Equal(t, []string{"r1", "r2"}, regsOf(args[2]))
	require.Equal(t, []string{"r3"}, regsOf(args[3]))
	require.Equal(t, int64(0), args[3].StackOff)
	require.Equal(t, int64(4), args[3].StackFrom)
	require.Equal(t, int64(8), args[3].StackSize)
	require.Equal(t, int64(8), res.ArgBytes)

	// The incoming registers are stored before anything can clobber them.
	incoming := map[reg.ID]bool{}
	for _, n := range []string{"r0", "r1", "r2", "r3", "f0"} {
		incoming[set.MustLookup(n)] = true
	}
	stores, body := 0, false
	for _, in := range res.Callee.Instrs {
		switch in.Op {
		case icode.OpHeader, icode.OpIntro:
			continue
		case icode.OpStore:
			if r, ok := in.Src.(icode.Reg); ok && incoming[r.ID] {
				require.False(t, body, "store of %s after the body started", set.Name(r.ID))
				stores++
				continue
			}
		}
		body = true
	}
	require.Equal(t, 5, stores)
}

func TestFrameLayoutForPreallocatedArea(t *testing.T) {
	conv := toyConvention()
	conv.Preallocated = true
	conv.ArgAreaBase = 8
	conv.MinArgArea = 32
	conv.AlwaysReserve = true
	conv.Direction = frame.StackPointerUp
	a := abi.New(arch.AMD64, toyRegisters(), conv)

	f := frame.New()
	f.ReserveOutgoing(16)
	l := a.FrameLayout(f)
	require.Equal(t, int64(8+32), l.Bias)
	require.Equal(t, frame.StackPointerUp, l.Direction)

	f.ReserveOutgoing(64)
	require.Equal(t, int64(8+64), a.FrameLayout(f).Bias)
}

func TestNewRejectsIncompleteConventions(t *testing.T) {
	conv := toyConvention()
	delete(conv.Sizes, ctype.LDouble)
	require.Panics(t, func() { abi.New(arch.AMD64, toyRegisters(), conv) })

	conv = toyConvention()
	conv.IntArgs = append(conv.IntArgs, "x9")
	require.Panics(t, func() { abi.New(arch.AMD64, toyRegisters(), conv) })
}

func TestPlanCallRejectsBadCalls(t *testing.T) {
	a := toy()
	e := ice.Catch(func() { a.PlanCall(tInt, nil) })
	require.NotNil(t, e)
	require.Equal(t, ice.Contract, e.Kind)

	fn := ctype.FuncOf(nil, []*ctype.Type{tInt}, false, true)
	e = ice.Catch(func() { a.PlanCall(fn, nil) })
	require.NotNil(t, e)
	require.Equal(t, ice.Contract, e.Kind)
}

func TestPlanString(t *testing.T) {
	a := toy()
	fn := ctype.FuncOf(nil, []*ctype.Type{tInt, tDouble}, false, true)
	out := a.PlanCall(fn, fn.Params).String()
	require.True(t, strings.HasPrefix(out, "arg0 int:"), out)
	require.Contains(t, out, "stack 0")
}

func TestRegistry(t *testing.T) {
	_, err := abi.Lookup(arch.Invalid)
	require.EqualError(t, err, "abi: architecture must be specified")

	_, err = abi.Lookup(arch.MIPS)
	require.EqualError(t, err, `abi: no ABI registered for "mips"`)
	require.Panics(t, func() { abi.MustLookup(arch.MIPS) })

	abi.Register(abi.New(arch.MIPS, toyRegisters(), toyConvention()))
	got, err := abi.Lookup(arch.MIPS)
	require.NoError(t, err)
	require.Equal(t, "toy", got.Convention().Name)
	require.Contains(t, abi.Registered(), arch.MIPS)

	require.Panics(t, func() { abi.Register(abi.New(arch.MIPS, toyRegisters(), toyConvention())) })
	require.Panics(t, func() { abi.Register(nil) })
}
