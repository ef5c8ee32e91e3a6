package mips

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/abicheck"
	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/reg"
	"github.com/tinyrange/ccabi/internal/regalloc"
)

var (
	tInt    = ctype.Basic(ctype.Int)
	tFloat  = ctype.Basic(ctype.Float)
	tDouble = ctype.Basic(ctype.Double)
)

func target(t *testing.T) abi.ABI {
	t.Helper()
	a, err := abi.Lookup(arch.MIPS)
	require.NoError(t, err)
	return a
}

func regsOf(pl abi.Placement) []reg.ID {
	var out []reg.ID
	for _, pc := range pl.Regs {
		out = append(out, pc.Reg)
	}
	return out
}

func TestLeadingFloatsUseFloatRegisters(t *testing.T) {
	a := target(t)
	set := a.Registers()

	fn := ctype.FuncOf(nil, []*ctype.Type{tFloat, tDouble, tFloat}, false, true)
	plan := a.PlanCall(fn, fn.Params)
	require.Equal(t, set.MustLookupAll("f12"), regsOf(plan.Args[0]))
	require.Equal(t, set.MustLookupAll("d14"), regsOf(plan.Args[1]))
	require.Equal(t, int64(2*4), plan.Args[1].Home)
	// The third float lands in slot 4, past the argument registers.
	require.False(t, plan.Args[2].InRegs())
	require.Equal(t, int64(16), plan.Args[2].StackOff)
}

func TestFloatAfterIntegerUsesIntegerSlots(t *testing.T) {
	a := target(t)
	set := a.Registers()
	fn := ctype.FuncOf(nil, []*ctype.Type{tInt, tDouble}, false, true)
	plan := a.PlanCall(fn, fn.Params)

	require.Equal(t, set.MustLookupAll("a0"), regsOf(plan.Args[0]))
	// The double starts at the next even slot: a2/a3, a1 stays unused.
	require.Equal(t, set.MustLookupAll("a2", "a3"), regsOf(plan.Args[1]))
	require.Equal(t, int64(8), plan.Args[1].Home)
	require.Equal(t, int64(4), plan.Args[1].Regs[1].Offset)
}

func TestFifthWordGoesPastHomeArea(t *testing.T) {
	a := target(t)
	params := []*ctype.Type{tInt, tInt, tInt, tInt, tInt}
	fn := ctype.FuncOf(nil, params, false, true)
	plan := a.PlanCall(fn, fn.Params)

	require.Equal(t, int64(16), plan.Args[4].StackOff)
	require.Equal(t, int64(24), plan.StackSize)

	empty := a.PlanCall(ctype.FuncOf(nil, nil, false, true), nil)
	require.Equal(t, int64(16), empty.StackSize, "home area is always reserved")
}

func TestStructSplitsBetweenRegistersAndStack(t *testing.T) {
	a := target(t)
	set := a.Registers()
	s := ctype.StructOf(a, "three",
		ctype.Field{Name: "a", Type: tInt},
		ctype.Field{Name: "b", Type: tInt},
		ctype.Field{Name: "c", Type: tInt},
	)
	fn := ctype.FuncOf(nil, []*ctype.Type{tInt, tInt, s}, false, true)
	plan := a.PlanCall(fn, fn.Params)

	pl := plan.Args[2]
	require.Equal(t, set.MustLookupAll("a2", "a3"), regsOf(pl))
	require.Equal(t, int64(16), pl.StackOff)
	require.Equal(t, int64(8), pl.StackFrom)
	require.Equal(t, int64(4), pl.StackSize)
}

func TestNarrowParameterReadsLowBytes(t *testing.T) {
	a := target(t)
	ctx := regalloc.NewContext(a, icode.NewList())
	fn := ctype.FuncOf(nil, []*ctype.Type{ctype.Basic(ctype.Char), ctype.Basic(ctype.Short)}, false, true)
	pm := a.MapParameters(ctx, "f", fn, nil)

	require.Equal(t, int64(3), pm.Params[0].Var.Offset)
	require.Equal(t, int64(2), pm.Params[1].Var.Offset)
	require.Equal(t, "p1", pm.Params[1].Name)
}

func TestFrameReservesOutgoingArea(t *testing.T) {
	a := target(t)
	l := icode.NewList()
	ctx := regalloc.NewContext(a, l)
	fn := ctype.FuncOf(nil, nil, false, true)
	pm := a.MapParameters(ctx, "caller", fn, nil)

	callee := ctype.FuncOf(nil, []*ctype.Type{tInt, tInt, tInt, tInt, tInt, tInt}, false, true)
	args := make([]*regalloc.VReg, 6)
	for i := range args {
		args[i] = regalloc.NewConst(a, tInt, int64(i))
	}
	a.MarshalCall(ctx, &abi.Call{Fn: callee, Target: "g", Args: args})
	require.Equal(t, -1, l.Index(icode.OpAllocStack))
	require.Equal(t, int64(24), ctx.Frame().Outgoing())

	size := a.FinishFunction(ctx, pm)
	require.Equal(t, int64(24), size)
}

func TestRoundTrip(t *testing.T) {
	rep := abicheck.Check(target(t), abicheck.Options{Iterations: 300, Seed: 3})
	require.Empty(t, rep.Failures)
	require.Equal(t, 300, rep.Passed)
}
