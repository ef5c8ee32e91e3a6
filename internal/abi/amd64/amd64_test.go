package amd64

import (
	"encoding/binary"
	"math"
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
	tLong   = ctype.Basic(ctype.Long)
	tDouble = ctype.Basic(ctype.Double)
)

func target(t *testing.T) abi.ABI {
	t.Helper()
	a, err := abi.Lookup(arch.AMD64)
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

func TestIntegerAndFloatRegistersCountIndependently(t *testing.T) {
	a := target(t)
	set := a.Registers()
	fn := ctype.FuncOf(nil, []*ctype.Type{tInt, tDouble, tLong, tDouble}, false, true)
	plan := a.PlanCall(fn, fn.Params)

	require.Equal(t, set.MustLookupAll("edi"), regsOf(plan.Args[0]))
	require.Equal(t, set.MustLookupAll("xmm0"), regsOf(plan.Args[1]))
	require.Equal(t, set.MustLookupAll("rsi"), regsOf(plan.Args[2]))
	require.Equal(t, set.MustLookupAll("xmm1"), regsOf(plan.Args[3]))
	require.Equal(t, int64(0), plan.StackSize)
}

func TestSeventhIntegerGoesToStack(t *testing.T) {
	a := target(t)
	params := make([]*ctype.Type, 8)
	for i := range params {
		params[i] = tLong
	}
	fn := ctype.FuncOf(nil, params, false, true)
	plan := a.PlanCall(fn, fn.Params)

	require.True(t, plan.Args[5].InRegs())
	require.Equal(t, int64(0), plan.Args[6].StackOff)
	require.Equal(t, int64(8), plan.Args[7].StackOff)
	require.Equal(t, int64(16), plan.StackSize)
	require.Equal(t, 6, plan.IntUsed)
}

func TestSmallStructIsClassifiedPerEightbyte(t *testing.T) {
	a := target(t)
	set := a.Registers()
	s := ctype.StructOf(a, "mixed",
		ctype.Field{Name: "d", Type: tDouble},
		ctype.Field{Name: "i", Type: tInt},
	)
	require.Equal(t, int64(16), s.Size)
	fn := ctype.FuncOf(s, []*ctype.Type{s}, false, true)

	require.False(t, a.ReturnInMemory(s))
	plan := a.PlanCall(fn, fn.Params)
	require.Nil(t, plan.Hidden)
	pl := plan.Args[0]
	require.Equal(t, []reg.ID{set.MustLookup("xmm0"), set.MustLookup("rdi")}, regsOf(pl))
	require.Equal(t, int64(8), pl.Regs[1].Offset)
	require.Equal(t, set.MustLookupAll("xmm0", "rax"), a.ReturnRegs(s))
}

func TestLargeStructTravelsInMemory(t *testing.T) {
	a := target(t)
	set := a.Registers()
	big := ctype.StructOf(a, "big",
		ctype.Field{Name: "a", Type: tLong},
		ctype.Field{Name: "b", Type: tLong},
		ctype.Field{Name: "c", Type: tLong},
	)
	fn := ctype.FuncOf(big, []*ctype.Type{tInt, big}, false, true)
	plan := a.PlanCall(fn, fn.Params)

	require.NotNil(t, plan.Hidden)
	require.Equal(t, set.MustLookupAll("rdi"), regsOf(*plan.Hidden))
	require.Equal(t, set.MustLookupAll("esi"), regsOf(plan.Args[0]))
	require.False(t, plan.Args[1].InRegs())
	require.Equal(t, int64(24), plan.Args[1].StackSize)
	require.Equal(t, set.MustLookupAll("rax"), a.ReturnRegs(big))
}

func TestLongDoubleOnStackReturnedInST0(t *testing.T) {
	a := target(t)
	set := a.Registers()
	ld := ctype.Basic(ctype.LDouble)
	fn := ctype.FuncOf(ld, []*ctype.Type{tInt, ld}, false, true)
	plan := a.PlanCall(fn, fn.Params)

	require.False(t, plan.Args[1].InRegs())
	require.Equal(t, int64(0), plan.Args[1].StackOff)
	require.Equal(t, set.MustLookupAll("st0"), a.ReturnRegs(ld))
	require.Equal(t, set.MustLookupAll("st0", "st1", "st2", "st3", "st4", "st5", "st6", "st7"), a.Candidates(reg.FPR, 16))
	require.Equal(t, set.MustLookup("xmm0"), a.Candidates(reg.FPR, 8)[0])
}

func TestVariadicCallLoadsVectorCount(t *testing.T) {
	a := target(t)
	set := a.Registers()
	l := icode.NewList()
	ctx := regalloc.NewContext(a, l)

	printf := ctype.FuncOf(tInt, []*ctype.Type{ctype.PointerTo(ctype.Basic(ctype.Char))}, true, true)
	args := []*regalloc.VReg{
		regalloc.NewStringConst(a, ".LC0"),
		regalloc.NewFloatConst(a, ctype.Basic(ctype.Float), 0x3f800000),
		regalloc.NewConst(a, tInt, 3),
	}
	rv := a.MarshalCall(ctx, &abi.Call{Fn: printf, Target: "printf", Args: args})
	require.NotNil(t, rv)

	var count *icode.Instr
	for i := range l.Instrs {
		in := &l.Instrs[i]
		if in.Op == icode.OpLoadImm && in.Dst == (icode.Reg{ID: set.MustLookup("al")}) {
			count = in
		}
	}
	require.NotNil(t, count, "vector count not loaded")
	require.Equal(t, icode.Imm{Bits: 1}, count.Src)
	require.Less(t, l.Index(icode.OpLoadImm), l.Index(icode.OpCall))
	require.NoError(t, ctx.Check())
}

func TestVariadicFunctionSavesArgumentRegisters(t *testing.T) {
	a := target(t)
	l := icode.NewList()
	ctx := regalloc.NewContext(a, l)
	fn := ctype.FuncOf(tInt, []*ctype.Type{tInt, tDouble}, true, true)

	pm := a.MapParameters(ctx, "logf", fn, []string{"level", "scale"})
	require.NotNil(t, pm.SaveArea)
	require.Equal(t, int64(176), pm.SaveArea.Size)
	require.Equal(t, int64(0), pm.VarArgs)
	// Two named stores plus six integer and eight vector saves.
	require.Equal(t, 2+6+8, l.Count(icode.OpStore))

	i, ok := pm.Lookup("scale")
	require.True(t, ok)
	require.Equal(t, 1, i)
}

func TestUnprototypedFloatKeepsLaterArguments(t *testing.T) {
	a := target(t)
	set := a.Registers()
	tFloat := ctype.Basic(ctype.Float)
	fn := ctype.FuncOf(nil, []*ctype.Type{tFloat, tDouble}, false, false)

	f := make([]byte, 4)
	binary.LittleEndian.PutUint32(f, math.Float32bits(1.5))
	d := make([]byte, 8)
	binary.LittleEndian.PutUint64(d, math.Float64bits(2.25))
	res, err := abicheck.Run(a, &abicheck.Case{
		Name: "narrow",
		Fn:   fn,
		Args: []abicheck.Value{{Type: tFloat, Data: f}, {Type: tDouble, Data: d}},
	}, nil)
	require.NoError(t, err)

	callee := res.Callee
	conv := callee.Index(icode.OpConvert)
	require.Positive(t, conv)
	for _, r := range set.MustLookupAll("xmm0", "xmm1") {
		stored := -1
		for i, in := range callee.Instrs {
			if in.Op == icode.OpStore && in.Src == (icode.Reg{ID: r}) {
				stored = i
				break
			}
		}
		require.GreaterOrEqual(t, stored, 0, "%s never stored", set.Name(r))
		require.Less(t, stored, conv, "%s stored after the conversion", set.Name(r))
	}
}

func TestRoundTrip(t *testing.T) {
	rep := abicheck.Check(target(t), abicheck.Options{Iterations: 300, Seed: 2})
	require.Empty(t, rep.Failures)
	require.Equal(t, 300, rep.Passed)
}
