package regalloc

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/icode/sim"
	"github.com/tinyrange/ccabi/internal/reg"
)

// testTarget is a small 32-bit machine: four general registers (eax with
// byte and word views), three 8-byte floating registers and a dedicated
// stack pointer. long long lives in register pairs.
type testTarget struct {
	set       *reg.Set
	bigEndian bool
}

func newTestTarget(bigEndian bool) *testTarget {
	return &testTarget{
		bigEndian: bigEndian,
		set: reg.NewSet(
			reg.Desc{Name: "al", Class: reg.GPR, Size: 1},
			reg.Desc{Name: "ah", Class: reg.GPR, Size: 1, Offset: 1},
			reg.Desc{Name: "ax", Class: reg.GPR, Size: 2, Sub: []string{"al", "ah"}},
			reg.Desc{Name: "eax", Class: reg.GPR, Size: 4, Sub: []string{"ax"}, Allocatable: true},
			reg.Desc{Name: "ebx", Class: reg.GPR, Size: 4, Allocatable: true, CalleeSaved: true},
			reg.Desc{Name: "ecx", Class: reg.GPR, Size: 4, Allocatable: true},
			reg.Desc{Name: "edx", Class: reg.GPR, Size: 4, Allocatable: true},
			reg.Desc{Name: "f0", Class: reg.FPR, Size: 8, Allocatable: true},
			reg.Desc{Name: "f1", Class: reg.FPR, Size: 8, Allocatable: true},
			reg.Desc{Name: "f2", Class: reg.FPR, Size: 8, Allocatable: true},
			reg.Desc{Name: "esp", Class: reg.StackPointer, Size: 4, Dedicated: true},
		),
	}
}

func (t *testTarget) Registers() *reg.Set { return t.set }
func (t *testTarget) PointerSize() int64  { return 4 }
func (t *testTarget) BigEndian() bool     { return t.bigEndian }

func (t *testTarget) SizeOf(ty *ctype.Type) int64 {
	switch ty.Kind {
	case ctype.Char, ctype.SChar, ctype.UChar:
		return 1
	case ctype.Short, ctype.UShort:
		return 2
	case ctype.LLong, ctype.ULLong, ctype.Double, ctype.LDouble:
		return 8
	case ctype.Struct, ctype.Union, ctype.Array:
		return ty.Size
	}
	return 4
}

func (t *testTarget) AlignOf(ty *ctype.Type) int64 {
	if ty.IsAggregate() {
		return ty.Align
	}
	return min(t.SizeOf(ty), 4)
}

func (t *testTarget) IsMultiReg(ty *ctype.Type) bool {
	return ty.Kind == ctype.LLong || ty.Kind == ctype.ULLong
}

func (t *testTarget) Candidates(class reg.Class, size int64) []reg.ID {
	switch {
	case class == reg.GPR && size == 1:
		return t.set.MustLookupAll("al")
	case class == reg.GPR && size == 2:
		return t.set.MustLookupAll("ax")
	case class == reg.GPR:
		return t.set.MustLookupAll("eax", "ebx", "ecx", "edx")
	case class == reg.FPR:
		return t.set.MustLookupAll("f0", "f1", "f2")
	}
	return nil
}

func (t *testTarget) ExclusiveFloat(int64) bool { return false }

var (
	tInt    = ctype.Basic(ctype.Int)
	tLLong  = ctype.Basic(ctype.LLong)
	tDouble = ctype.Basic(ctype.Double)
)

func anonConst(c *Context, typ *ctype.Type, bits uint64) *VReg {
	v := NewConst(c.Target(), typ, int64(bits))
	c.Anonymize(v)
	return v
}

func TestSpillReloadRoundTrip(t *testing.T) {
	for _, bigEndian := range []bool{false, true} {
		t.Run(fmt.Sprintf("bigEndian=%v", bigEndian), func(t *testing.T) {
			tgt := newTestTarget(bigEndian)
			l := icode.NewList()
			c := NewContext(tgt, l)

			type value struct {
				v    *VReg
				bits uint64
			}
			var values []value
			for i := range 6 {
				bits := uint64(0x01020304 + i*0x01010101)
				values = append(values, value{anonConst(c, tInt, bits), bits})
			}
			values = append(values, value{anonConst(c, tLLong, 0x1122334455667788), 0x1122334455667788})
			for i := range 4 {
				bits := math.Float64bits(1.25 + float64(i))
				v := NewFloatConst(tgt, tDouble, bits)
				c.Anonymize(v)
				values = append(values, value{v, bits})
			}
			require.NoError(t, c.Check())

			for i, val := range values {
				out := fmt.Sprintf("out%d", i)
				if val.v.Wide() {
					lo, hi := c.FaultInWide(val.v, reg.None, reg.None)
					l.Store(icode.Sym{Name: out}, lo, 4)
					l.Store(icode.Sym{Name: out, Offset: 4}, hi, 4)
					continue
				}
				r := c.FaultIn(val.v)
				l.Store(icode.Sym{Name: out}, r, val.v.Size)
			}
			require.NoError(t, c.Check())

			m := sim.New(tgt.set, bigEndian)
			m.Run(l)
			for i, val := range values {
				want := m.Encode(val.bits, val.v.Size)
				require.Equal(t, want, m.Sym(fmt.Sprintf("out%d", i), val.v.Size), "value %d (%s)", i, val.v.Type)
			}
		})
	}
}

func TestAllocAvoidsOverlappingRegisters(t *testing.T) {
	tgt := newTestTarget(false)
	c := NewContext(tgt, icode.NewList())
	al, ah := tgt.set.MustLookup("al"), tgt.set.MustLookup("ah")

	c.Bind(NewAnon(tgt, ctype.Basic(ctype.Char)), al)
	c.Bind(NewAnon(tgt, ctype.Basic(ctype.Char)), ah)
	require.NoError(t, c.Check())

	r := c.Alloc(reg.GPR, 4, reg.None)
	require.Equal(t, "ebx", tgt.set.Name(r))
}

func TestVictimIsNeverThePreviousAllocation(t *testing.T) {
	tgt := newTestTarget(false)
	c := NewContext(tgt, icode.NewList())
	prev := reg.None
	for range 12 {
		r := c.Alloc(reg.GPR, 4, reg.None)
		require.NotEqual(t, prev, r)
		c.Bind(NewAnon(tgt, tInt), r)
		prev = r
	}
	require.NoError(t, c.Check())
}

func TestAllocWideReturnsDistinctRegisters(t *testing.T) {
	tgt := newTestTarget(false)
	c := NewContext(tgt, icode.NewList())
	for range 3 {
		lo, hi := c.AllocWide(reg.GPR, 4)
		require.NotEqual(t, lo, hi)
		c.Bind(NewAnon(tgt, tLLong), lo, hi)
		require.NoError(t, c.Check())
	}
}

func TestCalleeSavedRegistersAreRecorded(t *testing.T) {
	tgt := newTestTarget(false)
	f := frame.New()
	c := NewContext(tgt, icode.NewList(), WithFrame(f))
	for range 2 {
		c.Bind(NewAnon(tgt, tInt), c.Alloc(reg.GPR, 4, reg.None))
	}
	require.Equal(t, []reg.ID{tgt.set.MustLookup("ebx")}, f.CalleeSaved())
}

func TestInvalidateAllSkipsDedicatedAndLocked(t *testing.T) {
	tgt := newTestTarget(false)
	ebx, ecx, edx := tgt.set.MustLookup("ebx"), tgt.set.MustLookup("ecx"), tgt.set.MustLookup("edx")
	c := NewContext(tgt, icode.NewList(), WithPIC(ebx))

	pic, locked, plain := NewAnon(tgt, tInt), NewAnon(tgt, tInt), NewAnon(tgt, tInt)
	c.Bind(pic, ebx)
	c.Bind(locked, ecx)
	c.Lock(ecx)
	c.Bind(plain, edx)

	c.InvalidateAll(true)
	require.Equal(t, ebx, pic.Regs[0])
	require.Equal(t, ecx, locked.Regs[0])
	require.False(t, plain.Bound())
	require.NotNil(t, plain.Spill)
	require.NoError(t, c.Check())
}

func TestFreeOfDedicatedRegisterIsFatal(t *testing.T) {
	tgt := newTestTarget(false)
	c := NewContext(tgt, icode.NewList())
	e := ice.Catch(func() { c.Free(tgt.set.StackPointer(), true) })
	require.NotNil(t, e)
	require.Equal(t, ice.Invariant, e.Kind)
}

func TestAggregateFaultInIsContractViolation(t *testing.T) {
	tgt := newTestTarget(false)
	c := NewContext(tgt, icode.NewList())
	s := ctype.StructOf(tgt, "s", ctype.Field{Name: "a", Type: tInt}, ctype.Field{Name: "b", Type: tInt})
	v := NewVar(tgt, s, &Var{Name: "s", Block: c.Frame().Allocate(8)})
	e := ice.Catch(func() { c.FaultIn(v) })
	require.NotNil(t, e)
	require.Equal(t, ice.Contract, e.Kind)
}

func TestDisconnectMovesBindingToCopy(t *testing.T) {
	tgt := newTestTarget(false)
	c := NewContext(tgt, icode.NewList())
	v := NewVar(tgt, tInt, &Var{Name: "x", Block: c.Frame().Allocate(4)})
	r := c.FaultIn(v)

	n := c.Disconnect(v)
	require.Equal(t, r, n.Regs[0])
	require.Same(t, n, c.Owner(r))
	require.False(t, v.Bound())
	require.False(t, n.Backed())
	require.True(t, v.Backed())
	require.NoError(t, c.Check())
}

func TestAnonymizeReleasesSpillSlot(t *testing.T) {
	tgt := newTestTarget(false)
	c := NewContext(tgt, icode.NewList())
	v := anonConst(c, tInt, 7)
	c.Free(v.Regs[0], true)
	require.NotNil(t, v.Spill)
	require.True(t, v.Backed())

	c.Anonymize(v)
	require.True(t, v.Bound())
	require.Nil(t, v.Spill)
	require.False(t, v.Backed())
}

func TestDerefLoadsThroughPointer(t *testing.T) {
	tgt := newTestTarget(true)
	l := icode.NewList()
	c := NewContext(tgt, l)
	b := c.Frame().Allocate(4)
	p := NewAnon(tgt, ctype.PointerTo(tInt))
	pr := c.Alloc(reg.GPR, 4, reg.None)
	l.LoadAddr(pr, icode.BlockMem(b, 0))
	c.Bind(p, pr)

	r := c.FaultIn(NewDeref(tgt, p))
	l.Store(icode.Sym{Name: "out"}, r, 4)

	m := sim.New(tgt.set, true)
	m.SetBlock(b, []byte{0xca, 0xfe, 0xba, 0xbe})
	m.Run(l)
	require.Equal(t, []byte{0xca, 0xfe, 0xba, 0xbe}, m.Sym("out", 4))
}

func TestConvertPromotesChar(t *testing.T) {
	tgt := newTestTarget(false)
	l := icode.NewList()
	c := NewContext(tgt, l)
	v := NewConst(tgt, ctype.Basic(ctype.SChar), -3)
	n := c.Convert(v, tInt)
	require.Equal(t, 1, l.Count(icode.OpConvert))
	l.Store(icode.Sym{Name: "out"}, n.Regs[0], 4)

	m := sim.New(tgt.set, false)
	m.Run(l)
	require.Equal(t, m.Encode(0xfffffffd, 4), m.Sym("out", 4))
}

func TestConvertAcrossRegisterPair(t *testing.T) {
	tUInt := ctype.Basic(ctype.UInt)
	for _, bigEndian := range []bool{false, true} {
		t.Run(fmt.Sprintf("bigEndian=%v", bigEndian), func(t *testing.T) {
			tgt := newTestTarget(bigEndian)
			l := icode.NewList()
			c := NewContext(tgt, l)
			m := sim.New(tgt.set, bigEndian)

			signed := NewVar(tgt, tInt, &Var{Name: "s", Block: c.Frame().Allocate(4)})
			unsigned := NewVar(tgt, tUInt, &Var{Name: "u", Block: c.Frame().Allocate(4)})
			wide := NewVar(tgt, tLLong, &Var{Name: "w", Block: c.Frame().Allocate(8)})
			m.SetBlock(signed.Var.Block, m.Encode(0xfffffffb, 4))
			m.SetBlock(unsigned.Var.Block, m.Encode(0xfffffffb, 4))
			m.SetBlock(wide.Var.Block, m.Encode(0x1122334455667788, 8))

			storeWide := func(out string, v *VReg) {
				require.True(t, v.Wide())
				r0, r1 := c.FaultInWide(v, reg.None, reg.None)
				l.Store(icode.Sym{Name: out}, r0, 4)
				l.Store(icode.Sym{Name: out, Offset: 4}, r1, 4)
			}
			storeWide("sext", c.Convert(signed, tLLong))
			storeWide("zext", c.Convert(unsigned, ctype.Basic(ctype.ULLong)))
			n := c.Convert(wide, tInt)
			require.False(t, n.Wide())
			l.Store(icode.Sym{Name: "trunc"}, c.FaultIn(n), 4)
			require.NoError(t, c.Check())

			m.Run(l)
			require.Equal(t, m.Encode(0xfffffffffffffffb, 8), m.Sym("sext", 8))
			require.Equal(t, m.Encode(0x00000000fffffffb, 8), m.Sym("zext", 8))
			require.Equal(t, m.Encode(0x55667788, 4), m.Sym("trunc", 4))
		})
	}
}

func TestConvertFoldsPairConstants(t *testing.T) {
	tgt := newTestTarget(false)
	l := icode.NewList()
	c := NewContext(tgt, l)

	n := c.Convert(NewConst(tgt, ctype.Basic(ctype.UInt), -1), tLLong)
	require.Equal(t, uint64(0xffffffff), n.Const.Bits)
	n = c.Convert(NewConst(tgt, tInt, -2), tLLong)
	require.Equal(t, uint64(0xfffffffffffffffe), n.Const.Bits)
	require.Zero(t, l.Count(icode.OpConvert))

	e := ice.Catch(func() { c.Convert(anonConst(c, tLLong, 1), tDouble) })
	require.NotNil(t, e)
	require.Equal(t, ice.Unimplemented, e.Kind)
}

func TestInvalidateAllRandomBindings(t *testing.T) {
	for seed := range int64(20) {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(uint64(seed), 7))
			tgt := newTestTarget(rng.IntN(2) == 1)
			regs := tgt.set.MustLookupAll("eax", "ebx", "ecx", "edx", "f0", "f1", "f2")

			var opts []Option
			reserved := reg.None
			if rng.IntN(2) == 1 {
				reserved = regs[rng.IntN(4)]
				opts = append(opts, WithPIC(reserved))
			}
			c := NewContext(tgt, icode.NewList(), opts...)

			owners := map[reg.ID]*VReg{}
			locked := map[reg.ID]bool{}
			for _, r := range regs {
				if rng.IntN(4) == 0 {
					continue
				}
				typ := tInt
				if tgt.set.Get(r).Class == reg.FPR {
					typ = tDouble
				}
				v := NewAnon(tgt, typ)
				c.Bind(v, r)
				owners[r] = v
				if r != reserved && rng.IntN(3) == 0 {
					c.Lock(r)
					locked[r] = true
				}
			}
			require.NoError(t, c.Check())

			c.InvalidateAll(rng.IntN(2) == 1)
			for r, v := range owners {
				if r == reserved || locked[r] {
					require.Equal(t, r, v.Regs[0], "%s keeps its binding", tgt.set.Name(r))
					require.Same(t, v, c.Owner(r))
					continue
				}
				require.False(t, v.Bound(), "%s is released", tgt.set.Name(r))
				require.Nil(t, c.Owner(r))
			}
			require.Nil(t, c.Owner(tgt.set.StackPointer()))
			require.NoError(t, c.Check())
		})
	}
}

func TestFreeHighHalfReleasesPair(t *testing.T) {
	tgt := newTestTarget(false)
	c := NewContext(tgt, icode.NewList())
	v := anonConst(c, tLLong, 0x0102030405060708)
	require.True(t, v.Wide())
	lo, hi := v.Regs[0], v.Regs[1]

	c.Free(hi, true)
	require.False(t, v.Bound())
	require.Nil(t, c.Owner(lo))
	require.Nil(t, c.Owner(hi))
	require.NotNil(t, v.Spill)
	require.NoError(t, c.Check())
}
