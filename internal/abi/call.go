package abi

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/reg"
	"github.com/tinyrange/ccabi/internal/regalloc"
)

// Call is one call site. Either Target names the callee or Ptr holds a
// function pointer. Fn may be left nil for pointer calls.
type Call struct {
	Fn     *ctype.Type
	Target string
	Ptr    *regalloc.VReg
	Args   []*regalloc.VReg
}

func (c *Call) fn() *ctype.Type {
	if c.Fn != nil {
		return c.Fn
	}
	if c.Ptr != nil && c.Ptr.Type.Kind == ctype.Pointer && c.Ptr.Type.Elem.Kind == ctype.Func {
		return c.Ptr.Type.Elem
	}
	ice.Fatalf(ice.Contract, "call without a function type")
	return nil
}

// MarshalCall emits a complete call and returns the value it produces, or
// nil for void calls. Arguments are laid out by PlanCall first and placed
// second, left to right.
func (b *Base) MarshalCall(ctx *regalloc.Context, call *Call) *regalloc.VReg {
	fn := call.fn()
	types := make([]*ctype.Type, len(call.Args))
	for i, v := range call.Args {
		types[i] = v.Type
	}
	plan := b.PlanCall(fn, types)
	e, f := ctx.Emitter(), ctx.Frame()
	ptrSize := b.conv.Pointer

	// The result slot exists before any code can refer to it.
	ret := fn.Return
	var retBlock *frame.Block
	if !ret.IsVoid() && ret.IsAggregate() {
		retBlock = f.AllocateAligned(b.SizeOf(ret), b.AlignOf(ret))
		retBlock.Name = ".ret"
	}

	args := make([]*regalloc.VReg, len(call.Args))
	for i, v := range call.Args {
		args[i] = v
		if pt := plan.Args[i].Type; pt.IsScalar() && v.Type.IsScalar() {
			args[i] = ctx.Convert(v, pt)
		}
	}

	if b.conv.Preallocated {
		f.ReserveOutgoing(plan.StackSize)
	} else if plan.StackSize > 0 {
		e.AllocStack(plan.StackSize)
	}

	copies := make(map[int]*frame.Block)
	for i := range plan.Args {
		pl := &plan.Args[i]
		v := args[i]
		if pl.ByRef {
			copies[i] = b.copyForReference(ctx, v, i)
			if pl.OnStack() {
				r := ctx.Scratch(reg.GPR, ptrSize)
				e.LoadAddr(r, icode.BlockMem(copies[i], 0))
				e.Store(icode.Arg{Offset: pl.StackOff}, r, ptrSize)
				ctx.Unlock(r)
			}
			continue
		}
		if pl.OnStack() {
			b.placeOnStack(ctx, v, pl)
		}
	}
	if h := plan.Hidden; h != nil && !h.InRegs() {
		r := ctx.Scratch(reg.GPR, ptrSize)
		e.LoadAddr(r, icode.BlockMem(retBlock, 0))
		e.Store(icode.Arg{Offset: h.StackOff}, r, ptrSize)
		ctx.Unlock(r)
	}

	var locked []reg.ID
	lock := func(r reg.ID) {
		ctx.Lock(r)
		locked = append(locked, r)
	}
	if h := plan.Hidden; h != nil && h.InRegs() {
		r := h.Regs[0].Reg
		ctx.Free(r, true)
		e.LoadAddr(r, icode.BlockMem(retBlock, 0))
		lock(r)
	}
	for i := range plan.Args {
		pl := &plan.Args[i]
		if !pl.InRegs() {
			continue
		}
		b.placeInRegs(ctx, args[i], pl, copies[i])
		for _, pc := range pl.Regs {
			lock(pc.Reg)
		}
	}

	unprototyped := fn.Variadic || !fn.Prototyped
	if b.vecCount != reg.None && unprototyped {
		ctx.Free(b.vecCount, true)
		e.LoadImm(b.vecCount, uint64(plan.FloatUsed), b.set.Get(b.vecCount).Size)
		lock(b.vecCount)
	}
	if b.conv.FloatArgsFlag != "" && unprototyped {
		set := 0
		if plan.FloatUsed > 0 {
			set = 1
		}
		e.Comment(fmt.Sprintf("%s=%d", b.conv.FloatArgsFlag, set))
	}

	fp := reg.None
	if call.Ptr != nil {
		fp = ctx.FaultIn(call.Ptr)
		if !call.Ptr.Backed() {
			_, release := ctx.Memory(call.Ptr)
			release()
		}
		lock(fp)
	}

	ctx.InvalidateAll(true)
	if fp != reg.None {
		e.Call(icode.Reg{ID: fp})
	} else {
		e.Call(icode.Sym{Name: call.Target})
	}
	if b.conv.StructReturnMarker && plan.Hidden != nil {
		e.Comment(fmt.Sprintf("unimp %d", b.SizeOf(ret)&0xfff))
	}

	for _, r := range locked {
		ctx.Unlock(r)
	}
	if fp != reg.None {
		ctx.Free(fp, false)
	}
	if !b.conv.Preallocated && plan.StackSize > 0 {
		e.FreeStack(plan.StackSize)
	}
	ctx.Logger().Debug("call",
		slog.String("target", call.Target),
		slog.Int("args", len(args)),
		slog.Int64("stack", plan.StackSize),
	)
	return b.bindReturn(ctx, ret, retBlock)
}

// copyForReference makes the caller's private copy of an argument passed by
// reference.
func (b *Base) copyForReference(ctx *regalloc.Context, v *regalloc.VReg, i int) *frame.Block {
	size := b.SizeOf(v.Type)
	ctx.InvalidateAll(true)
	tmp := ctx.Frame().AllocateAligned(size, b.AlignOf(v.Type))
	tmp.Name = fmt.Sprintf(".arg%d", i)
	mem, release := ctx.Memory(v)
	ctx.Emitter().CopyBlock(icode.BlockMem(tmp, 0), mem, size)
	release()
	return tmp
}

// placeOnStack writes the stack part of an argument.
func (b *Base) placeOnStack(ctx *regalloc.Context, v *regalloc.VReg, pl *Placement) {
	e := ctx.Emitter()
	dst := icode.Arg{Offset: pl.StackOff}
	switch {
	case v.Type.IsAggregate():
		// Copying may need scratch registers, so nothing may be live.
		ctx.InvalidateAll(true)
		mem, release := ctx.Memory(v)
		e.CopyBlock(dst, icode.Offset(mem, pl.StackFrom), pl.StackSize)
		release()
	case pl.InRegs():
		m := b.materialize(ctx, v)
		mem, release := ctx.Memory(m)
		e.CopyBlock(dst, icode.Offset(mem, pl.StackFrom), pl.StackSize)
		release()
	case v.Wide():
		lo, hi := ctx.FaultInWide(v, reg.None, reg.None)
		half := v.Size / 2
		e.Store(dst, lo, half)
		e.Store(icode.Arg{Offset: pl.StackOff + half}, hi, half)
	default:
		r := ctx.FaultIn(v)
		e.Store(dst, r, pl.StackSize)
	}
}

// placeInRegs loads the register parts of an argument. The registers are
// unlocked on entry and left holding unbound copies.
func (b *Base) placeInRegs(ctx *regalloc.Context, v *regalloc.VReg, pl *Placement, copied *frame.Block) {
	for _, pc := range pl.Regs {
		ctx.Free(pc.Reg, true)
	}
	if pl.ByRef {
		ctx.Emitter().LoadAddr(pl.Regs[0].Reg, icode.BlockMem(copied, 0))
		return
	}
	if len(pl.Regs) == 1 && !pl.OnStack() && !v.Wide() && !v.Type.IsAggregate() &&
		regalloc.ClassOf(v.Type) == b.set.Get(pl.Regs[0].Reg).Class {
		ctx.CopyInto(v, pl.Regs[0].Reg)
		return
	}
	parts := make([]regalloc.Part, len(pl.Regs))
	for i, pc := range pl.Regs {
		parts[i] = regalloc.Part{Reg: pc.Reg, Offset: pc.Offset, Size: pc.Size}
	}
	ctx.CopyParts(v, parts)
}

// materialize gives a numeric constant a register-backed copy so that it
// acquires a memory image.
func (b *Base) materialize(ctx *regalloc.Context, v *regalloc.VReg) *regalloc.VReg {
	if v.Const == nil || v.Const.Str != "" {
		return v
	}
	t := regalloc.NewFloatConst(b, v.Type, v.Const.Bits)
	if t.Wide() {
		ctx.FaultInWide(t, reg.None, reg.None)
	}
	ctx.Anonymize(t)
	return t
}

// bindReturn binds the value produced by a call.
func (b *Base) bindReturn(ctx *regalloc.Context, ret *ctype.Type, retBlock *frame.Block) *regalloc.VReg {
	if ret.IsVoid() {
		return nil
	}
	if ret.IsAggregate() {
		if !b.ReturnInMemory(ret) {
			for _, pc := range b.returnPieces(ret, false) {
				ctx.Emitter().Store(icode.BlockMem(retBlock, pc.Offset), pc.Reg, pc.Size)
			}
		}
		return regalloc.NewVar(b, ret, &regalloc.Var{Name: retBlock.Name, Block: retBlock})
	}
	pcs := b.returnPieces(ret, false)
	regs := make([]reg.ID, len(pcs))
	for i, pc := range pcs {
		regs[i] = pc.Reg
	}
	v := regalloc.NewAnon(b, ret)
	ctx.Bind(v, regs...)
	return v
}

// EmitReturn places v where the caller expects the function's result and
// emits the epilogue. v may be nil for void functions.
func (b *Base) EmitReturn(ctx *regalloc.Context, pm *ParamMap, v *regalloc.VReg) {
	e := ctx.Emitter()
	ret := pm.Fn.Return
	pcs := b.returnPieces(ret, true)
	switch {
	case ret.IsVoid() || v == nil:
	case b.ReturnInMemory(ret):
		p := regalloc.NewVar(b, ctype.PointerTo(ret), pm.Hidden)
		pr := ctx.FaultIn(p)
		ctx.Lock(pr)
		mem, release := ctx.Memory(v)
		e.CopyBlock(icode.BaseMem(pr, 0), mem, b.SizeOf(ret))
		release()
		ctx.Unlock(pr)
		if len(pcs) > 0 {
			ctx.FaultIn(p, pcs[0].Reg)
		}
	case ret.IsAggregate():
		parts := make([]regalloc.Part, len(pcs))
		for i, pc := range pcs {
			parts[i] = regalloc.Part{Reg: pc.Reg, Offset: pc.Offset, Size: pc.Size}
		}
		ctx.CopyParts(v, parts)
	default:
		v = ctx.Convert(v, ret)
		if len(pcs) == 2 {
			ctx.FaultInWide(v, pcs[0].Reg, pcs[1].Reg)
		} else {
			ctx.FaultIn(v, pcs[0].Reg)
		}
	}
	e.Outro(ctx.Frame())
	e.Return()
	for _, pc := range pcs {
		ctx.Free(pc.Reg, false)
	}
	pm.tail = true
}

// FinishFunction closes the function: it adds the epilogue if the body fell
// off its end, finalizes the frame and returns the frame size.
func (b *Base) FinishFunction(ctx *regalloc.Context, pm *ParamMap) int64 {
	f := ctx.Frame()
	if !pm.tail {
		ctx.Emitter().Outro(f)
		ctx.Emitter().Return()
	}
	if err := ctx.Check(); err != nil {
		ice.Fatalf(ice.Invariant, "%s: %v", pm.Name, err)
	}
	f.Finalize(b.FrameLayout(f))
	return f.Size()
}
