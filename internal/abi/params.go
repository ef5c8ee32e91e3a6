package abi

import (
	"fmt"

	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/reg"
	"github.com/tinyrange/ccabi/internal/regalloc"
)

// Param is one formal parameter after entry.
type Param struct {
	Name string
	// Type is the declared type.
	Type *ctype.Type
	// Var is where the parameter lives for the rest of the function. With
	// Deref set it holds a pointer to the value instead.
	Var       *regalloc.Var
	Deref     bool
	Placement Placement
}

// ParamMap is the result of mapping a function's parameters.
type ParamMap struct {
	Name   string
	Fn     *ctype.Type
	Plan   *Plan
	Params []Param

	// Hidden holds the incoming pointer for memory-returned values.
	Hidden *regalloc.Var
	// SaveArea is the variadic register save area, if the convention has
	// one.
	SaveArea *frame.Block
	// VarArgs is the argument area offset of the first unnamed argument.
	VarArgs int64

	tail bool
}

// Value returns a virtual value reading parameter i.
func (pm *ParamMap) Value(t regalloc.Target, i int) *regalloc.VReg {
	p := pm.Params[i]
	if p.Deref {
		ptr := regalloc.NewVar(t, ctype.PointerTo(p.Type), p.Var)
		return regalloc.NewDeref(t, ptr)
	}
	return regalloc.NewVar(t, p.Type, p.Var)
}

// Lookup returns the index of the named parameter.
func (pm *ParamMap) Lookup(name string) (int, bool) {
	for i, p := range pm.Params {
		if p.Name == name {
			return i, true
		}
	}
	return -1, false
}

// MapParameters emits the function header and prologue and gives every
// parameter a stack block. Register parameters are stored to their blocks
// immediately after the prologue.
func (b *Base) MapParameters(ctx *regalloc.Context, name string, fn *ctype.Type, names []string) *ParamMap {
	if names == nil {
		names = make([]string, len(fn.Params))
		for i := range names {
			names[i] = fmt.Sprintf("p%d", i)
		}
	}
	if len(names) != len(fn.Params) {
		ice.Fatalf(ice.Contract, "%s: %d names for %d parameters", name, len(names), len(fn.Params))
	}
	e, f := ctx.Emitter(), ctx.Frame()
	plan := b.PlanCall(fn, fn.Params)
	pm := &ParamMap{Name: name, Fn: fn, Plan: plan}

	e.FunctionHeader(name)
	e.Intro(f)
	if b.conv.AlwaysReserve {
		f.ReserveOutgoing(b.conv.MinArgArea)
	}

	if plan.Hidden != nil {
		blk := b.incoming(e, f, plan.Hidden, ".retptr")
		pm.Hidden = &regalloc.Var{Name: ".retptr", Block: blk}
	}
	for i := range plan.Args {
		pl := plan.Args[i]
		declared := fn.Params[i]
		blk := b.incoming(e, f, &pl, names[i])
		p := Param{
			Name:      names[i],
			Type:      declared,
			Var:       &regalloc.Var{Name: names[i], Block: blk},
			Deref:     pl.ByRef,
			Placement: pl,
		}
		if !pl.ByRef && declared.IsInteger() && b.BigEndian() {
			p.Var.Offset = pl.Size - b.SizeOf(declared)
		}
		pm.Params = append(pm.Params, p)
	}
	if fn.Variadic {
		b.saveVariadic(e, f, pm)
	}

	// Every argument register is stored by now; conversions may use any
	// register.
	for i := range pm.Params {
		p := &pm.Params[i]
		if pl := &p.Placement; pl.InRegs() && pl.OnStack() && pl.Home < 0 {
			tail := f.NewArgBlock(pl.StackOff, pl.StackSize)
			tail.Name = p.Name + ".tail"
			e.CopyBlock(icode.BlockMem(p.Var.Block, pl.StackFrom), icode.BlockMem(tail, 0), pl.StackSize)
		}
		if !p.Deref && p.Type.Kind == ctype.Float && p.Placement.Type.Kind == ctype.Double {
			p.Var = b.narrowFloat(ctx, p.Var, p.Name)
		}
	}
	ctx.Logger().Debug("mapped parameters",
		"function", name,
		"params", len(pm.Params),
		"stack", plan.StackSize,
	)
	return pm
}

// incoming returns the block an incoming argument lives in, storing its
// register parts there.
func (b *Base) incoming(e icode.Emitter, f *frame.Frame, pl *Placement, name string) *frame.Block {
	var blk *frame.Block
	switch {
	case !pl.InRegs():
		blk = f.NewArgBlock(pl.StackOff, pl.Size)
	case pl.Home >= 0:
		blk = f.NewArgBlock(pl.Home, pl.Size)
	default:
		align := b.conv.Pointer
		if !pl.ByRef {
			align = b.AlignOf(pl.Type)
		}
		blk = f.AllocateAligned(pl.Size, align)
	}
	blk.Name = name
	for _, pc := range pl.Regs {
		e.Store(icode.BlockMem(blk, pc.Offset), pc.Callee, pc.Size)
	}
	if pl.InRegs() {
		blk.FromReg = pl.Regs[0].Callee
	}
	return blk
}

// narrowFloat converts an old-style float parameter, which arrives as a
// double, into a float block.
func (b *Base) narrowFloat(ctx *regalloc.Context, v *regalloc.Var, name string) *regalloc.Var {
	wide := regalloc.NewVar(b, ctype.Basic(ctype.Double), v)
	n := ctx.Convert(wide, ctype.Basic(ctype.Float))
	size := b.SizeOf(ctype.Basic(ctype.Float))
	blk := ctx.Frame().AllocateAligned(size, size)
	blk.Name = name
	ctx.Emitter().Store(icode.BlockMem(blk, 0), n.Regs[0], size)
	ctx.Free(n.Regs[0], false)
	return &regalloc.Var{Name: name, Block: blk}
}

// saveVariadic stores the argument registers a va_list may read from.
func (b *Base) saveVariadic(e icode.Emitter, f *frame.Frame, pm *ParamMap) {
	c := b.conv
	plan := pm.Plan
	if c.SaveArea == 0 {
		for w := plan.Words; w < int64(len(b.intArgsCallee)); w++ {
			blk := f.NewArgBlock(c.ArgAreaBase+w*c.SlotSize, c.SlotSize)
			blk.Name = fmt.Sprintf(".va%d", w)
			blk.FromReg = b.intArgsCallee[w]
			e.Store(icode.BlockMem(blk, 0), b.intArgsCallee[w], c.SlotSize)
		}
		pm.VarArgs = c.ArgAreaBase + plan.StackUsed
		return
	}

	sa := f.AllocateAligned(c.SaveArea, 16)
	sa.Name = ".va_save"
	var off int64
	save := func(regs []reg.ID) {
		for _, r := range regs {
			n := b.set.Get(r).Size
			e.Store(icode.BlockMem(sa, off), r, n)
			off += n
		}
	}
	save(b.intArgsCallee)
	save(b.floatArgs)
	if off > c.SaveArea {
		ice.Fatalf(ice.Invariant, "save area of %d bytes holds %d", c.SaveArea, off)
	}
	pm.SaveArea = sa
	pm.VarArgs = c.ArgAreaBase + plan.StackUsed
}
