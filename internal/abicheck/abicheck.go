// Package abicheck cross-checks the two halves of a calling convention.
//
// A Case is compiled twice: once as a call site with MarshalCall and once as
// the called function with MapParameters and EmitReturn. Both instruction
// lists then run on one simulated machine, the callee started from the
// caller's call instruction. Every parameter the callee sees and the value
// the caller gets back must match the bytes that went in.
package abicheck

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/icode/sim"
	"github.com/tinyrange/ccabi/internal/reg"
	"github.com/tinyrange/ccabi/internal/regalloc"
)

// Value is a typed memory image.
type Value struct {
	Type *ctype.Type
	Data []byte
}

// Case is one call to check. Args beyond Fn.Params form the variadic tail;
// only named parameters are checked on the callee side. Ret is the value the
// callee returns, nil for void.
type Case struct {
	Name string
	Fn   *ctype.Type
	Args []Value
	Ret  []byte
}

// Mismatch describes a value that did not survive the call.
type Mismatch struct {
	Case  string
	What  string
	Want  []byte
	Got   []byte
	Plan  string
	Trace []icode.Instr
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("abicheck: %s: %s: got % x, want % x\n%s", m.Case, m.What, m.Got, m.Want, m.Plan)
}

// Result is what one run observed.
type Result struct {
	Plan       *abi.Plan
	Caller     *icode.List
	Callee     *icode.List
	Params     *abi.ParamMap
	FrameSize  int64
	ArgBytes   int64
	CalleeSave []reg.ID
}

// Run compiles and executes c. Internal compiler errors come back as errors.
func Run(a abi.ABI, c *Case, logger *slog.Logger) (res *Result, err error) {
	defer ice.Recover(&err)
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("case", c.Name), slog.String("arch", a.Arch().String()))
	set := a.Registers()
	m := sim.New(set, a.BigEndian())
	res = &Result{}

	// The called function.
	callee := icode.NewList()
	cctx := regalloc.NewContext(a, callee, regalloc.WithLogger(logger), regalloc.WithPIC(a.PICBase()))
	pm := a.MapParameters(cctx, c.Name, c.Fn, nil)
	var ret *regalloc.VReg
	var retBlock *frame.Block
	if !c.Fn.Return.IsVoid() {
		retBlock = cctx.Frame().AllocateAligned(a.SizeOf(c.Fn.Return), a.AlignOf(c.Fn.Return))
		retBlock.Name = "result"
		ret = regalloc.NewVar(a, c.Fn.Return, &regalloc.Var{Name: "result", Block: retBlock})
	}
	a.EmitReturn(cctx, pm, ret)
	res.FrameSize = a.FinishFunction(cctx, pm)
	res.Params = pm
	res.Callee = callee
	res.CalleeSave = cctx.Frame().CalleeSaved()
	if retBlock != nil {
		m.SetBlock(retBlock, c.Ret)
	}

	// The call site.
	caller := icode.NewList()
	ctx := regalloc.NewContext(a, caller, regalloc.WithLogger(logger), regalloc.WithPIC(a.PICBase()))
	ctx.Emitter().FunctionHeader("caller")
	ctx.Emitter().Intro(ctx.Frame())
	args := make([]*regalloc.VReg, len(c.Args))
	types := make([]*ctype.Type, len(c.Args))
	for i, v := range c.Args {
		blk := ctx.Frame().AllocateAligned(a.SizeOf(v.Type), a.AlignOf(v.Type))
		blk.Name = fmt.Sprintf("arg%d", i)
		m.SetBlock(blk, v.Data)
		args[i] = regalloc.NewVar(a, v.Type, &regalloc.Var{Name: blk.Name, Block: blk})
		types[i] = v.Type
	}
	res.Plan = a.PlanCall(c.Fn, types)
	rv := a.MarshalCall(ctx, &abi.Call{Fn: c.Fn, Target: c.Name, Args: args})
	if rv != nil {
		store(ctx, rv, icode.Sym{Name: "result"})
	}
	if err := ctx.Check(); err != nil {
		return res, err
	}
	res.Caller = caller

	conv := a.Convention()
	argRegs := topmost(set, conv.IntArgs, conv.FloatArgs, []string{conv.VectorCount})
	window := pairs(set, conv.IntArgs, conv.IntArgsCallee)
	retWindow := pairs(set, conv.IntReturnCallee, conv.IntReturn)
	m.OnCall = func(m *sim.Machine, _ icode.Operand) {
		rec := m.Calls[len(m.Calls)-1]
		res.ArgBytes = rec.ArgBytes
		m.Clobber()
		for _, r := range argRegs {
			if buf, ok := rec.Regs[r]; ok {
				m.SetReg(r, buf)
			}
		}
		for _, p := range window {
			m.SetReg(p[1], m.Reg(p[0]))
		}
		for _, b := range cctx.Frame().Blocks() {
			if !b.Arg || b.Offset >= int64(len(rec.Args)) {
				continue
			}
			m.SetBlock(b, rec.Args[b.Offset:min(b.Offset+b.Size, int64(len(rec.Args)))])
		}
		m.Run(callee)
		for _, p := range retWindow {
			m.SetReg(p[1], m.Reg(p[0]))
		}
	}
	m.Run(caller)
	if len(m.Calls) != 1 {
		return res, fmt.Errorf("abicheck: %s: %d calls executed", c.Name, len(m.Calls))
	}

	if want := res.Plan.StackBytes(); res.ArgBytes != want {
		return res, fmt.Errorf("abicheck: %s: caller wrote %d argument bytes, plan places %d\n%s", c.Name, res.ArgBytes, want, res.Plan)
	}

	plan := res.Plan.String()
	for i, p := range pm.Params {
		size := a.SizeOf(p.Type)
		var got []byte
		if p.Deref {
			got = m.Deref(m.Block(p.Var.Block)[:a.PointerSize()], size)
		} else {
			got = m.Block(p.Var.Block)[p.Var.Offset : p.Var.Offset+size]
		}
		if want := c.Args[i].Data; !bytes.Equal(got, want) {
			return res, &Mismatch{Case: c.Name, What: fmt.Sprintf("parameter %d (%s)", i, p.Type), Want: want, Got: got, Plan: plan}
		}
	}
	if rv != nil {
		got := m.Sym("result", a.SizeOf(c.Fn.Return))
		if !bytes.Equal(got, c.Ret) {
			return res, &Mismatch{Case: c.Name, What: fmt.Sprintf("return value (%s)", c.Fn.Return), Want: c.Ret, Got: got, Plan: plan}
		}
	}
	logger.Debug("case passed", slog.Int("args", len(c.Args)), slog.Int64("frame", res.FrameSize))
	return res, nil
}

// store writes a call result to dst.
func store(ctx *regalloc.Context, v *regalloc.VReg, dst icode.Sym) {
	e := ctx.Emitter()
	switch {
	case v.Type.IsAggregate():
		mem, release := ctx.Memory(v)
		e.CopyBlock(dst, mem, v.Size)
		release()
	case v.Wide():
		lo, hi := ctx.FaultInWide(v, reg.None, reg.None)
		e.Store(dst, lo, v.Size/2)
		e.Store(icode.Offset(dst, v.Size/2), hi, v.Size/2)
	default:
		r := ctx.FaultIn(v)
		e.Store(dst, r, v.Size)
	}
}

func topmost(set *reg.Set, lists ...[]string) []reg.ID {
	var out []reg.ID
	for _, names := range lists {
		for _, n := range names {
			if n == "" {
				continue
			}
			out = append(out, set.Topmost(set.MustLookup(n)))
		}
	}
	return out
}

// pairs maps one register view onto another, for targets whose register
// windows rename argument and return registers across a call.
func pairs(set *reg.Set, from, to []string) [][2]reg.ID {
	if len(to) == 0 {
		return nil
	}
	var out [][2]reg.ID
	for i := range min(len(from), len(to)) {
		f, t := set.Topmost(set.MustLookup(from[i])), set.Topmost(set.MustLookup(to[i]))
		if f != t {
			out = append(out, [2]reg.ID{f, t})
		}
	}
	return out
}
