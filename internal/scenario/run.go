package scenario

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/reg"
	"github.com/tinyrange/ccabi/internal/regalloc"
)

// Compiled is the output for one function.
type Compiled struct {
	Name        string
	Type        *ctype.Type
	List        *icode.List
	Params      *abi.ParamMap
	Frame       *frame.Frame
	FrameSize   int64
	CalleeSaved []reg.ID

	expect []Expect
}

// Result is the output of running a scenario on one architecture.
type Result struct {
	Arch      arch.Architecture
	Functions []*Compiled
	// Strings is the constant pool; entry i has label ".LC<i>".
	Strings []string
}

type options struct {
	logger *slog.Logger
	pic    bool
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithPIC compiles position independent code, withholding the target's PIC
// base register.
func WithPIC(pic bool) Option { return func(o *options) { o.pic = pic } }

// Run compiles every function of s for a. Internal compiler errors are
// returned, wrapped with the function they occurred in.
func Run(a abi.ABI, s *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if !s.Supports(a.Arch()) {
		return nil, fmt.Errorf("scenario: %s does not apply to %s", s.Name, a.Arch())
	}

	var tt *typeTable
	if err := caught(func() error {
		var err error
		tt, err = newTypeTable(a, s.Structs)
		return err
	}); err != nil {
		return nil, fmt.Errorf("scenario: %s: %w", s.Name, err)
	}
	sigs := make(map[string]*ctype.Type)
	for _, e := range s.Externs {
		t, err := tt.function(e.Return, e.Params, e.Variadic, e.OldStyle)
		if err != nil {
			return nil, fmt.Errorf("scenario: %s: extern %s: %w", s.Name, e.Name, err)
		}
		sigs[e.Name] = t
	}
	for _, fn := range s.Functions {
		params := make([]string, len(fn.Params))
		for i, p := range fn.Params {
			params[i] = p.Type
		}
		t, err := tt.function(fn.Return, params, fn.Variadic, fn.OldStyle)
		if err != nil {
			return nil, fmt.Errorf("scenario: %s: function %s: %w", s.Name, fn.Name, err)
		}
		sigs[fn.Name] = t
	}
	globals := make(map[string]*variable)
	for _, g := range s.Globals {
		t, err := tt.parse(g.Type)
		if err != nil || t.IsVoid() {
			return nil, fmt.Errorf("scenario: %s: global %s: bad type %q", s.Name, g.Name, g.Type)
		}
		globals[g.Name] = &variable{typ: t, v: &regalloc.Var{Name: g.Name, Global: true}, param: -1}
	}

	res := &Result{Arch: a.Arch()}
	logger := o.logger.With(slog.String("scenario", s.Name), slog.String("arch", a.Arch().String()))
	for i := range s.Functions {
		fn := &s.Functions[i]
		r := &runner{
			a:       a,
			log:     logger.With(slog.String("function", fn.Name)),
			types:   tt,
			sigs:    sigs,
			globals: globals,
			res:     res,
		}
		c, err := r.compile(fn, o.pic)
		if err != nil {
			return nil, fmt.Errorf("scenario: %s: function %s: %w", s.Name, fn.Name, err)
		}
		res.Functions = append(res.Functions, c)
	}
	return res, nil
}

// caught runs fn, converting an internal compiler error into an error.
func caught(fn func() error) (err error) {
	defer ice.Recover(&err)
	return fn()
}

type variable struct {
	typ   *ctype.Type
	v     *regalloc.Var
	param int
}

type runner struct {
	a       abi.ABI
	log     *slog.Logger
	types   *typeTable
	sigs    map[string]*ctype.Type
	globals map[string]*variable
	res     *Result

	ctx    *regalloc.Context
	pm     *abi.ParamMap
	fnType *ctype.Type
	vars   map[string]*variable
	// vals caches the value of each variable read so far; a cached value
	// may still be register resident from an earlier statement.
	vals map[string]*regalloc.VReg
}

func (r *runner) compile(fn *Function, pic bool) (c *Compiled, err error) {
	defer ice.Recover(&err)

	l := icode.NewList()
	base := reg.None
	if pic {
		base = r.a.PICBase()
	}
	r.ctx = regalloc.NewContext(r.a, l, regalloc.WithLogger(r.log), regalloc.WithPIC(base))
	r.fnType = r.sigs[fn.Name]
	r.vals = make(map[string]*regalloc.VReg)
	r.vars = make(map[string]*variable)
	for name, g := range r.globals {
		r.vars[name] = g
	}

	names := make([]string, len(fn.Params))
	for i, p := range fn.Params {
		names[i] = p.Name
	}
	r.pm = r.a.MapParameters(r.ctx, fn.Name, r.fnType, names)
	local := make(map[string]bool)
	for i, p := range r.pm.Params {
		if local[p.Name] {
			return nil, fmt.Errorf("parameter %s declared twice", p.Name)
		}
		local[p.Name] = true
		r.vars[p.Name] = &variable{typ: p.Type, v: p.Var, param: i}
	}
	for _, d := range fn.Locals {
		if local[d.Name] {
			return nil, fmt.Errorf("local %s declared twice", d.Name)
		}
		local[d.Name] = true
		t, err := r.types.parse(d.Type)
		if err != nil {
			return nil, fmt.Errorf("local %s: %w", d.Name, err)
		}
		if t.IsVoid() {
			return nil, fmt.Errorf("local %s is void", d.Name)
		}
		blk := r.ctx.Frame().AllocateAligned(r.a.SizeOf(t), r.a.AlignOf(t))
		blk.Name = d.Name
		r.vars[d.Name] = &variable{typ: t, v: &regalloc.Var{Name: d.Name, Block: blk}, param: -1}
	}

	for i, st := range fn.Body {
		if err := r.exec(st); err != nil {
			return nil, fmt.Errorf("statement %d: %w", i, err)
		}
		r.settle()
	}

	size := r.a.FinishFunction(r.ctx, r.pm)
	r.log.Debug("compiled function", slog.Int("instrs", l.Len()), slog.Int64("frame", size))
	return &Compiled{
		Name:        fn.Name,
		Type:        r.fnType,
		List:        l,
		Params:      r.pm,
		Frame:       r.ctx.Frame(),
		FrameSize:   size,
		CalleeSaved: r.ctx.Frame().CalleeSaved(),
		expect:      fn.Expect,
	}, nil
}

func (r *runner) exec(st Stmt) error {
	switch {
	case st.Spill:
		r.ctx.InvalidateAll(true)
		return nil
	case st.Assign != nil:
		dst, err := r.lookup(st.Assign.Dst)
		if err != nil {
			return err
		}
		v, err := r.operand(st.Assign.Src, dst.typ)
		if err != nil {
			return err
		}
		return r.store(v, st.Assign.Dst)
	case st.Deref != nil:
		p, err := r.operand(st.Deref.Ptr, nil)
		if err != nil {
			return err
		}
		if p.Type.Kind != ctype.Pointer || p.Type.Elem.IsVoid() || p.Type.Elem.Kind == ctype.Func {
			return fmt.Errorf("cannot dereference %s of type %s", st.Deref.Ptr, p.Type)
		}
		return r.store(regalloc.NewDeref(r.a, p), st.Deref.Dst)
	case st.Member != nil:
		m := st.Member
		s, err := r.operand(m.Src, nil)
		if err != nil {
			return err
		}
		if !s.Type.IsAggregate() {
			return fmt.Errorf("%s of type %s has no members", m.Src, s.Type)
		}
		for _, f := range s.Type.Fields {
			if f.Name == m.Field {
				return r.store(regalloc.NewMember(r.a, s, f.Type, f.Offset), m.Dst)
			}
		}
		return fmt.Errorf("%s has no member %s", s.Type, m.Field)
	case st.Call != nil:
		return r.call(st.Call)
	case st.Return != nil:
		var v *regalloc.VReg
		if text := *st.Return; text != "" {
			if r.fnType.Return.IsVoid() {
				return fmt.Errorf("void function returns %s", text)
			}
			var err error
			if v, err = r.operand(text, r.fnType.Return); err != nil {
				return err
			}
			if err := r.compatible(v.Type, r.fnType.Return); err != nil {
				return err
			}
		}
		r.a.EmitReturn(r.ctx, r.pm, v)
		return nil
	}
	return fmt.Errorf("empty statement")
}

func (r *runner) call(c *CallStmt) error {
	sig, ok := r.sigs[c.Fn]
	if !ok {
		return fmt.Errorf("call of undeclared function %s", c.Fn)
	}
	if len(c.Args) < len(sig.Params) {
		return fmt.Errorf("%s takes %d arguments, got %d", c.Fn, len(sig.Params), len(c.Args))
	}
	if len(c.Args) > len(sig.Params) && sig.Prototyped && !sig.Variadic {
		return fmt.Errorf("%s takes %d arguments, got %d", c.Fn, len(sig.Params), len(c.Args))
	}
	args := make([]*regalloc.VReg, len(c.Args))
	for i, text := range c.Args {
		var want *ctype.Type
		if i < len(sig.Params) {
			want = sig.Params[i]
		}
		v, err := r.operand(text, want)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		if want != nil {
			if err := r.compatible(v.Type, want); err != nil {
				return fmt.Errorf("argument %d: %w", i, err)
			}
		} else if !v.Type.IsScalar() && !v.Type.IsAggregate() {
			return fmt.Errorf("argument %d: cannot pass %s", i, v.Type)
		}
		args[i] = v
	}
	rv := r.a.MarshalCall(r.ctx, &abi.Call{Fn: sig, Target: c.Fn, Args: args})
	if c.Result == "" {
		return nil
	}
	if rv == nil {
		return fmt.Errorf("%s returns void", c.Fn)
	}
	dst, err := r.lookup(c.Result)
	if err != nil {
		return err
	}
	if err := r.compatible(rv.Type, dst.typ); err != nil {
		return err
	}
	return r.store(rv, c.Result)
}

// compatible reports whether a value of type from can be assigned to type
// to. Scalars convert; aggregates must be the same declaration.
func (r *runner) compatible(from, to *ctype.Type) error {
	switch {
	case from.IsScalar() && to.IsScalar():
		return nil
	case from.IsAggregate() && from == to:
		return nil
	}
	return fmt.Errorf("cannot assign %s to %s", from, to)
}

func (r *runner) lookup(name string) (*variable, error) {
	v, ok := r.vars[name]
	if !ok {
		return nil, fmt.Errorf("undeclared variable %s", name)
	}
	return v, nil
}

// value returns the cached value of a variable.
func (r *runner) value(name string) *regalloc.VReg {
	if v, ok := r.vals[name]; ok {
		return v
	}
	vr := r.vars[name]
	var v *regalloc.VReg
	if vr.param >= 0 {
		v = r.pm.Value(r.a, vr.param)
	} else {
		v = regalloc.NewVar(r.a, vr.typ, vr.v)
	}
	r.vals[name] = v
	return v
}

// operand evaluates text. want, if not nil, types literals.
func (r *runner) operand(text string, want *ctype.Type) (*regalloc.VReg, error) {
	text = strings.TrimSpace(text)
	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		lit, err := strconv.Unquote(text)
		if err != nil {
			return nil, fmt.Errorf("bad string literal %s", text)
		}
		label := fmt.Sprintf(".LC%d", len(r.res.Strings))
		r.res.Strings = append(r.res.Strings, lit)
		return regalloc.NewStringConst(r.a, label), nil
	}
	if vr, ok := r.vars[text]; ok {
		if vr.typ.Kind == ctype.Array {
			return nil, fmt.Errorf("array %s used as a value", text)
		}
		return r.value(text), nil
	}
	if want != nil && !want.IsScalar() {
		return nil, fmt.Errorf("literal %s for %s", text, want)
	}
	if n, err := strconv.ParseInt(text, 0, 64); err == nil {
		if want != nil && want.IsFloating() {
			return r.floatConst(float64(n), want)
		}
		t := ctype.Basic(ctype.Int)
		if want != nil {
			t = want
		}
		return regalloc.NewConst(r.a, t, n), nil
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		t := ctype.Basic(ctype.Double)
		if want != nil && want.IsFloating() {
			t = want
		}
		return r.floatConst(f, t)
	}
	return nil, fmt.Errorf("unknown operand %q", text)
}

func (r *runner) floatConst(f float64, t *ctype.Type) (*regalloc.VReg, error) {
	switch t.Kind {
	case ctype.Float:
		return regalloc.NewFloatConst(r.a, t, uint64(math.Float32bits(float32(f)))), nil
	case ctype.Double:
		return regalloc.NewFloatConst(r.a, t, math.Float64bits(f)), nil
	}
	return nil, fmt.Errorf("%s literals are not supported", t)
}

// store assigns v to the named variable.
func (r *runner) store(v *regalloc.VReg, name string) error {
	dst, err := r.lookup(name)
	if err != nil {
		return err
	}
	if err := r.compatible(v.Type, dst.typ); err != nil {
		return err
	}
	ctx, e := r.ctx, r.ctx.Emitter()
	target := regalloc.NewVar(r.a, dst.typ, dst.v)
	if dst.param >= 0 {
		target = r.pm.Value(r.a, dst.param)
	}
	size := r.a.SizeOf(dst.typ)

	switch {
	case dst.typ.IsAggregate():
		src, release := ctx.Memory(v)
		mem, releaseDst := ctx.Memory(target)
		e.CopyBlock(mem, src, size)
		releaseDst()
		release()
	default:
		v = ctx.Convert(v, dst.typ)
		var regs []reg.ID
		if v.Wide() {
			lo, hi := ctx.FaultInWide(v, reg.None, reg.None)
			regs = []reg.ID{lo, hi}
		} else {
			regs = []reg.ID{ctx.FaultIn(v)}
		}
		for _, id := range regs {
			ctx.Lock(id)
		}
		mem, release := ctx.Memory(target)
		part := size / int64(len(regs))
		for i, id := range regs {
			e.Store(icode.Offset(mem, int64(i)*part), id, part)
		}
		release()
		for _, id := range regs {
			ctx.Unlock(id)
		}
	}
	r.forget(name)
	return nil
}

// forget drops the cached value of a variable that was written.
func (r *runner) forget(name string) {
	v, ok := r.vals[name]
	if !ok {
		return
	}
	delete(r.vals, name)
	if v.Bound() {
		r.ctx.Free(v.Regs[0], false)
	}
}

// settle releases every register that does not hold a cached variable.
func (r *runner) settle() {
	keep := make(map[*regalloc.VReg]bool, len(r.vals))
	for _, v := range r.vals {
		keep[v] = true
	}
	set := r.ctx.Registers()
	for i := range set.Len() {
		id := reg.ID(i)
		if v := r.ctx.Owner(id); v != nil && !keep[v] {
			r.ctx.Free(id, false)
		}
	}
}

// Verify checks the instruction lists against the expectations recorded in
// the scenario.
func (res *Result) Verify() error {
	for _, c := range res.Functions {
		for _, e := range c.expect {
			if e.Target != "" {
				if t, _ := arch.Parse(e.Target); t != res.Arch {
					continue
				}
			}
			if e.FrameSize != nil && *e.FrameSize != c.FrameSize {
				return fmt.Errorf("scenario: %s on %s: frame size %d, want %d", c.Name, res.Arch, c.FrameSize, *e.FrameSize)
			}
			for name, want := range e.Ops {
				op, ok := icode.ParseOp(name)
				if !ok {
					return fmt.Errorf("scenario: %s: unknown instruction %q", c.Name, name)
				}
				if got := c.List.Count(op); got != want {
					return fmt.Errorf("scenario: %s on %s: %d %s instructions, want %d", c.Name, res.Arch, got, name, want)
				}
			}
		}
	}
	return nil
}
