package abi

import (
	"fmt"
	"strings"

	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/reg"
)

// Piece is a byte range of an argument's memory image carried in one
// register.
type Piece struct {
	Reg    reg.ID
	Callee reg.ID
	Offset int64
	Size   int64
}

// Placement says where one argument lives during a call.
type Placement struct {
	// Type is the type the argument is passed as, after promotion.
	Type *ctype.Type
	// Index is the argument position, or -1 for the hidden return pointer.
	Index int
	// Size is the number of bytes passed: the value, or a pointer when
	// ByRef is set.
	Size int64
	// ByRef passes a pointer to a caller-made copy.
	ByRef    bool
	Variadic bool

	Regs []Piece
	// StackOff is the argument area offset of the stack part, measured from
	// the stack pointer at the call. StackFrom is the offset inside the
	// value image where the stack part starts.
	StackOff  int64
	StackFrom int64
	StackSize int64
	// Home is the slot a slotted convention reserves for the argument, or
	// -1.
	Home int64
}

func (p *Placement) InRegs() bool  { return len(p.Regs) > 0 }
func (p *Placement) OnStack() bool { return p.StackSize > 0 }

// Plan is the immutable layout of one call or one function's parameters.
type Plan struct {
	Fn     *ctype.Type
	Hidden *Placement
	Args   []Placement

	// StackSize is the outgoing area the call needs, aligned. StackUsed is
	// the part actually taken by arguments.
	StackSize int64
	StackUsed int64
	// IntUsed and FloatUsed count the argument registers consumed; Words
	// counts slots on slotted conventions.
	IntUsed   int
	FloatUsed int
	Words     int64
}

// StackBytes is the number of bytes a caller writes to the argument area.
func (p *Plan) StackBytes() int64 {
	var n int64
	if p.Hidden != nil {
		n += p.Hidden.StackSize
	}
	for i := range p.Args {
		n += p.Args[i].StackSize
	}
	return n
}

func (p *Plan) String() string {
	var b strings.Builder
	place := func(name string, pl *Placement) {
		fmt.Fprintf(&b, "%s %s:", name, pl.Type)
		if pl.ByRef {
			b.WriteString(" byref")
		}
		for _, pc := range pl.Regs {
			fmt.Fprintf(&b, " r%d[%d:%d]", pc.Reg, pc.Offset, pc.Offset+pc.Size)
		}
		if pl.OnStack() {
			fmt.Fprintf(&b, " stack@%d[%d:%d]", pl.StackOff, pl.StackFrom, pl.StackFrom+pl.StackSize)
		}
		b.WriteByte('\n')
	}
	if p.Hidden != nil {
		place("hidden", p.Hidden)
	}
	for i := range p.Args {
		place(fmt.Sprintf("arg%d", i), &p.Args[i])
	}
	fmt.Fprintf(&b, "stack %d\n", p.StackSize)
	return b.String()
}

// PassType returns the type argument i of type t is passed as in a call to
// fn: the parameter type for prototyped parameters, the promoted type for the
// variadic tail and unprototyped calls. Integers narrower than int always
// travel as int.
func PassType(fn *ctype.Type, i int, t *ctype.Type) *ctype.Type {
	if fn.Prototyped && i < len(fn.Params) {
		t = fn.Params[i]
	}
	switch t.Kind {
	case ctype.Char, ctype.SChar, ctype.UChar, ctype.Short, ctype.UShort:
		return ctype.Basic(ctype.Int)
	case ctype.Float:
		if !fn.Prototyped || i >= len(fn.Params) {
			return ctype.Basic(ctype.Double)
		}
	}
	return t
}

type layoutState struct {
	b         *Base
	ni, nf    int
	words     int64
	off       int64
	leadFloat bool
}

// PlanCall runs the layout engine over fn and the argument types. For a
// function's own parameters pass fn.Params.
func (b *Base) PlanCall(fn *ctype.Type, args []*ctype.Type) *Plan {
	if fn.Kind != ctype.Func {
		ice.Fatalf(ice.Contract, "call through non-function type %s", fn)
	}
	if fn.Prototyped && !fn.Variadic && len(args) != len(fn.Params) {
		ice.Fatalf(ice.Contract, "%d arguments for %d parameters", len(args), len(fn.Params))
	}
	st := &layoutState{b: b, leadFloat: true}
	p := &Plan{Fn: fn}

	if b.ReturnInMemory(fn.Return) {
		ptr := ctype.PointerTo(fn.Return)
		switch b.conv.Hidden {
		case HiddenFirstArg:
			h := st.place(ptr, -1, false)
			p.Hidden = &h
		case HiddenStackSlot:
			p.Hidden = &Placement{
				Type: ptr, Index: -1, Size: b.conv.Pointer,
				StackOff: b.conv.HiddenSlot, StackSize: b.conv.Pointer, Home: -1,
			}
		}
	}
	for i, t := range args {
		variadic := fn.Variadic && i >= len(fn.Params)
		p.Args = append(p.Args, st.place(PassType(fn, i, t), i, variadic))
	}

	used := st.off
	if b.conv.Slotted {
		used = st.words * b.conv.SlotSize
	}
	p.StackUsed = used
	p.StackSize = alignTo(max(used, b.conv.MinArgArea), b.conv.StackAlign)
	p.IntUsed, p.FloatUsed, p.Words = st.ni, st.nf, st.words
	return p
}

func (st *layoutState) place(t *ctype.Type, idx int, variadic bool) Placement {
	b := st.b
	pl := Placement{Type: t, Index: idx, Variadic: variadic, StackOff: -1, Home: -1}
	pl.ByRef = (t.IsAggregate() && b.conv.Aggregates == AggByReference) ||
		(t.Kind == ctype.LDouble && b.conv.LongDoubleByReference)
	size, align := b.SizeOf(t), b.AlignOf(t)
	if pl.ByRef {
		size, align = b.conv.Pointer, b.conv.Pointer
	}
	pl.Size = size

	if b.conv.Slotted {
		st.slotted(&pl, size, align)
	} else {
		st.counted(&pl, size, align)
	}
	return pl
}

func (st *layoutState) slotted(pl *Placement, size, align int64) {
	b := st.b
	slot := b.conv.SlotSize
	if b.conv.AlignPairs && align >= 2*slot {
		st.words = alignTo(st.words, 2)
	}
	nwords := (size + slot - 1) / slot
	pl.Home = b.conv.ArgAreaBase + st.words*slot
	defer func() { st.words += nwords }()

	floating := pl.Type.IsFloating() && !pl.ByRef
	if floating && !b.conv.FloatsInIntRegs && st.leadFloat && !pl.Variadic &&
		st.nf < b.conv.LeadingFloats && st.nf < len(b.floatArgs) {
		r := b.view(b.floatArgs[st.nf], size)
		pl.Regs = []Piece{{Reg: r, Callee: r, Size: size}}
		st.nf++
		return
	}
	st.leadFloat = false
	for w := int64(0); w < nwords; w++ {
		idx := st.words + w
		off := w * slot
		if idx >= int64(len(b.intArgs)) {
			pl.StackOff = pl.Home + off
			pl.StackFrom = off
			pl.StackSize = size - off
			return
		}
		n := min(slot, size-off)
		pl.Regs = append(pl.Regs, Piece{
			Reg:    b.view(b.intArgs[idx], n),
			Callee: b.view(b.intArgsCallee[idx], n),
			Offset: off,
			Size:   n,
		})
		st.ni = int(idx) + 1
	}
}

func (st *layoutState) counted(pl *Placement, size, align int64) {
	b := st.b
	t := pl.Type
	switch {
	case pl.ByRef:
		st.intReg(pl, size, align)
	case t.IsAggregate():
		if b.conv.Aggregates == AggClassify && size <= b.conv.SmallAggregate {
			if classes, ok := b.classify(t); ok && st.fits(classes) {
				for k, class := range classes {
					off := int64(k) * 8
					n := min(8, size-off)
					var r reg.ID
					if class == reg.GPR {
						r = b.view(b.intArgs[st.ni], n)
						st.ni++
					} else {
						r = b.floatArgs[st.nf]
						st.nf++
					}
					pl.Regs = append(pl.Regs, Piece{Reg: r, Callee: r, Offset: off, Size: n})
				}
				return
			}
		}
		if b.conv.Aggregates == AggSplit && st.ni < len(b.intArgs) {
			st.split(pl, size, align)
			return
		}
		st.stack(pl, size, align)
	case t.Kind == ctype.LDouble && b.conv.LongDoubleOnStack:
		st.stack(pl, size, align)
	case t.IsFloating() && !b.conv.FloatsInIntRegs:
		if b.IsMultiReg(t) {
			if st.nf+2 <= len(b.floatArgs) {
				half := size / 2
				for i := range 2 {
					r := b.view(b.floatArgs[st.nf+i], half)
					pl.Regs = append(pl.Regs, Piece{Reg: r, Callee: r, Offset: int64(i) * half, Size: half})
				}
				st.nf += 2
				return
			}
			st.nf = len(b.floatArgs)
			st.stack(pl, size, align)
			return
		}
		if st.nf < len(b.floatArgs) {
			r := b.view(b.floatArgs[st.nf], size)
			pl.Regs = []Piece{{Reg: r, Callee: r, Size: size}}
			st.nf++
			return
		}
		st.stack(pl, size, align)
	default:
		st.intReg(pl, size, align)
	}
}

func (st *layoutState) intReg(pl *Placement, size, align int64) {
	b := st.b
	n := len(b.intArgs)
	if !pl.ByRef && b.IsMultiReg(pl.Type) {
		if b.conv.AlignPairs {
			st.ni = int(alignTo(int64(st.ni), 2))
		}
		if st.ni+2 <= n {
			half := size / 2
			for i := range 2 {
				pl.Regs = append(pl.Regs, Piece{
					Reg:    b.view(b.intArgs[st.ni+i], half),
					Callee: b.view(b.intArgsCallee[st.ni+i], half),
					Offset: int64(i) * half,
					Size:   half,
				})
			}
			st.ni += 2
			return
		}
		if b.conv.PairsExhaustIntRegs {
			st.ni = n
		}
		st.stack(pl, size, align)
		return
	}
	if st.ni < n {
		pl.Regs = []Piece{{
			Reg:    b.view(b.intArgs[st.ni], size),
			Callee: b.view(b.intArgsCallee[st.ni], size),
			Size:   size,
		}}
		st.ni++
		return
	}
	st.stack(pl, size, align)
}

// split passes an aggregate word by word in the remaining integer registers
// and whatever does not fit on the stack.
func (st *layoutState) split(pl *Placement, size, align int64) {
	b := st.b
	word := b.conv.SlotSize
	for off := int64(0); off < size; off += word {
		if st.ni >= len(b.intArgs) {
			st.stack(pl, size-off, align)
			pl.StackFrom = off
			return
		}
		n := min(word, size-off)
		pl.Regs = append(pl.Regs, Piece{
			Reg:    b.view(b.intArgs[st.ni], n),
			Callee: b.view(b.intArgsCallee[st.ni], n),
			Offset: off,
			Size:   n,
		})
		st.ni++
	}
}

func (st *layoutState) fits(classes []reg.Class) bool {
	ni, nf := st.ni, st.nf
	for _, c := range classes {
		if c == reg.GPR {
			ni++
		} else {
			nf++
		}
	}
	return ni <= len(st.b.intArgs) && nf <= len(st.b.floatArgs)
}

func (st *layoutState) stack(pl *Placement, size, align int64) {
	c := st.b.conv
	a := min(max(c.SlotSize, align), c.MaxArgAlign)
	st.off = alignTo(st.off, a)
	pl.StackOff = c.ArgAreaBase + st.off
	pl.StackFrom = 0
	pl.StackSize = size
	st.off += alignTo(size, c.SlotSize)
}

// classify assigns every eightbyte of a small aggregate to the general or
// the floating register file. It fails for aggregates holding long double.
func (b *Base) classify(t *ctype.Type) ([]reg.Class, bool) {
	size := b.SizeOf(t)
	n := (size + 7) / 8
	classes := make([]reg.Class, n)
	for k := range n {
		class := reg.FPR
		for _, s := range t.ScalarsIn(b, k*8, 8) {
			switch {
			case s.Kind == ctype.LDouble:
				return nil, false
			case !s.IsFloating():
				class = reg.GPR
			}
		}
		classes[k] = class
	}
	return classes, true
}

// ReturnInMemory reports whether values of t are returned through a hidden
// pointer.
func (b *Base) ReturnInMemory(t *ctype.Type) bool {
	if t.IsVoid() || !t.IsAggregate() {
		return false
	}
	if b.conv.Aggregates == AggClassify && b.SizeOf(t) <= b.conv.SmallAggregate {
		_, ok := b.classify(t)
		return !ok
	}
	return true
}

// ReturnRegs lists the caller's return registers for t.
func (b *Base) ReturnRegs(t *ctype.Type) []reg.ID {
	var out []reg.ID
	for _, p := range b.returnPieces(t, false) {
		out = append(out, p.Reg)
	}
	return out
}

// returnPieces describes how a value of t comes back, in the caller's or the
// callee's view.
func (b *Base) returnPieces(t *ctype.Type, callee bool) []Piece {
	intRet := b.intRet
	if callee {
		intRet = b.intRetCallee
	}
	if t.IsVoid() {
		return nil
	}
	if b.ReturnInMemory(t) {
		if !b.conv.ReturnsHiddenPointer {
			return nil
		}
		r := b.view(intRet[0], b.conv.Pointer)
		return []Piece{{Reg: r, Callee: r, Size: b.conv.Pointer}}
	}
	size := b.SizeOf(t)
	one := func(r reg.ID, off, n int64) Piece {
		r = b.view(r, n)
		return Piece{Reg: r, Callee: r, Offset: off, Size: n}
	}
	switch {
	case t.IsAggregate():
		classes, _ := b.classify(t)
		var out []Piece
		gi, fi := 0, 0
		for k, class := range classes {
			off := int64(k) * 8
			n := min(8, size-off)
			if class == reg.GPR {
				out = append(out, one(intRet[gi], off, n))
				gi++
			} else {
				out = append(out, Piece{Reg: b.floatRet[fi], Callee: b.floatRet[fi], Offset: off, Size: n})
				fi++
			}
		}
		return out
	case t.Kind == ctype.LDouble && b.ldRet != reg.None:
		return []Piece{{Reg: b.ldRet, Callee: b.ldRet, Size: size}}
	case t.IsFloating() && b.IsMultiReg(t):
		return []Piece{one(b.floatRet[0], 0, size/2), one(b.floatRet[1], size/2, size/2)}
	case t.IsFloating():
		return []Piece{one(b.floatRet[0], 0, size)}
	case b.IsMultiReg(t):
		return []Piece{one(intRet[0], 0, size/2), one(intRet[1], size/2, size/2)}
	}
	return []Piece{one(intRet[0], 0, size)}
}

func alignTo(v, a int64) int64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}
