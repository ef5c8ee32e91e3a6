package abi

import (
	"fmt"

	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/reg"
)

// Base implements ABI for any Convention. Architecture packages build one
// from their register table and convention and register it.
type Base struct {
	arch arch.Architecture
	conv *Convention
	set  *reg.Set

	intArgs       []reg.ID
	intArgsCallee []reg.ID
	floatArgs     []reg.ID
	intRet        []reg.ID
	intRetCallee  []reg.ID
	floatRet      []reg.ID
	ldRet         reg.ID
	vecCount      reg.ID
	pic           reg.ID
}

var _ ABI = (*Base)(nil)

// New resolves conv against set. It panics on names missing from the
// register table.
func New(a arch.Architecture, set *reg.Set, conv *Convention) *Base {
	if conv.SlotSize <= 0 || conv.Pointer <= 0 {
		panic(fmt.Sprintf("abi: convention %q needs a slot and pointer size", conv.Name))
	}
	b := &Base{
		arch:          a,
		conv:          conv,
		set:           set,
		intArgs:       set.MustLookupAll(conv.IntArgs...),
		intArgsCallee: set.MustLookupAll(conv.IntArgsCallee...),
		floatArgs:     set.MustLookupAll(conv.FloatArgs...),
		intRet:        set.MustLookupAll(conv.IntReturn...),
		intRetCallee:  set.MustLookupAll(conv.IntReturnCallee...),
		floatRet:      set.MustLookupAll(conv.FloatReturn...),
		ldRet:         lookupOrNone(set, conv.LongDoubleReturn),
		vecCount:      lookupOrNone(set, conv.VectorCount),
		pic:           lookupOrNone(set, conv.PIC),
	}
	if len(b.intArgsCallee) == 0 {
		b.intArgsCallee = b.intArgs
	}
	if len(b.intRetCallee) == 0 {
		b.intRetCallee = b.intRet
	}
	if len(b.intArgsCallee) != len(b.intArgs) {
		panic(fmt.Sprintf("abi: convention %q has mismatched argument register views", conv.Name))
	}
	for _, k := range []ctype.Kind{ctype.Char, ctype.Short, ctype.Int, ctype.Long, ctype.LLong, ctype.Float, ctype.Double, ctype.LDouble} {
		if _, ok := conv.Sizes[k]; !ok {
			panic(fmt.Sprintf("abi: convention %q has no size for %s", conv.Name, k))
		}
	}
	return b
}

func lookupOrNone(set *reg.Set, name string) reg.ID {
	if name == "" {
		return reg.None
	}
	return set.MustLookup(name)
}

func (b *Base) Arch() arch.Architecture { return b.arch }
func (b *Base) Convention() *Convention { return b.conv }
func (b *Base) Registers() *reg.Set     { return b.set }
func (b *Base) PointerSize() int64      { return b.conv.Pointer }
func (b *Base) BigEndian() bool         { return b.conv.BigEndian }
func (b *Base) PICBase() reg.ID         { return b.pic }

func (b *Base) scalar(t *ctype.Type) SizeAlign {
	k := t.Kind
	switch k {
	case ctype.SChar, ctype.UChar:
		k = ctype.Char
	case ctype.UShort:
		k = ctype.Short
	case ctype.UInt:
		k = ctype.Int
	case ctype.ULong:
		k = ctype.Long
	case ctype.ULLong:
		k = ctype.LLong
	case ctype.Pointer:
		return SizeAlign{b.conv.Pointer, b.conv.Pointer}
	}
	sa, ok := b.conv.Sizes[k]
	if !ok {
		ice.Fatalf(ice.Unimplemented, "%s has no size on %s", t, b.arch)
	}
	return sa
}

func (b *Base) SizeOf(t *ctype.Type) int64 {
	switch t.Kind {
	case ctype.Struct, ctype.Union:
		return t.Size
	case ctype.Array:
		return t.Len * b.SizeOf(t.Elem)
	case ctype.Void, ctype.Func:
		ice.Fatalf(ice.Contract, "size of %s", t)
	}
	return b.scalar(t).Size
}

func (b *Base) AlignOf(t *ctype.Type) int64 {
	switch t.Kind {
	case ctype.Struct, ctype.Union:
		return max(t.Align, 1)
	case ctype.Array:
		return b.AlignOf(t.Elem)
	case ctype.Void, ctype.Func:
		ice.Fatalf(ice.Contract, "alignment of %s", t)
	}
	return b.scalar(t).Align
}

func (b *Base) IsMultiReg(t *ctype.Type) bool {
	switch {
	case t.IsInteger():
		return b.conv.Int64Pair && b.SizeOf(t) == 8
	case t.Kind == ctype.LDouble:
		return b.conv.LongDoublePair
	}
	return false
}

// Candidates returns the allocatable registers of class and exactly size,
// or failing that the allocatable undivided registers wider than size.
func (b *Base) Candidates(class reg.Class, size int64) []reg.ID {
	if b.conv.Candidates != nil {
		return b.conv.Candidates(b.set, class, size)
	}
	return DefaultCandidates(b.set, class, size)
}

func DefaultCandidates(set *reg.Set, class reg.Class, size int64) []reg.ID {
	exact := set.Filter(func(_ reg.ID, d *reg.Desc) bool {
		return d.Allocatable && d.Class == class && d.Size == size
	})
	if len(exact) > 0 {
		return exact
	}
	return set.Filter(func(id reg.ID, d *reg.Desc) bool {
		return d.Allocatable && d.Class == class && d.Size > size && len(set.Children(id)) == 0
	})
}

func (b *Base) ExclusiveFloat(size int64) bool {
	return b.conv.ExclusiveFloatSize != 0 && size == b.conv.ExclusiveFloatSize
}

func (b *Base) FrameLayout(f *frame.Frame) frame.Layout {
	l := frame.Layout{Direction: b.conv.Direction, StackAlign: b.conv.StackAlign}
	if b.conv.Preallocated {
		out := f.Outgoing()
		if b.conv.AlwaysReserve {
			out = max(out, b.conv.MinArgArea)
		}
		l.Bias = b.conv.ArgAreaBase + out
	}
	return l
}

// view returns the part of r that holds size bytes.
func (b *Base) view(r reg.ID, size int64) reg.ID {
	if v := b.set.View(r, size); v != reg.None {
		return v
	}
	return r
}
