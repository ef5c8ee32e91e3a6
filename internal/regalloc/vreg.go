package regalloc

import (
	"fmt"

	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/reg"
)

// Var is a named variable a value can be backed by. Globals are addressed by
// symbol, everything else lives in a frame block. Offset locates the value
// inside the block, as for a narrow parameter in a big-endian word slot.
type Var struct {
	Name   string
	Block  *frame.Block
	Offset int64
	Global bool
}

// Const is an immediate. Bits holds the integer value or the IEEE bits of a
// floating value; Str names a string literal in the constant pool.
type Const struct {
	Bits uint64
	Str  string
}

// VReg is a virtual value. It is backed by at most one of Var, Const, From
// (the value obtained by dereferencing From) or Parent (a member of an
// aggregate), or by nothing at all when it is an anonymous temporary. Spill is
// the stack slot an anonymous temporary was saved to when it was evicted.
type VReg struct {
	Type *ctype.Type
	Size int64

	Var          *Var
	Const        *Const
	From         *VReg
	Parent       *VReg
	MemberOffset int64

	// Regs holds the bound registers. Regs[i] carries bytes
	// [i*Size/2, (i+1)*Size/2) of the value in memory order when the value
	// spans two registers.
	Regs  [2]reg.ID
	Spill *frame.Block
	wide  bool
}

func newVReg(t Target, typ *ctype.Type) *VReg {
	return &VReg{
		Type: typ,
		Size: t.SizeOf(typ),
		Regs: [2]reg.ID{reg.None, reg.None},
		wide: t.IsMultiReg(typ),
	}
}

// NewVar returns a value backed by v.
func NewVar(t Target, typ *ctype.Type, v *Var) *VReg {
	r := newVReg(t, typ)
	r.Var = v
	return r
}

// NewConst returns an integer constant.
func NewConst(t Target, typ *ctype.Type, value int64) *VReg {
	r := newVReg(t, typ)
	r.Const = &Const{Bits: uint64(value)}
	return r
}

// NewFloatConst returns a floating constant; bits are the IEEE bits in the
// width of typ.
func NewFloatConst(t Target, typ *ctype.Type, bits uint64) *VReg {
	r := newVReg(t, typ)
	r.Const = &Const{Bits: bits}
	return r
}

// NewStringConst returns the address of a string literal.
func NewStringConst(t Target, label string) *VReg {
	r := newVReg(t, ctype.PointerTo(ctype.Basic(ctype.Char)))
	r.Const = &Const{Str: label}
	return r
}

// NewDeref returns *ptr.
func NewDeref(t Target, ptr *VReg) *VReg {
	if ptr.Type.Kind != ctype.Pointer {
		panic(fmt.Sprintf("regalloc: dereference of non-pointer %s", ptr.Type))
	}
	r := newVReg(t, ptr.Type.Elem)
	r.From = ptr
	return r
}

// NewMember returns the member of aggregate parent at offset.
func NewMember(t Target, parent *VReg, typ *ctype.Type, offset int64) *VReg {
	r := newVReg(t, typ)
	r.Parent = parent
	r.MemberOffset = offset
	return r
}

// NewAnon returns an anonymous temporary.
func NewAnon(t Target, typ *ctype.Type) *VReg {
	return newVReg(t, typ)
}

// Backed reports whether the value can be reloaded without a spill.
func (v *VReg) Backed() bool {
	return v.Var != nil || v.Const != nil || v.From != nil || v.Parent != nil || v.Spill != nil
}

// Bound reports whether the value is register resident.
func (v *VReg) Bound() bool { return v.Regs[0] != reg.None }

// Wide reports whether the value spans two registers.
func (v *VReg) Wide() bool { return v.wide }

func (v *VReg) half() int64 {
	if v.wide {
		return v.Size / 2
	}
	return v.Size
}

func (v *VReg) regs() []reg.ID {
	if v.wide {
		return v.Regs[:]
	}
	return v.Regs[:1]
}

func (v *VReg) String() string {
	switch {
	case v.Var != nil:
		return v.Var.Name
	case v.Const != nil && v.Const.Str != "":
		return v.Const.Str
	case v.Const != nil:
		return fmt.Sprintf("$%#x", v.Const.Bits)
	case v.From != nil:
		return "*" + v.From.String()
	case v.Parent != nil:
		return fmt.Sprintf("%s+%d", v.Parent, v.MemberOffset)
	case v.Spill != nil:
		return "spill" + v.Spill.String()
	}
	return fmt.Sprintf("tmp(%s)", v.Type)
}
