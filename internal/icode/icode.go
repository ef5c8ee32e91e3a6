// Package icode is the machine-structured instruction list the allocation
// core appends to. Every operand is fully resolved: registers are physical
// register ids and memory is a frame block, a register base or a symbol.
// Turning the list into assembly text belongs to the per-target emitters.
package icode

import (
	"fmt"

	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/reg"
)

type Operand interface {
	isOperand()
}

// Reg is a physical register operand.
type Reg struct {
	ID reg.ID
}

// Mem addresses memory. With a Block it is block relative, otherwise it is
// relative to the Base register.
type Mem struct {
	Block  *frame.Block
	Base   reg.ID
	Offset int64
}

// Sym addresses a named object: a global variable or a constant pool entry.
type Sym struct {
	Name   string
	Offset int64
}

// Arg addresses the outgoing argument area of the call being built.
type Arg struct {
	Offset int64
}

// Imm is an immediate. Floating immediates carry their IEEE bits.
type Imm struct {
	Bits uint64
}

func (Reg) isOperand() {}
func (Mem) isOperand() {}
func (Sym) isOperand() {}
func (Arg) isOperand() {}
func (Imm) isOperand() {}

// BlockMem is shorthand for a block relative memory operand.
func BlockMem(b *frame.Block, off int64) Mem {
	return Mem{Block: b, Base: reg.None, Offset: off}
}

// BaseMem is shorthand for a register relative memory operand.
func BaseMem(base reg.ID, off int64) Mem {
	return Mem{Base: base, Offset: off}
}

// Conv describes a value conversion between two scalar representations.
type Conv struct {
	From     *ctype.Type
	To       *ctype.Type
	FromSize int64
	ToSize   int64
	// High writes the upper ToSize bytes of the integer extended to twice
	// ToSize instead of the lower ones, as cdq fills edx from eax.
	High bool
}

// Emitter is the downstream capability the core drives. It only ever
// receives resolved physical registers.
type Emitter interface {
	FunctionHeader(name string)
	Intro(f *frame.Frame)
	Outro(f *frame.Frame)

	Load(dst reg.ID, src Operand, size int64)
	LoadImm(dst reg.ID, bits uint64, size int64)
	LoadAddr(dst reg.ID, src Operand)
	Store(dst Operand, src reg.ID, size int64)
	Move(dst, src reg.ID, size int64)
	Convert(dst, src reg.ID, c Conv)
	CopyBlock(dst, src Operand, size int64)

	AllocStack(n int64)
	FreeStack(n int64)
	Call(target Operand)
	Return()
	Comment(text string)
}

// Offset displaces a memory operand by off bytes.
func Offset(op Operand, off int64) Operand {
	switch o := op.(type) {
	case Mem:
		o.Offset += off
		return o
	case Sym:
		o.Offset += off
		return o
	case Arg:
		o.Offset += off
		return o
	}
	panic(fmt.Sprintf("icode: operand %T cannot be offset", op))
}
