package icode

import (
	"fmt"

	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/reg"
)

type Op int

const (
	OpHeader Op = iota
	OpIntro
	OpOutro
	OpLoad
	OpLoadImm
	OpLoadAddr
	OpStore
	OpMove
	OpConvert
	OpCopyBlock
	OpAllocStack
	OpFreeStack
	OpCall
	OpReturn
	OpComment
)

var opNames = [...]string{
	OpHeader:     "header",
	OpIntro:      "intro",
	OpOutro:      "outro",
	OpLoad:       "load",
	OpLoadImm:    "loadimm",
	OpLoadAddr:   "loadaddr",
	OpStore:      "store",
	OpMove:       "move",
	OpConvert:    "convert",
	OpCopyBlock:  "copyblock",
	OpAllocStack: "allocstack",
	OpFreeStack:  "freestack",
	OpCall:       "call",
	OpReturn:     "ret",
	OpComment:    "comment",
}

// ParseOp returns the Op printed as name.
func ParseOp(name string) (Op, bool) {
	for i, n := range opNames {
		if n == name {
			return Op(i), true
		}
	}
	return 0, false
}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Instr is one machine-structured instruction.
type Instr struct {
	Op   Op
	Dst  Operand
	Src  Operand
	Size int64
	Conv Conv

	// Frame is set on intro and outro; its size is only final once the
	// function has been finished.
	Frame *frame.Frame
	Text  string
}

// List records instructions. It is the default Emitter.
type List struct {
	Instrs []Instr
}

var _ Emitter = (*List)(nil)

func NewList() *List { return &List{} }

func (l *List) Len() int { return len(l.Instrs) }

func (l *List) add(in Instr) {
	l.Instrs = append(l.Instrs, in)
}

func (l *List) FunctionHeader(name string) { l.add(Instr{Op: OpHeader, Text: name}) }
func (l *List) Intro(f *frame.Frame)       { l.add(Instr{Op: OpIntro, Frame: f}) }
func (l *List) Outro(f *frame.Frame)       { l.add(Instr{Op: OpOutro, Frame: f}) }

func (l *List) Load(dst reg.ID, src Operand, size int64) {
	l.add(Instr{Op: OpLoad, Dst: Reg{dst}, Src: src, Size: size})
}

func (l *List) LoadImm(dst reg.ID, bits uint64, size int64) {
	l.add(Instr{Op: OpLoadImm, Dst: Reg{dst}, Src: Imm{bits}, Size: size})
}

func (l *List) LoadAddr(dst reg.ID, src Operand) {
	l.add(Instr{Op: OpLoadAddr, Dst: Reg{dst}, Src: src})
}

func (l *List) Store(dst Operand, src reg.ID, size int64) {
	l.add(Instr{Op: OpStore, Dst: dst, Src: Reg{src}, Size: size})
}

func (l *List) Move(dst, src reg.ID, size int64) {
	l.add(Instr{Op: OpMove, Dst: Reg{dst}, Src: Reg{src}, Size: size})
}

func (l *List) Convert(dst, src reg.ID, c Conv) {
	l.add(Instr{Op: OpConvert, Dst: Reg{dst}, Src: Reg{src}, Size: c.ToSize, Conv: c})
}

func (l *List) CopyBlock(dst, src Operand, size int64) {
	l.add(Instr{Op: OpCopyBlock, Dst: dst, Src: src, Size: size})
}

func (l *List) AllocStack(n int64) { l.add(Instr{Op: OpAllocStack, Size: n}) }
func (l *List) FreeStack(n int64)  { l.add(Instr{Op: OpFreeStack, Size: n}) }

func (l *List) Call(target Operand) { l.add(Instr{Op: OpCall, Src: target}) }
func (l *List) Return()             { l.add(Instr{Op: OpReturn}) }
func (l *List) Comment(text string) { l.add(Instr{Op: OpComment, Text: text}) }

// Index returns the position of the first instruction with op, or -1.
func (l *List) Index(op Op) int {
	for i, in := range l.Instrs {
		if in.Op == op {
			return i
		}
	}
	return -1
}

// Count returns the number of instructions with op.
func (l *List) Count(op Op) int {
	n := 0
	for _, in := range l.Instrs {
		if in.Op == op {
			n++
		}
	}
	return n
}
