// Package frame implements the per-function stack block allocator.
//
// Blocks are handed out by bumping a running total. Their offsets stay
// provisional until Finalize rewrites them once, because on most targets the
// final frame size is only known after every block has been requested.
package frame

import (
	"fmt"
	"sort"

	"github.com/tinyrange/ccabi/internal/reg"
)

// Direction selects how Finalize turns provisional offsets into addresses.
type Direction int

const (
	// FramePointerDown addresses blocks below the frame pointer: -Offset.
	FramePointerDown Direction = iota
	// StackPointerUp addresses blocks above the stack pointer:
	// Bias + Total - Offset.
	StackPointerUp
)

// Layout carries the target facts Finalize needs.
type Layout struct {
	Direction  Direction
	Bias       int64
	StackAlign int64
}

// Block is a region of the frame. For locals Offset is provisional and
// measures the block's end from the frame base; for incoming arguments it is
// already the final address relative to the incoming argument pointer.
type Block struct {
	Offset int64
	Size   int64
	Align  int64
	Final  int64

	// Arg marks an incoming argument slot. Finalize leaves those alone.
	Arg bool
	// FromReg names the register the block was filled from, or reg.None.
	FromReg reg.ID
	Name    string

	free bool
}

func (b *Block) String() string {
	kind := "local"
	if b.Arg {
		kind = "arg"
	}
	if b.Name != "" {
		return fmt.Sprintf("%s:%s[%d@%d]", kind, b.Name, b.Size, b.Offset)
	}
	return fmt.Sprintf("%s[%d@%d]", kind, b.Size, b.Offset)
}

// Frame is the stack bookkeeping of one function under generation.
type Frame struct {
	total     int64
	outgoing  int64
	blocks    []*Block
	free      []*Block
	allocas   []*Block
	vlas      []*Block
	saved     []uint64
	finalized bool
	layout    Layout
}

func New() *Frame {
	return &Frame{}
}

// Total is the running number of bytes handed out so far.
func (f *Frame) Total() int64 { return f.total }

func (f *Frame) Finalized() bool { return f.finalized }

// Layout returns the layout Finalize was called with.
func (f *Frame) Layout() Layout { return f.layout }

// Allocate returns a block of size bytes aligned to the size rounded up to a
// power of two, capped at 16.
func (f *Frame) Allocate(size int64) *Block {
	return f.AllocateAligned(size, naturalAlign(size))
}

// AllocateAligned returns a block of at least size bytes whose address is a
// multiple of align once the frame is finalized. Free blocks are reused,
// smallest sufficient first.
func (f *Frame) AllocateAligned(size, align int64) *Block {
	if f.finalized {
		panic("frame: allocation after finalize")
	}
	if size <= 0 {
		size = 1
	}
	if align <= 0 {
		align = 1
	}
	if b := f.reuse(size, align); b != nil {
		return b
	}
	f.total = alignTo(f.total+size, align)
	b := &Block{Offset: f.total, Size: size, Align: align, FromReg: reg.None}
	f.blocks = append(f.blocks, b)
	return b
}

func (f *Frame) reuse(size, align int64) *Block {
	best := -1
	for i, b := range f.free {
		if b.Size < size || b.Offset%align != 0 {
			continue
		}
		if best < 0 || b.Size < f.free[best].Size {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	b := f.free[best]
	f.free = append(f.free[:best], f.free[best+1:]...)
	b.free = false
	if align > b.Align {
		b.Align = align
	}
	b.FromReg = reg.None
	b.Name = ""
	return b
}

// Free hands b back for reuse inside the same function.
func (f *Frame) Free(b *Block) {
	if b == nil || b.Arg {
		return
	}
	if b.free {
		panic(fmt.Sprintf("frame: double free of %s", b))
	}
	b.free = true
	f.free = append(f.free, b)
}

// Align pads the running total to boundary. Repeating it is a no-op.
func (f *Frame) Align(boundary int64) {
	if f.finalized {
		panic("frame: align after finalize")
	}
	f.total = alignTo(f.total, boundary)
}

// NewArgBlock records an incoming argument slot at its final offset.
func (f *Frame) NewArgBlock(offset, size int64) *Block {
	b := &Block{Offset: offset, Final: offset, Size: size, Align: 1, Arg: true, FromReg: reg.None}
	f.blocks = append(f.blocks, b)
	return b
}

// AddAlloca allocates 16-byte aligned metadata for a dynamic allocation.
func (f *Frame) AddAlloca(size int64) *Block {
	f.Align(16)
	b := f.AllocateAligned(size, 16)
	f.allocas = append(f.allocas, b)
	return b
}

// AddVLA allocates 16-byte aligned metadata for a variable-length array.
func (f *Frame) AddVLA(size int64) *Block {
	f.Align(16)
	b := f.AllocateAligned(size, 16)
	f.vlas = append(f.vlas, b)
	return b
}

func (f *Frame) Allocas() []*Block { return f.allocas }
func (f *Frame) VLAs() []*Block    { return f.vlas }

// ReserveOutgoing records that some call needs n bytes of outgoing argument
// space; targets that preallocate that area size it from the maximum.
func (f *Frame) ReserveOutgoing(n int64) {
	if n > f.outgoing {
		f.outgoing = n
	}
}

func (f *Frame) Outgoing() int64 { return f.outgoing }

// MarkCalleeSaved records that the register with the given topmost id was
// used and has to be preserved.
func (f *Frame) MarkCalleeSaved(id reg.ID) {
	word := int(id) / 64
	for len(f.saved) <= word {
		f.saved = append(f.saved, 0)
	}
	f.saved[word] |= 1 << (uint(id) % 64)
}

// CalleeSaved lists the recorded callee-saved registers in id order.
func (f *Frame) CalleeSaved() []reg.ID {
	var out []reg.ID
	for w, bits := range f.saved {
		for i := 0; i < 64; i++ {
			if bits&(1<<uint(i)) != 0 {
				out = append(out, reg.ID(w*64+i))
			}
		}
	}
	return out
}

// Blocks returns every block ever handed out, arguments included.
func (f *Frame) Blocks() []*Block { return f.blocks }

// Finalize rounds the frame to the stack alignment and rewrites every local
// block to its final address. It runs exactly once per function.
func (f *Frame) Finalize(l Layout) int64 {
	if f.finalized {
		panic("frame: finalize called twice")
	}
	if l.StackAlign <= 0 {
		l.StackAlign = 16
	}
	l.Bias = alignTo(l.Bias, l.StackAlign)
	f.total = alignTo(f.total, l.StackAlign)
	f.layout = l
	f.finalized = true

	for _, b := range f.blocks {
		if b.Arg {
			continue
		}
		switch l.Direction {
		case FramePointerDown:
			b.Final = -b.Offset
		case StackPointerUp:
			b.Final = l.Bias + f.total - b.Offset
		}
	}
	return f.total
}

// Size is the finalized frame size including the bias area.
func (f *Frame) Size() int64 {
	if !f.finalized {
		panic("frame: size requested before finalize")
	}
	return f.layout.Bias + f.total
}

// Overlaps reports whether two local blocks share bytes.
func Overlaps(a, b *Block) bool {
	return a.Offset-a.Size < b.Offset && b.Offset-b.Size < a.Offset
}

// Locals returns the non-argument blocks sorted by provisional offset.
func (f *Frame) Locals() []*Block {
	var out []*Block
	for _, b := range f.blocks {
		if !b.Arg {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

func naturalAlign(size int64) int64 {
	a := int64(1)
	for a < size && a < 16 {
		a <<= 1
	}
	return a
}

func alignTo(value, boundary int64) int64 {
	if boundary <= 1 {
		return value
	}
	mask := boundary - 1
	return (value + mask) &^ mask
}
