// Package sim executes an icode list over a byte-level model of the register
// file and memory. It does not model arithmetic; it exists to check that
// values survive the moves, spills and reloads the allocation core emits.
//
// Register contents are kept in memory byte order: a load of n bytes fills the
// first n bytes of the destination view and a store of n bytes writes them
// back unchanged.
package sim

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/reg"
)

const regionStride = 1 << 20

type region struct {
	base uint64
	data []byte
}

// CallRecord captures machine state at a call instruction.
type CallRecord struct {
	Target   icode.Operand
	Args     []byte
	ArgBytes int64
	Regs     map[reg.ID][]byte
}

// Machine is a simulated target.
type Machine struct {
	set       *reg.Set
	order     binary.ByteOrder
	regs      map[reg.ID][]byte
	blocks    map[*frame.Block]*region
	syms      map[string]*region
	args      *region
	regions   []*region
	argWrites int64

	Calls []CallRecord
	// OnCall runs after a call has been recorded. The default scrambles
	// every register that is neither dedicated nor callee-saved.
	OnCall func(m *Machine, target icode.Operand)
}

func New(set *reg.Set, bigEndian bool) *Machine {
	m := &Machine{
		set:    set,
		order:  binary.LittleEndian,
		regs:   make(map[reg.ID][]byte),
		blocks: make(map[*frame.Block]*region),
		syms:   make(map[string]*region),
	}
	if bigEndian {
		m.order = binary.BigEndian
	}
	m.args = m.newRegion(0)
	m.OnCall = func(m *Machine, _ icode.Operand) { m.Clobber() }
	return m
}

func (m *Machine) newRegion(size int64) *region {
	r := &region{base: uint64(len(m.regions)+1) * regionStride, data: make([]byte, size)}
	m.regions = append(m.regions, r)
	return r
}

func (r *region) span(off, n int64) []byte {
	if off < 0 || off+n > regionStride {
		panic(fmt.Sprintf("sim: access [%d,%d) out of range", off, off+n))
	}
	if need := off + n; need > int64(len(r.data)) {
		r.data = append(r.data, make([]byte, need-int64(len(r.data)))...)
	}
	return r.data[off : off+n]
}

func (m *Machine) block(b *frame.Block) *region {
	r, ok := m.blocks[b]
	if !ok {
		r = m.newRegion(b.Size)
		m.blocks[b] = r
	}
	return r
}

func (m *Machine) sym(name string) *region {
	r, ok := m.syms[name]
	if !ok {
		r = m.newRegion(0)
		m.syms[name] = r
	}
	return r
}

// Block returns the current contents of a frame block.
func (m *Machine) Block(b *frame.Block) []byte {
	r := m.block(b)
	return r.span(0, b.Size)
}

// SetBlock preloads a frame block.
func (m *Machine) SetBlock(b *frame.Block, data []byte) {
	copy(m.block(b).span(0, int64(len(data))), data)
}

// Sym returns n bytes of a global.
func (m *Machine) Sym(name string, n int64) []byte {
	return m.sym(name).span(0, n)
}

func (m *Machine) SetSym(name string, data []byte) {
	copy(m.sym(name).span(0, int64(len(data))), data)
}

// Reg returns the bytes currently held by a register view.
func (m *Machine) Reg(id reg.ID) []byte {
	top := m.set.Topmost(id)
	buf, ok := m.regs[top]
	if !ok {
		buf = make([]byte, m.set.Get(top).Size)
		m.regs[top] = buf
	}
	off := m.set.AbsOffset(id)
	return buf[off : off+m.set.Get(id).Size]
}

// SetReg preloads a register view.
func (m *Machine) SetReg(id reg.ID, data []byte) {
	copy(m.Reg(id), data)
}

// Clobber overwrites every caller-saved register with a marker pattern.
func (m *Machine) Clobber() {
	for i := 0; i < m.set.Len(); i++ {
		id := reg.ID(i)
		d := m.set.Get(id)
		if m.set.Parent(id) != reg.None || d.Dedicated || d.CalleeSaved {
			continue
		}
		buf := m.Reg(id)
		for j := range buf {
			buf[j] = 0xAA
		}
	}
}

// ArgBytesWritten is the number of bytes stored into the outgoing argument
// area since the previous call.
func (m *Machine) ArgBytesWritten() int64 { return m.argWrites }

func (m *Machine) resolve(op icode.Operand, n int64) []byte {
	switch o := op.(type) {
	case icode.Mem:
		if o.Block != nil {
			return m.block(o.Block).span(o.Offset, n)
		}
		addr := m.readUint(m.Reg(o.Base)) + uint64(o.Offset)
		return m.at(addr, n)
	case icode.Sym:
		return m.sym(o.Name).span(o.Offset, n)
	case icode.Arg:
		return m.args.span(o.Offset, n)
	}
	panic(fmt.Sprintf("sim: operand %T is not memory", op))
}

// Deref returns n bytes at the address held in ptr.
func (m *Machine) Deref(ptr []byte, n int64) []byte {
	return m.at(m.readUint(ptr), n)
}

func (m *Machine) at(addr uint64, n int64) []byte {
	idx := int(addr/regionStride) - 1
	if idx < 0 || idx >= len(m.regions) {
		panic(fmt.Sprintf("sim: wild pointer %#x", addr))
	}
	r := m.regions[idx]
	return r.span(int64(addr-r.base), n)
}

func (m *Machine) addressOf(op icode.Operand) uint64 {
	switch o := op.(type) {
	case icode.Mem:
		if o.Block != nil {
			return m.block(o.Block).base + uint64(o.Offset)
		}
		return m.readUint(m.Reg(o.Base)) + uint64(o.Offset)
	case icode.Sym:
		return m.sym(o.Name).base + uint64(o.Offset)
	case icode.Arg:
		return m.args.base + uint64(o.Offset)
	}
	panic(fmt.Sprintf("sim: cannot take the address of %T", op))
}

func (m *Machine) readUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(m.order.Uint16(b))
	case 4:
		return uint64(m.order.Uint32(b))
	}
	return m.order.Uint64(b[:8])
}

func (m *Machine) writeUint(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		m.order.PutUint16(b, uint16(v))
	case 4:
		m.order.PutUint32(b, uint32(v))
	default:
		for i := range b {
			b[i] = 0
		}
		m.order.PutUint64(b[:8], v)
	}
}

// Encode renders an immediate of size n the way LoadImm places it.
func (m *Machine) Encode(bits uint64, n int64) []byte {
	b := make([]byte, n)
	m.writeUint(b, bits)
	return b
}

// Run executes l until it returns or runs out of instructions.
func (m *Machine) Run(l *icode.List) {
	for _, in := range l.Instrs {
		if in.Op == icode.OpReturn {
			return
		}
		m.Step(in)
	}
}

// Step executes one instruction.
func (m *Machine) Step(in icode.Instr) {
	switch in.Op {
	case icode.OpHeader, icode.OpIntro, icode.OpOutro, icode.OpComment, icode.OpReturn:
	case icode.OpLoad:
		dst := m.Reg(in.Dst.(icode.Reg).ID)
		clear(dst)
		copy(dst, m.resolve(in.Src, in.Size))
	case icode.OpLoadImm:
		dst := m.Reg(in.Dst.(icode.Reg).ID)
		clear(dst)
		n := in.Size
		if n > int64(len(dst)) {
			n = int64(len(dst))
		}
		m.writeUint(dst[:n], in.Src.(icode.Imm).Bits)
	case icode.OpLoadAddr:
		m.writeUint(m.Reg(in.Dst.(icode.Reg).ID), m.addressOf(in.Src))
	case icode.OpStore:
		src := m.Reg(in.Src.(icode.Reg).ID)
		dst := m.resolve(in.Dst, in.Size)
		copy(dst, src[:min(in.Size, int64(len(src)))])
		if _, ok := in.Dst.(icode.Arg); ok {
			m.argWrites += in.Size
		}
	case icode.OpMove:
		src := m.Reg(in.Src.(icode.Reg).ID)
		src = append([]byte(nil), src[:min(in.Size, int64(len(src)))]...)
		dst := m.Reg(in.Dst.(icode.Reg).ID)
		clear(dst)
		copy(dst, src)
	case icode.OpConvert:
		m.convert(in)
	case icode.OpCopyBlock:
		src := append([]byte(nil), m.resolve(in.Src, in.Size)...)
		copy(m.resolve(in.Dst, in.Size), src)
		if _, ok := in.Dst.(icode.Arg); ok {
			m.argWrites += in.Size
		}
	case icode.OpAllocStack:
		m.args.data = make([]byte, in.Size)
	case icode.OpFreeStack:
	case icode.OpCall:
		rec := CallRecord{
			Target:   in.Src,
			Args:     append([]byte(nil), m.args.data...),
			ArgBytes: m.argWrites,
			Regs:     make(map[reg.ID][]byte, len(m.regs)),
		}
		for id, buf := range m.regs {
			rec.Regs[id] = append([]byte(nil), buf...)
		}
		m.Calls = append(m.Calls, rec)
		m.argWrites = 0
		if m.OnCall != nil {
			m.OnCall(m, in.Src)
		}
	default:
		panic(fmt.Sprintf("sim: unsupported op %s", in.Op))
	}
}

func (m *Machine) convert(in icode.Instr) {
	c := in.Conv
	src := m.Reg(in.Src.(icode.Reg).ID)[:c.FromSize]
	dst := m.Reg(in.Dst.(icode.Reg).ID)

	var f float64
	var i int64
	isFloat := c.From.IsFloating()
	switch {
	case isFloat && c.FromSize == 4:
		f = float64(math.Float32frombits(uint32(m.readUint(src))))
	case isFloat:
		f = math.Float64frombits(m.readUint(src[:8]))
	default:
		u := m.readUint(src)
		if c.From.IsSigned() {
			shift := 64 - 8*uint(c.FromSize)
			i = int64(u<<shift) >> shift
		} else {
			i = int64(u)
		}
		f = float64(i)
	}

	out := make([]byte, c.ToSize)
	switch {
	case c.To.IsFloating() && c.ToSize == 4:
		m.writeUint(out, uint64(math.Float32bits(float32(f))))
	case c.To.IsFloating():
		m.writeUint(out[:8], math.Float64bits(f))
	case isFloat:
		m.writeUint(out, uint64(int64(f)))
	case c.High:
		m.writeUint(out, uint64(i>>(8*uint(c.ToSize))))
	default:
		m.writeUint(out, uint64(i))
	}
	clear(dst)
	copy(dst, out)
}

// FloatBits returns the immediate bits LoadImm expects for v as type t.
func FloatBits(t *ctype.Type, size int64, v float64) uint64 {
	if t.IsFloating() && size == 4 {
		return uint64(math.Float32bits(float32(v)))
	}
	return math.Float64bits(v)
}
