package regalloc

import (
	"encoding/binary"
	"log/slog"

	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/reg"
)

// Part names a byte range of a value's memory image destined for one
// register.
type Part struct {
	Reg    reg.ID
	Offset int64
	Size   int64
}

// FaultIn makes v register resident and returns its register. With a target
// the value ends up in exactly that register.
func (c *Context) FaultIn(v *VReg, target ...reg.ID) reg.ID {
	if v.wide {
		ice.Fatalf(ice.Contract, "%s spans a register pair", v)
	}
	if len(target) > 0 && target[0] != reg.None {
		return c.faultInTo(v, target[0])
	}
	if v.Bound() {
		return v.Regs[0]
	}
	r := c.Alloc(ClassOf(v.Type), v.Size, reg.None)
	c.Lock(r)
	c.load(v, r, 0)
	c.Unlock(r)
	c.Bind(v, r)
	return r
}

func (c *Context) faultInTo(v *VReg, r reg.ID) reg.ID {
	if v.Regs[0] == r {
		return r
	}
	if c.lockedOverlap(r) {
		ice.Fatalf(ice.Invariant, "fault-in target %s is locked", c.name(r))
	}
	if v.Bound() && c.set.Overlaps(v.Regs[0], r) {
		c.evict(v, true)
	}
	if v.Bound() {
		cur := v.Regs[0]
		c.Lock(cur)
		c.clear(r)
		c.Unlock(cur)
		c.transfer(r, cur, v.Size)
		c.Unbind(v)
	} else {
		c.clear(r)
		c.Lock(r)
		c.load(v, r, 0)
		c.Unlock(r)
	}
	c.take(r)
	c.Bind(v, r)
	return r
}

// FaultInWide makes a pair value resident. lo and hi may be reg.None to let
// the allocator choose.
func (c *Context) FaultInWide(v *VReg, lo, hi reg.ID) (reg.ID, reg.ID) {
	if !v.wide {
		ice.Fatalf(ice.Contract, "%s is not a register pair value", v)
	}
	if v.Bound() && (lo == reg.None || v.Regs[0] == lo) && (hi == reg.None || v.Regs[1] == hi) {
		return v.Regs[0], v.Regs[1]
	}
	if v.Bound() {
		c.evict(v, true)
	}
	class := ClassOf(v.Type)
	half := v.half()
	switch {
	case lo == reg.None && hi == reg.None:
		lo, hi = c.AllocWide(class, half)
	case lo == reg.None:
		c.clear(hi)
		c.Lock(hi)
		lo = c.Alloc(class, half, hi)
		c.Unlock(hi)
	case hi == reg.None:
		c.clear(lo)
		c.Lock(lo)
		hi = c.Alloc(class, half, lo)
		c.Unlock(lo)
	default:
		c.clear(lo)
		c.clear(hi)
		c.take(lo)
		c.take(hi)
	}
	c.Lock(lo)
	c.Lock(hi)
	c.load(v, lo, 0)
	c.load(v, hi, 1)
	c.Unlock(hi)
	c.Unlock(lo)
	c.Bind(v, lo, hi)
	return lo, hi
}

// Disconnect returns a copy of v that holds v's registers but none of its
// backing. v itself stays reloadable from its backing.
func (c *Context) Disconnect(v *VReg) *VReg {
	if !v.Bound() {
		if v.wide {
			c.FaultInWide(v, reg.None, reg.None)
		} else {
			c.FaultIn(v)
		}
	}
	n := &VReg{Type: v.Type, Size: v.Size, Regs: v.Regs, wide: v.wide}
	for _, r := range v.regs() {
		c.owner[r] = n
	}
	v.Regs = [2]reg.ID{reg.None, reg.None}
	delete(c.bound, v)
	c.bound[n] = struct{}{}
	return n
}

// Anonymize strips v of its backing so that the register becomes its only
// home. A value that is not resident is faulted in first.
func (c *Context) Anonymize(v *VReg) {
	if !v.Backed() {
		return
	}
	if !v.Bound() {
		if v.wide {
			c.FaultInWide(v, reg.None, reg.None)
		} else {
			c.FaultIn(v)
		}
	}
	v.Var, v.Const, v.From, v.Parent = nil, nil, nil, nil
	v.MemberOffset = 0
	if v.Spill != nil {
		c.frame.Free(v.Spill)
		v.Spill = nil
	}
}

// Free releases whatever value occupies r or a register overlapping it. With
// storeback an anonymous value is saved to a stack slot first.
func (c *Context) Free(r reg.ID, storeback bool) {
	if c.dedicated(r) {
		ice.Fatalf(ice.Invariant, "free of dedicated register %s", c.name(r))
	}
	for _, o := range c.overlap[r] {
		if v := c.owner[o]; v != nil {
			c.evict(v, storeback)
		}
	}
}

// InvalidateAll evicts every value held in a register that is neither
// dedicated nor locked.
func (c *Context) InvalidateAll(storeback bool) {
	for r, v := range c.owner {
		id := reg.ID(r)
		if v == nil || c.dedicated(id) || c.lockedOverlap(id) {
			continue
		}
		c.evict(v, storeback)
	}
}

// CopyInto places v's value in r without binding it there. The caller locks
// r for as long as it needs the copy.
func (c *Context) CopyInto(v *VReg, r reg.ID) {
	if v.wide {
		ice.Fatalf(ice.Contract, "%s spans a register pair", v)
	}
	c.clear(r)
	if v.Bound() {
		c.transfer(r, v.Regs[0], v.Size)
	} else {
		c.Lock(r)
		c.load(v, r, 0)
		c.Unlock(r)
	}
	c.take(r)
}

// CopyParts loads byte ranges of v's memory image into registers without
// binding them. Register-only values are spilled first so that the image
// exists.
func (c *Context) CopyParts(v *VReg, parts []Part) {
	for _, p := range parts {
		c.clear(p.Reg)
		c.Lock(p.Reg)
	}
	defer func() {
		for _, p := range parts {
			c.Unlock(p.Reg)
		}
	}()

	if v.Const != nil && v.Const.Str == "" {
		img := c.constImage(v)
		for _, p := range parts {
			c.emit.LoadImm(p.Reg, c.decode(img[p.Offset:p.Offset+p.Size]), p.Size)
			c.take(p.Reg)
		}
		return
	}
	if v.Const != nil {
		if len(parts) != 1 {
			ice.Fatalf(ice.Contract, "string address %s split across registers", v.Const.Str)
		}
		c.emit.LoadAddr(parts[0].Reg, icode.Sym{Name: v.Const.Str})
		c.take(parts[0].Reg)
		return
	}
	mem, release := c.Memory(v)
	for _, p := range parts {
		c.emit.Load(p.Reg, icode.Offset(mem, p.Offset), p.Size)
		c.take(p.Reg)
	}
	release()
}

// Memory returns an operand addressing v's memory image. A register-only
// value is spilled to get one. Call release once the operand is no longer
// used.
func (c *Context) Memory(v *VReg) (icode.Operand, func()) {
	switch {
	case v.Var != nil && v.Var.Global:
		return icode.Sym{Name: v.Var.Name}, func() {}
	case v.Var != nil:
		return icode.BlockMem(v.Var.Block, v.Var.Offset), func() {}
	case v.From != nil:
		p := c.FaultIn(v.From)
		c.Lock(p)
		return icode.BaseMem(p, 0), func() { c.Unlock(p) }
	case v.Parent != nil:
		mem, release := c.Memory(v.Parent)
		return icode.Offset(mem, v.MemberOffset), release
	case v.Const != nil:
		ice.Fatalf(ice.Contract, "constant %s has no memory image", v)
	}
	if v.Spill == nil || v.Bound() {
		if !v.Bound() {
			ice.Fatalf(ice.Invariant, "%s has neither register nor memory", v)
		}
		c.spill(v)
	}
	return icode.BlockMem(v.Spill, 0), func() {}
}

// Convert returns v converted to type to in a fresh anonymous value.
func (c *Context) Convert(v *VReg, to *ctype.Type) *VReg {
	size := c.target.SizeOf(to)
	if v.Size == size && (v.Type.Kind == to.Kind || integral(v.Type) && integral(to)) {
		return v
	}
	if v.wide || c.target.IsMultiReg(to) {
		if !integral(v.Type) || !integral(to) {
			ice.Fatalf(ice.Unimplemented, "conversion %s to %s across a register pair", v.Type, to)
		}
		return c.convertPair(v, to)
	}
	if !v.Type.IsScalar() || !to.IsScalar() {
		ice.Fatalf(ice.Contract, "conversion %s to %s", v.Type, to)
	}
	src := c.FaultIn(v)
	c.Lock(src)
	dst := c.Alloc(ClassOf(to), size, src)
	c.emit.Convert(dst, src, icode.Conv{From: v.Type, To: to, FromSize: v.Size, ToSize: size})
	c.Unlock(src)
	n := NewAnon(c.target, to)
	c.Bind(n, dst)
	return n
}

// convertPair converts between an integer and an integer register pair.
// Widening fills the high word with the sign or zeros; narrowing keeps the
// low-order word.
func (c *Context) convertPair(v *VReg, to *ctype.Type) *VReg {
	size := c.target.SizeOf(to)
	if v.Const != nil && v.Const.Str == "" {
		return NewConst(c.target, to, extend(v.Const.Bits, v.Size, v.Type.IsSigned()))
	}
	n := NewAnon(c.target, to)

	if !v.wide {
		half := size / 2
		src := c.FaultIn(v)
		c.Lock(src)
		lo := c.Alloc(reg.GPR, half, src)
		c.Lock(lo)
		hi := c.Alloc(reg.GPR, half, src)
		conv := icode.Conv{From: v.Type, To: to, FromSize: v.Size, ToSize: half}
		c.emit.Convert(lo, src, conv)
		conv.High = true
		c.emit.Convert(hi, src, conv)
		c.Unlock(lo)
		c.Unlock(src)
		if c.target.BigEndian() {
			c.Bind(n, hi, lo)
		} else {
			c.Bind(n, lo, hi)
		}
		return n
	}

	r0, r1 := c.FaultInWide(v, reg.None, reg.None)
	low := r0
	if c.target.BigEndian() {
		low = r1
	}
	c.Lock(low)
	dst := c.Alloc(ClassOf(to), size, low)
	c.emit.Convert(dst, low, icode.Conv{From: v.Type, To: to, FromSize: v.half(), ToSize: size})
	c.Unlock(low)
	c.Bind(n, dst)
	return n
}

// extend sign or zero extends the low size bytes of bits.
func extend(bits uint64, size int64, signed bool) int64 {
	if size >= 8 {
		return int64(bits)
	}
	shift := 64 - 8*uint(size)
	if signed {
		return int64(bits<<shift) >> shift
	}
	return int64(bits << shift >> shift)
}

// clear evicts everything overlapping r, saving anonymous values.
func (c *Context) clear(r reg.ID) {
	for _, o := range c.overlap[r] {
		if v := c.owner[o]; v != nil {
			c.evict(v, true)
		}
	}
}

func (c *Context) evict(v *VReg, storeback bool) {
	if storeback && !v.Backed() {
		c.spill(v)
	}
	c.log.Debug("unbind", slog.String("value", v.String()), slog.String("reg", c.name(v.Regs[0])))
	c.Unbind(v)
}

func (c *Context) spill(v *VReg) {
	if v.Spill == nil {
		v.Spill = c.frame.AllocateAligned(v.Size, max(c.target.AlignOf(v.Type), 1))
		v.Spill.FromReg = v.Regs[0]
	}
	half := v.half()
	for i, r := range v.regs() {
		c.emit.Store(icode.BlockMem(v.Spill, int64(i)*half), r, half)
	}
	c.log.Debug("spill",
		slog.String("reg", c.name(v.Regs[0])),
		slog.Int64("bytes", v.Size),
		slog.String("slot", v.Spill.String()),
	)
}

// load fills r with part of v from its backing.
func (c *Context) load(v *VReg, r reg.ID, part int) {
	half := v.half()
	if v.Const != nil {
		if v.Const.Str != "" {
			c.emit.LoadAddr(r, icode.Sym{Name: v.Const.Str})
			return
		}
		if half > 8 {
			c.emit.LoadImm(r, v.Const.Bits, half)
			return
		}
		img := c.constImage(v)
		off := int64(part) * half
		c.emit.LoadImm(r, c.decode(img[off:off+half]), half)
		return
	}
	if v.Type.IsAggregate() {
		ice.Fatalf(ice.Contract, "aggregate %s loaded into %s", v, c.name(r))
	}
	mem, release := c.Memory(v)
	c.emit.Load(r, icode.Offset(mem, int64(part)*half), half)
	release()
}

// transfer copies size bytes from src to dst, through the stack when the
// registers are of different shape.
func (c *Context) transfer(dst, src reg.ID, size int64) {
	if c.classOf(dst) == c.classOf(src) && c.regSize(dst) == c.regSize(src) {
		c.emit.Move(dst, src, size)
		return
	}
	b := c.frame.Allocate(size)
	c.emit.Store(icode.BlockMem(b, 0), src, size)
	c.emit.Load(dst, icode.BlockMem(b, 0), size)
	c.frame.Free(b)
}

func (c *Context) order() binary.ByteOrder {
	if c.target.BigEndian() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// constImage is the memory image of a numeric constant. Pair floating
// constants keep the value in the leading double and zero the trailing one.
func (c *Context) constImage(v *VReg) []byte {
	img := make([]byte, max(v.Size, 8))
	switch {
	case v.Type.IsFloating() && v.Size == 4:
		c.order().PutUint32(img, uint32(v.Const.Bits))
	case v.Type.IsFloating():
		c.order().PutUint64(img, v.Const.Bits)
	default:
		var full [8]byte
		c.order().PutUint64(full[:], v.Const.Bits)
		if c.target.BigEndian() {
			copy(img, full[8-min(v.Size, 8):])
		} else {
			copy(img, full[:min(v.Size, 8)])
		}
	}
	return img[:v.Size]
}

func (c *Context) decode(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(c.order().Uint16(b))
	case 4:
		return uint64(c.order().Uint32(b))
	case 8:
		return c.order().Uint64(b)
	}
	ice.Fatalf(ice.Unimplemented, "immediate of %d bytes", len(b))
	return 0
}

func integral(t *ctype.Type) bool {
	return t.IsInteger() || t.Kind == ctype.Pointer
}
