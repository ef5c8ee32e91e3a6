// Package regalloc binds virtual values to physical registers for one
// function at a time.
//
// A Context owns the register file state of the function being translated:
// which value every register holds, which registers are locked, and where the
// round-robin victim search resumes. There is no global state; translating
// two functions concurrently takes two contexts.
package regalloc

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/reg"
)

type Context struct {
	target Target
	set    *reg.Set
	emit   icode.Emitter
	frame  *frame.Frame
	log    *slog.Logger

	owner    []*VReg
	locks    []int
	reserved []bool
	overlap  [][]reg.ID
	bound    map[*VReg]struct{}

	cursor map[reg.Class]int
	last   reg.ID
}

type Option func(*Context)

// WithLogger routes allocation decisions to logger at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) { c.log = logger }
}

// WithFrame makes the context allocate spill slots in f.
func WithFrame(f *frame.Frame) Option {
	return func(c *Context) { c.frame = f }
}

// WithPIC withholds base from allocation and invalidation; it holds the
// position independent code base for the whole function.
func WithPIC(base reg.ID) Option {
	return func(c *Context) {
		if base == reg.None {
			return
		}
		for _, o := range c.overlap[base] {
			c.reserved[o] = true
		}
	}
}

func NewContext(t Target, e icode.Emitter, opts ...Option) *Context {
	set := t.Registers()
	n := set.Len()
	c := &Context{
		target:   t,
		set:      set,
		emit:     e,
		frame:    frame.New(),
		log:      slog.Default(),
		owner:    make([]*VReg, n),
		locks:    make([]int, n),
		reserved: make([]bool, n),
		overlap:  make([][]reg.ID, n),
		bound:    make(map[*VReg]struct{}),
		cursor:   make(map[reg.Class]int),
		last:     reg.None,
	}
	for i := range n {
		c.overlap[i] = set.Overlapping(reg.ID(i))
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Context) Target() Target             { return c.target }
func (c *Context) Registers() *reg.Set        { return c.set }
func (c *Context) Frame() *frame.Frame        { return c.frame }
func (c *Context) Emitter() icode.Emitter     { return c.emit }
func (c *Context) Logger() *slog.Logger       { return c.log }
func (c *Context) Owner(r reg.ID) *VReg       { return c.owner[r] }
func (c *Context) Locked(r reg.ID) bool       { return c.locks[r] > 0 }
func (c *Context) name(r reg.ID) string       { return c.set.Name(r) }
func (c *Context) dedicated(r reg.ID) bool    { return c.set.Get(r).Dedicated || c.reserved[r] }
func (c *Context) regSize(r reg.ID) int64     { return c.set.Get(r).Size }
func (c *Context) classOf(r reg.ID) reg.Class { return c.set.Get(r).Class }

// Lock keeps r and everything overlapping it from being handed out or
// evicted. Locks nest.
func (c *Context) Lock(r reg.ID) {
	c.locks[r]++
}

func (c *Context) Unlock(r reg.ID) {
	if c.locks[r] == 0 {
		ice.Fatalf(ice.Invariant, "unlock of unlocked register %s", c.name(r))
	}
	c.locks[r]--
}

// busy reports whether r or an overlapping register is bound or locked.
func (c *Context) busy(r reg.ID) bool {
	for _, o := range c.overlap[r] {
		if c.owner[o] != nil || c.locks[o] > 0 {
			return true
		}
	}
	return false
}

func (c *Context) lockedOverlap(r reg.ID) bool {
	for _, o := range c.overlap[r] {
		if c.locks[o] > 0 {
			return true
		}
	}
	return false
}

// Bind records that v now lives in regs. Every register must be free.
func (c *Context) Bind(v *VReg, regs ...reg.ID) {
	want := 1
	if v.wide {
		want = 2
	}
	if len(regs) != want {
		ice.Fatalf(ice.Invariant, "binding %s needs %d registers, got %d", v, want, len(regs))
	}
	if v.Bound() {
		ice.Fatalf(ice.Invariant, "%s is already bound to %s", v, c.name(v.Regs[0]))
	}
	for i, r := range regs {
		for _, o := range c.overlap[r] {
			if c.owner[o] != nil {
				ice.Fatalf(ice.Invariant, "double binding of %s: held by %s", c.name(r), c.owner[o])
			}
		}
		c.owner[r] = v
		v.Regs[i] = r
	}
	c.bound[v] = struct{}{}
}

// Unbind drops v's registers without saving anything.
func (c *Context) Unbind(v *VReg) {
	for i, r := range v.regs() {
		if r == reg.None {
			continue
		}
		if c.owner[r] != v {
			ice.Fatalf(ice.Invariant, "%s claims %s which is held by %v", v, c.name(r), c.owner[r])
		}
		c.owner[r] = nil
		v.Regs[i] = reg.None
	}
	delete(c.bound, v)
}

// Check verifies that register and value bindings agree in both directions
// and that no pair value is half resident.
func (c *Context) Check() error {
	for r, v := range c.owner {
		if v == nil {
			continue
		}
		id := reg.ID(r)
		if v.Regs[0] != id && v.Regs[1] != id {
			return fmt.Errorf("regalloc: %s is owned by %s which does not name it", c.name(id), v)
		}
		for _, o := range c.overlap[id] {
			if o != id && c.owner[o] != nil {
				return fmt.Errorf("regalloc: overlapping registers %s and %s are both bound", c.name(id), c.name(o))
			}
		}
	}
	for v := range c.bound {
		rs := v.regs()
		for _, r := range rs {
			if r == reg.None {
				return fmt.Errorf("regalloc: %s is half resident", v)
			}
			if c.owner[r] != v {
				return fmt.Errorf("regalloc: %s names %s which is held by %v", v, c.name(r), c.owner[r])
			}
		}
	}
	return nil
}
