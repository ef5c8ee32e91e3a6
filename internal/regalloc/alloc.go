package regalloc

import (
	"log/slog"

	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/reg"
)

// Alloc returns a free register of class and size, never avoid. When every
// candidate is taken a victim is evicted with its value saved. The returned
// register is free but not bound; bind or lock it before the next
// allocation.
func (c *Context) Alloc(class reg.Class, size int64, avoid reg.ID) reg.ID {
	cands := c.target.Candidates(class, size)
	if len(cands) == 0 {
		ice.Fatalf(ice.Unimplemented, "no %s register of %d bytes", class, size)
	}

	if class == reg.FPR {
		if c.target.ExclusiveFloat(size) {
			c.evictAll(cands)
		} else {
			c.evictExclusive(cands)
		}
	}

	for _, r := range cands {
		if r == avoid || c.dedicated(r) {
			continue
		}
		if !c.busy(r) {
			return c.take(r)
		}
	}

	victim := c.victim(class, cands, avoid)
	c.log.Debug("evict",
		slog.String("reg", c.name(victim)),
		slog.String("class", class.String()),
	)
	c.Free(victim, true)
	return c.take(victim)
}

// AllocWide returns two distinct registers of class and size for a pair
// value. Both are chosen before either is handed out.
func (c *Context) AllocWide(class reg.Class, size int64) (lo, hi reg.ID) {
	lo = c.Alloc(class, size, reg.None)
	c.Lock(lo)
	hi = c.Alloc(class, size, lo)
	c.Unlock(lo)
	return lo, hi
}

// Scratch allocates a register and locks it so it survives further
// allocation. Release it with Unlock.
func (c *Context) Scratch(class reg.Class, size int64) reg.ID {
	r := c.Alloc(class, size, reg.None)
	c.Lock(r)
	return r
}

// victim picks the register to evict. The search is round-robin per class and
// skips the previous allocation unless nothing else is evictable.
func (c *Context) victim(class reg.Class, cands []reg.ID, avoid reg.ID) reg.ID {
	start := c.cursor[class]
	fallback := reg.None
	for i := range cands {
		idx := (start + 1 + i) % len(cands)
		r := cands[idx]
		if r == avoid || c.dedicated(r) || c.lockedOverlap(r) {
			continue
		}
		if c.overlapsLast(r) {
			fallback = r
			continue
		}
		c.cursor[class] = idx
		return r
	}
	if fallback != reg.None {
		return fallback
	}
	ice.Fatalf(ice.Invariant, "every %s register is locked", class)
	return reg.None
}

func (c *Context) overlapsLast(r reg.ID) bool {
	return c.last != reg.None && c.set.Overlaps(r, c.last)
}

func (c *Context) take(r reg.ID) reg.ID {
	c.last = r
	top := c.set.Topmost(r)
	if c.set.Get(top).CalleeSaved {
		c.frame.MarkCalleeSaved(top)
	}
	c.log.Debug("alloc", slog.String("reg", c.name(r)))
	return r
}

// evictAll saves and unbinds every unlocked value held in regs.
func (c *Context) evictAll(regs []reg.ID) {
	for _, r := range regs {
		if c.dedicated(r) || c.lockedOverlap(r) {
			continue
		}
		for _, o := range c.overlap[r] {
			if v := c.owner[o]; v != nil {
				c.evict(v, true)
			}
		}
	}
}

// evictExclusive saves and unbinds extended precision values resident in
// regs, which must stay alone in the floating register file.
func (c *Context) evictExclusive(regs []reg.ID) {
	for _, r := range regs {
		for _, o := range c.overlap[r] {
			v := c.owner[o]
			if v == nil || !c.target.ExclusiveFloat(v.Size) || c.lockedOverlap(o) {
				continue
			}
			c.evict(v, true)
		}
	}
}
