// Package reg models the physical register file of a target: every register,
// its size and class, and how it decomposes into overlapping sub-registers.
//
// Registers live in a fixed arena indexed by ID. Parent/child links and the
// overlap table are computed once when the Set is built, so aliasing queries
// are index lookups.
package reg

import (
	"fmt"
	"strings"
)

// ID indexes a register inside its Set.
type ID int

// None is the absent register.
const None ID = -1

type Class uint8

const (
	GPR Class = iota
	FPR
	StackPointer
	FramePointer
)

func (c Class) String() string {
	switch c {
	case GPR:
		return "gpr"
	case FPR:
		return "fpr"
	case StackPointer:
		return "sp"
	case FramePointer:
		return "fp"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Desc describes one register. Sub names the registers it is directly
// composed of; they must be declared earlier in the same Set. Offset is the
// byte position of this register inside its direct parent.
type Desc struct {
	Name   string
	Class  Class
	Size   int64
	Sub    []string
	Offset int64

	// Allocatable registers may be handed out and evicted by the allocator.
	Allocatable bool
	// Dedicated registers never take part in allocation or invalidation.
	Dedicated bool
	// CalleeSaved registers must be preserved by a function that uses them.
	CalleeSaved bool
}

// Set is the immutable register arena of one target.
type Set struct {
	descs    []Desc
	parent   []ID
	children [][]ID
	overlap  [][]bool
	byName   map[string]ID
	sp       ID
	fp       ID
}

// NewSet builds a register arena. It panics on malformed tables because a
// broken table is a programming error caught at init time.
func NewSet(descs ...Desc) *Set {
	s := &Set{
		descs:    append([]Desc(nil), descs...),
		parent:   make([]ID, len(descs)),
		children: make([][]ID, len(descs)),
		byName:   make(map[string]ID, len(descs)),
		sp:       None,
		fp:       None,
	}
	for i := range s.parent {
		s.parent[i] = None
	}

	for i, d := range s.descs {
		if d.Name == "" {
			panic("reg: register without a name")
		}
		if _, dup := s.byName[d.Name]; dup {
			panic("reg: duplicate register " + d.Name)
		}
		if d.Size <= 0 {
			panic(fmt.Sprintf("reg: register %s has size %d", d.Name, d.Size))
		}
		if d.Allocatable && d.Dedicated {
			panic("reg: register " + d.Name + " cannot be both allocatable and dedicated")
		}
		id := ID(i)
		for _, name := range d.Sub {
			child, ok := s.byName[name]
			if !ok {
				panic(fmt.Sprintf("reg: %s composed of undeclared register %s", d.Name, name))
			}
			if s.parent[child] != None {
				panic(fmt.Sprintf("reg: %s already belongs to %s", name, s.descs[s.parent[child]].Name))
			}
			s.parent[child] = id
			s.children[id] = append(s.children[id], child)
		}
		s.byName[d.Name] = id

		switch d.Class {
		case StackPointer:
			if s.sp != None {
				panic("reg: multiple stack pointers")
			}
			s.sp = id
		case FramePointer:
			if s.fp != None {
				panic("reg: multiple frame pointers")
			}
			s.fp = id
		}
	}
	if s.sp == None {
		panic("reg: no stack pointer register specified")
	}

	n := len(s.descs)
	s.overlap = make([][]bool, n)
	for i := range s.overlap {
		s.overlap[i] = make([]bool, n)
	}
	for i := 0; i < n; i++ {
		for a := ID(i); a != None; a = s.parent[a] {
			s.overlap[i][a] = true
			s.overlap[a][i] = true
		}
	}
	return s
}

func (s *Set) Len() int { return len(s.descs) }

func (s *Set) Get(id ID) *Desc { return &s.descs[id] }

func (s *Set) Name(id ID) string {
	if id == None {
		return "<none>"
	}
	return s.descs[id].Name
}

func (s *Set) Lookup(name string) (ID, bool) {
	id, ok := s.byName[name]
	return id, ok
}

// MustLookup is Lookup for register tables built at init time.
func (s *Set) MustLookup(name string) ID {
	id, ok := s.byName[name]
	if !ok {
		panic("reg: unknown register " + name)
	}
	return id
}

// MustLookupAll resolves a list of names.
func (s *Set) MustLookupAll(names ...string) []ID {
	out := make([]ID, len(names))
	for i, n := range names {
		out[i] = s.MustLookup(n)
	}
	return out
}

func (s *Set) StackPointer() ID { return s.sp }
func (s *Set) FramePointer() ID { return s.fp }

func (s *Set) Parent(id ID) ID { return s.parent[id] }

func (s *Set) Children(id ID) []ID { return s.children[id] }

// Topmost returns the largest register containing id.
func (s *Set) Topmost(id ID) ID {
	for s.parent[id] != None {
		id = s.parent[id]
	}
	return id
}

// Overlaps reports whether a is b, a sub-register of b or a super-register
// of b. Sibling sub-registers (al and ah) do not overlap.
func (s *Set) Overlaps(a, b ID) bool {
	if a == None || b == None {
		return false
	}
	return s.overlap[a][b]
}

// Overlapping returns every register that overlaps id, id included.
func (s *Set) Overlapping(id ID) []ID {
	var out []ID
	for i, o := range s.overlap[id] {
		if o {
			out = append(out, ID(i))
		}
	}
	return out
}

// View returns the register of the requested size reachable from id by
// descending through sub-registers, or None.
func (s *Set) View(id ID, size int64) ID {
	if s.descs[id].Size == size {
		return id
	}
	for _, c := range s.children[id] {
		if v := s.View(c, size); v != None {
			return v
		}
	}
	return None
}

// AbsOffset is the byte offset of id inside its topmost register.
func (s *Set) AbsOffset(id ID) int64 {
	var off int64
	for ; s.parent[id] != None; id = s.parent[id] {
		off += s.descs[id].Offset
	}
	return off
}

// Filter returns ids for which keep is true, in table order.
func (s *Set) Filter(keep func(ID, *Desc) bool) []ID {
	var out []ID
	for i := range s.descs {
		if keep(ID(i), &s.descs[i]) {
			out = append(out, ID(i))
		}
	}
	return out
}

func (s *Set) String() string {
	var b strings.Builder
	for i, d := range s.descs {
		fmt.Fprintf(&b, "%3d %-6s %-3s size=%d", i, d.Name, d.Class, d.Size)
		if p := s.parent[i]; p != None {
			fmt.Fprintf(&b, " in=%s+%d", s.descs[p].Name, d.Offset)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
