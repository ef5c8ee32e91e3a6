package regalloc

import (
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/reg"
)

// Target is what the allocator needs to know about an architecture.
type Target interface {
	ctype.Sizer

	Registers() *reg.Set
	PointerSize() int64
	BigEndian() bool

	// IsMultiReg reports whether values of t occupy a register pair.
	IsMultiReg(t *ctype.Type) bool
	// Candidates lists, in preference order, the registers that may hold a
	// value of the given class and size.
	Candidates(class reg.Class, size int64) []reg.ID
	// ExclusiveFloat reports whether a floating value of size needs every
	// one of its candidate registers cleared first, as x87 extended
	// precision does.
	ExclusiveFloat(size int64) bool
}

// ClassOf returns the register class values of t are computed in.
func ClassOf(t *ctype.Type) reg.Class {
	switch {
	case t.IsFloating():
		return reg.FPR
	case t.IsInteger(), t.Kind == ctype.Pointer:
		return reg.GPR
	}
	ice.Fatalf(ice.Contract, "no register class for %s", t)
	return 0
}
