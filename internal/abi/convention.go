package abi

import (
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/reg"
)

// AggregatePolicy says how structs and unions passed by value travel.
type AggregatePolicy int

const (
	// AggStack copies the whole aggregate into the outgoing argument area.
	AggStack AggregatePolicy = iota
	// AggSplit passes the aggregate's words in argument registers while
	// they last and the rest on the stack.
	AggSplit
	// AggByReference passes a pointer to a caller-made copy.
	AggByReference
	// AggClassify passes small aggregates in registers chosen per
	// eightbyte and everything else on the stack.
	AggClassify
)

// HiddenPolicy says where the pointer to a memory-returned aggregate goes.
type HiddenPolicy int

const (
	// HiddenFirstArg passes it as an implicit first integer argument.
	HiddenFirstArg HiddenPolicy = iota
	// HiddenStackSlot stores it at a fixed offset of the argument area.
	HiddenStackSlot
)

// SizeAlign is the storage size and alignment of a scalar kind.
type SizeAlign struct {
	Size  int64
	Align int64
}

// Convention describes one calling convention as data. Register lists name
// registers of the Set the convention is built against.
type Convention struct {
	Name      string
	BigEndian bool
	Pointer   int64
	Sizes     map[ctype.Kind]SizeAlign

	// IntArgs and FloatArgs are the argument registers in order as the
	// caller sees them. IntArgsCallee is the callee's view of IntArgs on
	// targets with register windows.
	IntArgs       []string
	IntArgsCallee []string
	FloatArgs     []string

	// IntReturn lists the integer return registers in memory order.
	IntReturn       []string
	IntReturnCallee []string
	// FloatReturn lists the floating return registers; a pair value uses
	// the first two.
	FloatReturn []string
	// LongDoubleReturn overrides FloatReturn for long double.
	LongDoubleReturn string

	// Slotted conventions count integer and floating arguments in one run
	// of word slots and give every argument a home slot in the caller's
	// frame. Otherwise integer and floating registers are counted
	// independently.
	Slotted    bool
	SlotSize   int64
	StackAlign int64
	// MaxArgAlign caps the alignment of a stack argument.
	MaxArgAlign int64
	// ArgAreaBase is the offset of the first argument slot from the stack
	// pointer at the call.
	ArgAreaBase int64
	// MinArgArea is the least outgoing area a call reserves.
	MinArgArea int64
	// AlignPairs starts 8-byte aligned values at an even slot or an even
	// register index.
	AlignPairs bool
	// FloatsInIntRegs passes floating arguments in integer registers.
	FloatsInIntRegs bool
	// LeadingFloats is the number of leading floating arguments that use
	// FloatArgs on a slotted convention before the rest fall back to
	// integer registers.
	LeadingFloats int
	// PairsExhaustIntRegs stops all further integer register assignment
	// once a register pair no longer fits.
	PairsExhaustIntRegs bool
	// LongDoubleOnStack passes long double in memory.
	LongDoubleOnStack bool
	// LongDoubleByReference passes long double like an aggregate by
	// reference.
	LongDoubleByReference bool
	// LongDoublePair keeps long double in a floating register pair.
	LongDoublePair bool
	// Int64Pair keeps 64-bit integers in a general register pair.
	Int64Pair bool

	Aggregates AggregatePolicy
	// SmallAggregate is the largest aggregate AggClassify passes or
	// returns in registers.
	SmallAggregate int64

	Hidden     HiddenPolicy
	HiddenSlot int64
	// ReturnsHiddenPointer makes the callee hand the hidden pointer back in
	// the first integer return register.
	ReturnsHiddenPointer bool
	// StructReturnMarker makes callers note the returned size after the
	// call instruction, as SPARC's unimp word does.
	StructReturnMarker bool

	// SaveArea is the size of the variadic register save area; zero means
	// registers are homed into their argument slots instead.
	SaveArea int64
	// VectorCount names the register that receives the number of vector
	// registers used by a variadic call.
	VectorCount string
	// FloatArgsFlag records on variadic calls that floating arguments
	// travel in registers.
	FloatArgsFlag string

	// Preallocated conventions reserve the outgoing area once in the
	// frame instead of adjusting the stack pointer around every call.
	Preallocated bool
	// AlwaysReserve reserves MinArgArea even in leaf functions.
	AlwaysReserve bool
	Direction     frame.Direction

	// PIC names the register reserved as the PIC base.
	PIC string
	// ExclusiveFloatSize is the floating size that takes over its whole
	// register file.
	ExclusiveFloatSize int64
	// Candidates overrides the default register candidate search.
	Candidates func(set *reg.Set, class reg.Class, size int64) []reg.ID
}
