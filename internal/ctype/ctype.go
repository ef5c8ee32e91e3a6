// Package ctype describes the C types the allocation core reasons about.
// Aggregate layout (size, alignment and field offsets) is computed upstream;
// this package only carries it.
package ctype

import (
	"fmt"
	"strings"
)

type Kind int

const (
	Void Kind = iota
	Char
	SChar
	UChar
	Short
	UShort
	Int
	UInt
	Long
	ULong
	LLong
	ULLong
	Float
	Double
	LDouble
	Pointer
	Struct
	Union
	Array
	Func
)

var kindNames = [...]string{
	Void:    "void",
	Char:    "char",
	SChar:   "signed char",
	UChar:   "unsigned char",
	Short:   "short",
	UShort:  "unsigned short",
	Int:     "int",
	UInt:    "unsigned int",
	Long:    "long",
	ULong:   "unsigned long",
	LLong:   "long long",
	ULLong:  "unsigned long long",
	Float:   "float",
	Double:  "double",
	LDouble: "long double",
	Pointer: "pointer",
	Struct:  "struct",
	Union:   "union",
	Array:   "array",
	Func:    "function",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Field is a member of a struct or union at a fixed byte offset.
type Field struct {
	Name   string
	Type   *Type
	Offset int64
}

// Type is a semantic C type. Size and Align are only meaningful for
// aggregates and arrays; scalar sizes depend on the target and are answered by
// the ABI.
type Type struct {
	Kind   Kind
	Name   string
	Elem   *Type
	Len    int64
	Size   int64
	Align  int64
	Fields []Field

	Return     *Type
	Params     []*Type
	Variadic   bool
	Prototyped bool
}

var basics = map[Kind]*Type{}

func init() {
	for k := Void; k <= LDouble; k++ {
		basics[k] = &Type{Kind: k}
	}
}

// Basic returns the shared instance for a scalar kind.
func Basic(k Kind) *Type {
	t, ok := basics[k]
	if !ok {
		panic(fmt.Sprintf("ctype: %s is not a basic kind", k))
	}
	return t
}

func PointerTo(elem *Type) *Type {
	return &Type{Kind: Pointer, Elem: elem}
}

func ArrayOf(elem *Type, n int64) *Type {
	return &Type{Kind: Array, Elem: elem, Len: n}
}

// FuncOf builds a function type. A nil ret means void.
func FuncOf(ret *Type, params []*Type, variadic, prototyped bool) *Type {
	if ret == nil {
		ret = Basic(Void)
	}
	return &Type{Kind: Func, Return: ret, Params: params, Variadic: variadic, Prototyped: prototyped}
}

func (t *Type) IsInteger() bool {
	switch t.Kind {
	case Char, SChar, UChar, Short, UShort, Int, UInt, Long, ULong, LLong, ULLong:
		return true
	}
	return false
}

func (t *Type) IsFloating() bool {
	return t.Kind == Float || t.Kind == Double || t.Kind == LDouble
}

func (t *Type) IsAggregate() bool {
	return t.Kind == Struct || t.Kind == Union
}

// IsScalar reports integer, floating and pointer types.
func (t *Type) IsScalar() bool {
	return t.IsInteger() || t.IsFloating() || t.Kind == Pointer
}

func (t *Type) IsSigned() bool {
	switch t.Kind {
	case Char, SChar, Short, Int, Long, LLong:
		return true
	}
	return false
}

func (t *Type) IsVoid() bool { return t == nil || t.Kind == Void }

// Promote applies the default argument promotions.
func Promote(t *Type) *Type {
	switch t.Kind {
	case Char, SChar, UChar, Short, UShort:
		return Basic(Int)
	case Float:
		return Basic(Double)
	}
	return t
}

func (t *Type) String() string {
	if t == nil {
		return "void"
	}
	switch t.Kind {
	case Pointer:
		return t.Elem.String() + " *"
	case Array:
		return fmt.Sprintf("%s[%d]", t.Elem, t.Len)
	case Struct, Union:
		if t.Name != "" {
			return t.Kind.String() + " " + t.Name
		}
		return t.Kind.String()
	case Func:
		parts := make([]string, 0, len(t.Params)+1)
		for _, p := range t.Params {
			parts = append(parts, p.String())
		}
		if t.Variadic {
			parts = append(parts, "...")
		}
		return fmt.Sprintf("%s (%s)", t.Return, strings.Join(parts, ", "))
	}
	return t.Kind.String()
}
