// Package ice carries fatal internal compiler errors.
//
// The allocation core never returns recoverable errors for broken invariants:
// continuing would risk emitting silently wrong code. Such conditions panic
// with an *Error, and only the driver boundary turns them back into an error.
package ice

import "fmt"

type Kind int

const (
	// Unimplemented is a type/size/architecture combination nobody handled.
	Unimplemented Kind = iota
	// Invariant is a broken internal rule, such as freeing a dedicated
	// register or double-binding one.
	Invariant
	// Contract is an upstream request that makes no sense for the operand,
	// such as loading a struct into a general register.
	Contract
)

func (k Kind) String() string {
	switch k {
	case Unimplemented:
		return "unimplemented"
	case Invariant:
		return "invariant violation"
	case Contract:
		return "contract violation"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("internal compiler error (%s): %s", e.Kind, e.Msg)
}

// Fatalf aborts translation.
func Fatalf(kind Kind, format string, args ...any) {
	panic(&Error{Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

// Recover converts an in-flight ICE panic into *errp. Any other panic is
// re-raised. Use as: defer ice.Recover(&err).
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if e, ok := r.(*Error); ok {
		*errp = e
		return
	}
	panic(r)
}

// Catch runs fn and returns the ICE it raised, or nil.
func Catch(fn func()) (e *Error) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if e, ok = r.(*Error); !ok {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}
