package ice

import (
	"errors"
	"testing"
)

func TestRecoverConvertsICE(t *testing.T) {
	run := func() (err error) {
		defer Recover(&err)
		Fatalf(Invariant, "register %s bound twice", "eax")
		return nil
	}
	err := run()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if e.Kind != Invariant || e.Msg != "register eax bound twice" {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestRecoverRepanicsForeignPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("expected foreign panic to propagate, got %v", r)
		}
	}()
	func() (err error) {
		defer Recover(&err)
		panic("boom")
	}()
}

func TestCatch(t *testing.T) {
	if e := Catch(func() {}); e != nil {
		t.Fatalf("unexpected ICE %v", e)
	}
	e := Catch(func() { Fatalf(Contract, "struct in gpr") })
	if e == nil || e.Kind != Contract {
		t.Fatalf("expected contract ICE, got %v", e)
	}
}
