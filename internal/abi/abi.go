// Package abi maps C calling conventions onto the allocation core.
//
// Every architecture describes its convention as data (a Convention) and the
// shared layout engine in this package turns a function type into a Plan.
// The same Plan drives both sides of a call: MapParameters reads it from the
// callee's point of view and MarshalCall from the caller's, so the two can
// never disagree about where an argument lives.
package abi

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/ctype"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/reg"
	"github.com/tinyrange/ccabi/internal/regalloc"
)

// ABI is the backend policy contract of one architecture.
type ABI interface {
	regalloc.Target

	Arch() arch.Architecture
	Convention() *Convention

	// FrameLayout returns the parameters Finalize needs for f.
	FrameLayout(f *frame.Frame) frame.Layout
	// PICBase is the register held for position independent code, or
	// reg.None.
	PICBase() reg.ID

	// PlanCall lays out a call to fn with arguments of the given types.
	PlanCall(fn *ctype.Type, args []*ctype.Type) *Plan
	// ReturnInMemory reports whether values of t come back through a
	// hidden pointer.
	ReturnInMemory(t *ctype.Type) bool
	// ReturnRegs lists the registers a value of t is returned in, caller
	// view, in memory order.
	ReturnRegs(t *ctype.Type) []reg.ID

	MapParameters(ctx *regalloc.Context, name string, fn *ctype.Type, names []string) *ParamMap
	MarshalCall(ctx *regalloc.Context, call *Call) *regalloc.VReg
	EmitReturn(ctx *regalloc.Context, pm *ParamMap, v *regalloc.VReg)
	FinishFunction(ctx *regalloc.Context, pm *ParamMap) int64
}

var (
	registryMu sync.RWMutex
	registry   = make(map[arch.Architecture]ABI)
)

// Register makes a available under its architecture. It panics when the same
// architecture is registered twice so mistakes surface during init.
func Register(a ABI) {
	if a == nil {
		panic("abi: ABI must be non-nil")
	}
	if !a.Arch().Valid() {
		panic(fmt.Sprintf("abi: cannot register ABI for invalid architecture %q", a.Arch()))
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[a.Arch()]; exists {
		panic(fmt.Sprintf("abi: ABI for %s already registered", a.Arch()))
	}
	registry[a.Arch()] = a
}

// Lookup returns the ABI registered for target.
func Lookup(target arch.Architecture) (ABI, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if a, ok := registry[target]; ok {
		return a, nil
	}
	if target == arch.Invalid || target == "" {
		return nil, fmt.Errorf("abi: architecture must be specified")
	}
	return nil, fmt.Errorf("abi: no ABI registered for %q", target)
}

func MustLookup(target arch.Architecture) ABI {
	a, err := Lookup(target)
	if err != nil {
		panic(err)
	}
	return a
}

// Registered lists the registered architectures in name order.
func Registered() []arch.Architecture {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]arch.Architecture, 0, len(registry))
	for a := range registry {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
