package abicheck

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/ctype"
)

var scalarKinds = []ctype.Kind{
	ctype.Char, ctype.UChar, ctype.Short, ctype.UShort,
	ctype.Int, ctype.UInt, ctype.Long, ctype.ULong,
	ctype.LLong, ctype.ULLong,
	ctype.Float, ctype.Double, ctype.LDouble,
}

// Generator produces random cases for one ABI.
type Generator struct {
	abi abi.ABI
	rng *rand.Rand
	n   int

	// MaxArgs bounds the argument count of a case.
	MaxArgs int
	// MaxFields bounds the member count of generated structs.
	MaxFields int
}

func NewGenerator(a abi.ABI, seed int64) *Generator {
	return &Generator{
		abi:       a,
		rng:       rand.New(rand.NewSource(seed)),
		MaxArgs:   10,
		MaxFields: 6,
	}
}

// Case returns the next random case.
func (g *Generator) Case() *Case {
	g.n++
	nargs := g.rng.Intn(g.MaxArgs + 1)
	c := &Case{Name: fmt.Sprintf("case%d", g.n)}

	var params []*ctype.Type
	var args []Value
	for range nargs {
		t := g.typ(true)
		params = append(params, t)
		args = append(args, g.value(t))
	}

	variadic := nargs > 0 && g.rng.Intn(4) == 0
	prototyped := variadic || g.rng.Intn(5) != 0
	if variadic {
		named := 1 + g.rng.Intn(nargs)
		params = params[:named]
		for i := named; i < len(args); i++ {
			// The tail travels promoted; keep its images in passing form.
			if t := args[i].Type; t.Kind == ctype.Float {
				args[i] = g.value(ctype.Basic(ctype.Double))
			}
		}
	}

	var ret *ctype.Type
	switch g.rng.Intn(4) {
	case 0:
	case 1:
		ret = g.aggregate(0)
	default:
		ret = g.scalar()
	}
	c.Fn = ctype.FuncOf(ret, params, variadic, prototyped)
	c.Args = args
	if !c.Fn.Return.IsVoid() {
		c.Ret = g.value(c.Fn.Return).Data
	}
	return c
}

func (g *Generator) typ(allowAggregate bool) *ctype.Type {
	switch n := g.rng.Intn(10); {
	case allowAggregate && n == 0:
		return g.aggregate(0)
	case n == 1:
		return ctype.PointerTo(ctype.Basic(ctype.Char))
	}
	return g.scalar()
}

func (g *Generator) scalar() *ctype.Type {
	return ctype.Basic(scalarKinds[g.rng.Intn(len(scalarKinds))])
}

func (g *Generator) aggregate(depth int) *ctype.Type {
	n := 1 + g.rng.Intn(g.MaxFields)
	fields := make([]ctype.Field, n)
	for i := range fields {
		var t *ctype.Type
		switch k := g.rng.Intn(8); {
		case k == 0 && depth < 2:
			t = g.aggregate(depth + 1)
		case k == 1:
			t = ctype.ArrayOf(ctype.Basic(ctype.Char), int64(1+g.rng.Intn(12)))
		default:
			t = g.typ(false)
		}
		fields[i] = ctype.Field{Name: fmt.Sprintf("f%d", i), Type: t}
	}
	name := fmt.Sprintf("s%d_%d", g.n, g.rng.Int())
	if g.rng.Intn(6) == 0 {
		return ctype.UnionOf(g.abi, name, fields...)
	}
	return ctype.StructOf(g.abi, name, fields...)
}

// value returns a random image of t. Floating images hold ordinary numbers
// so that promotions and narrowing round-trip exactly.
func (g *Generator) value(t *ctype.Type) Value {
	size := g.abi.SizeOf(t)
	data := make([]byte, size)
	var order binary.ByteOrder = binary.LittleEndian
	if g.abi.BigEndian() {
		order = binary.BigEndian
	}
	switch {
	case t.Kind == ctype.Float:
		order.PutUint32(data, math.Float32bits(float32(g.rng.Intn(1<<20))/8))
	case t.Kind == ctype.Double:
		order.PutUint64(data, math.Float64bits(float64(g.rng.Int63n(1<<40))/16))
	default:
		g.rng.Read(data)
	}
	return Value{Type: t, Data: data}
}

// Options configures Check.
type Options struct {
	Iterations int
	Seed       int64
	Logger     *slog.Logger
	// Progress is called after every case.
	Progress func()
}

// Report summarizes a Check run.
type Report struct {
	Passed   int
	Failures []error
}

// Check runs Iterations random cases against a and collects failures. It
// stops early after ten failures.
func Check(a abi.ABI, opts Options) *Report {
	if opts.Iterations <= 0 {
		opts.Iterations = 1
	}
	g := NewGenerator(a, opts.Seed)
	rep := &Report{}
	for range opts.Iterations {
		c := g.Case()
		if _, err := Run(a, c, opts.Logger); err != nil {
			rep.Failures = append(rep.Failures, err)
			if len(rep.Failures) >= 10 {
				break
			}
		} else {
			rep.Passed++
		}
		if opts.Progress != nil {
			opts.Progress()
		}
	}
	return rep
}
