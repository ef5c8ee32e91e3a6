package scenario

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/ccabi/internal/ctype"
)

var basicNames = map[string]ctype.Kind{
	"void":               ctype.Void,
	"char":               ctype.Char,
	"signed char":        ctype.SChar,
	"unsigned char":      ctype.UChar,
	"short":              ctype.Short,
	"short int":          ctype.Short,
	"unsigned short":     ctype.UShort,
	"int":                ctype.Int,
	"signed":             ctype.Int,
	"signed int":         ctype.Int,
	"unsigned":           ctype.UInt,
	"unsigned int":       ctype.UInt,
	"long":               ctype.Long,
	"long int":           ctype.Long,
	"unsigned long":      ctype.ULong,
	"long long":          ctype.LLong,
	"unsigned long long": ctype.ULLong,
	"float":              ctype.Float,
	"double":             ctype.Double,
	"long double":        ctype.LDouble,
}

// typeTable resolves C type spellings. Aggregates are laid out with the
// target's scalar sizes as they are declared, so a struct may only refer to
// structs declared before it.
type typeTable struct {
	sizer      ctype.Sizer
	aggregates map[string]*ctype.Type
}

func newTypeTable(s ctype.Sizer, decls []Struct) (*typeTable, error) {
	tt := &typeTable{sizer: s, aggregates: make(map[string]*ctype.Type)}
	for _, d := range decls {
		key := "struct " + d.Name
		if d.Union {
			key = "union " + d.Name
		}
		if _, dup := tt.aggregates[key]; dup {
			return nil, fmt.Errorf("%s declared twice", key)
		}
		fields := make([]ctype.Field, len(d.Fields))
		for i, f := range d.Fields {
			t, err := tt.parse(f.Type)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", key, f.Name, err)
			}
			if t.IsVoid() {
				return nil, fmt.Errorf("%s.%s: void member", key, f.Name)
			}
			fields[i] = ctype.Field{Name: f.Name, Type: t}
		}
		if d.Union {
			tt.aggregates[key] = ctype.UnionOf(s, d.Name, fields...)
		} else {
			tt.aggregates[key] = ctype.StructOf(s, d.Name, fields...)
		}
	}
	return tt, nil
}

// parse resolves spellings such as "unsigned char", "struct pt *" or
// "int[4]". An empty spelling is void.
func (tt *typeTable) parse(spelling string) (*ctype.Type, error) {
	s := strings.TrimSpace(spelling)
	if s == "" {
		return ctype.Basic(ctype.Void), nil
	}

	var dims []int64
	for strings.HasSuffix(s, "]") {
		open := strings.LastIndex(s, "[")
		if open < 0 {
			return nil, fmt.Errorf("unbalanced brackets in %q", spelling)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s[open+1:len(s)-1]), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad array length in %q", spelling)
		}
		dims = append(dims, n)
		s = strings.TrimSpace(s[:open])
	}
	ptrs := 0
	for strings.HasSuffix(s, "*") {
		ptrs++
		s = strings.TrimSpace(s[:len(s)-1])
	}

	base := strings.Join(strings.Fields(s), " ")
	var t *ctype.Type
	if strings.HasPrefix(base, "struct ") || strings.HasPrefix(base, "union ") {
		agg, ok := tt.aggregates[base]
		if !ok {
			return nil, fmt.Errorf("unknown type %q", base)
		}
		t = agg
	} else {
		k, ok := basicNames[base]
		if !ok {
			return nil, fmt.Errorf("unknown type %q", base)
		}
		t = ctype.Basic(k)
	}

	for range ptrs {
		t = ctype.PointerTo(t)
	}
	if t.IsVoid() && len(dims) > 0 {
		return nil, fmt.Errorf("array of void in %q", spelling)
	}
	for _, n := range dims {
		t = ctype.ArrayOf(t, n)
	}
	return t, nil
}

// function builds a function type from a return spelling and parameter
// spellings.
func (tt *typeTable) function(ret string, params []string, variadic, oldStyle bool) (*ctype.Type, error) {
	rt, err := tt.parse(ret)
	if err != nil {
		return nil, fmt.Errorf("return type: %w", err)
	}
	if rt.Kind == ctype.Array {
		return nil, fmt.Errorf("function returning array")
	}
	ps := make([]*ctype.Type, len(params))
	for i, p := range params {
		t, err := tt.parse(p)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		switch {
		case t.IsVoid():
			return nil, fmt.Errorf("parameter %d is void", i)
		case t.Kind == ctype.Array:
			// Arrays decay to pointers in parameter position.
			t = ctype.PointerTo(t.Elem)
		}
		ps[i] = t
	}
	return ctype.FuncOf(rt, ps, variadic, !oldStyle), nil
}

// Signature builds a function type from C spellings of scalar and pointer
// types, laid out with s.
func Signature(s ctype.Sizer, ret string, params []string, variadic bool) (*ctype.Type, error) {
	tt, err := newTypeTable(s, nil)
	if err != nil {
		return nil, err
	}
	return tt.function(ret, params, variadic, false)
}
