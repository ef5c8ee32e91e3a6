package ctype

// Sizer answers target dependent scalar sizes and alignments.
type Sizer interface {
	SizeOf(t *Type) int64
	AlignOf(t *Type) int64
}

// StructOf lays out a struct with natural C rules. The real compiler does
// this upstream; scenarios and tests use it to fabricate aggregates.
func StructOf(s Sizer, name string, members ...Field) *Type {
	t := &Type{Kind: Struct, Name: name, Align: 1}
	var off int64
	for _, m := range members {
		sz, al := s.SizeOf(m.Type), s.AlignOf(m.Type)
		off = alignTo(off, al)
		t.Fields = append(t.Fields, Field{Name: m.Name, Type: m.Type, Offset: off})
		off += sz
		if al > t.Align {
			t.Align = al
		}
	}
	t.Size = alignTo(off, t.Align)
	return t
}

// UnionOf lays out a union: every member at offset zero.
func UnionOf(s Sizer, name string, members ...Field) *Type {
	t := &Type{Kind: Union, Name: name, Align: 1}
	var size int64
	for _, m := range members {
		sz, al := s.SizeOf(m.Type), s.AlignOf(m.Type)
		t.Fields = append(t.Fields, Field{Name: m.Name, Type: m.Type})
		if sz > size {
			size = sz
		}
		if al > t.Align {
			t.Align = al
		}
	}
	t.Size = alignTo(size, t.Align)
	return t
}

// ScalarsIn returns the scalars overlapping byte range [off, off+n) of an
// aggregate, descending through nested aggregates and arrays. Padding yields
// nothing.
func (t *Type) ScalarsIn(s Sizer, off, n int64) []*Type {
	var out []*Type
	var walk func(t *Type, base int64)
	walk = func(t *Type, base int64) {
		switch t.Kind {
		case Struct, Union:
			for _, f := range t.Fields {
				walk(f.Type, base+f.Offset)
			}
		case Array:
			sz := s.SizeOf(t.Elem)
			for i := int64(0); i < t.Len; i++ {
				walk(t.Elem, base+i*sz)
			}
		default:
			sz := s.SizeOf(t)
			if base < off+n && base+sz > off {
				out = append(out, t)
			}
		}
	}
	walk(t, 0)
	return out
}

func alignTo(v, a int64) int64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}
