// Package dump renders instruction lists, call plans and register files for
// people. Output is optionally styled with ANSI escapes; column alignment
// measures printable width so styled and plain output line up the same.
package dump

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/ccabi/internal/abi"
	"github.com/tinyrange/ccabi/internal/frame"
	"github.com/tinyrange/ccabi/internal/icode"
	"github.com/tinyrange/ccabi/internal/reg"
)

var (
	opStyle      = ansi.NewStyle().Bold()
	regStyle     = ansi.NewStyle().ForegroundColor(ansi.Cyan)
	memStyle     = ansi.NewStyle().ForegroundColor(ansi.Yellow)
	immStyle     = ansi.NewStyle().ForegroundColor(ansi.Magenta)
	commentStyle = ansi.NewStyle().ForegroundColor(ansi.BrightBlack)
	headerStyle  = ansi.NewStyle().Bold().Underline(true)
)

// Printer renders values that mention registers of one target. Frame, when
// finalized, turns block operands into final addresses.
type Printer struct {
	Regs  *reg.Set
	Frame *frame.Frame
	Color bool
}

func (p *Printer) style(s ansi.Style, text string) string {
	if !p.Color {
		return text
	}
	return s.Styled(text)
}

// Operand renders a single operand.
func (p *Printer) Operand(op icode.Operand) string {
	switch o := op.(type) {
	case nil:
		return ""
	case icode.Reg:
		return p.style(regStyle, p.Regs.Name(o.ID))
	case icode.Imm:
		return p.style(immStyle, fmt.Sprintf("$%#x", o.Bits))
	case icode.Sym:
		if o.Offset != 0 {
			return p.style(memStyle, fmt.Sprintf("%s%+d", o.Name, o.Offset))
		}
		return p.style(memStyle, o.Name)
	case icode.Arg:
		return p.style(memStyle, fmt.Sprintf("[out+%d]", o.Offset))
	case icode.Mem:
		if o.Block == nil {
			return p.style(memStyle, fmt.Sprintf("[%s%+d]", p.Regs.Name(o.Base), o.Offset))
		}
		return p.style(memStyle, p.blockAddr(o.Block, o.Offset))
	}
	return fmt.Sprintf("%v", op)
}

// blockAddr renders a frame block address. Before the frame is finalized
// the provisional block is shown instead.
func (p *Printer) blockAddr(b *frame.Block, off int64) string {
	name := ""
	if b.Name != "" {
		name = b.Name + ":"
	}
	switch {
	case b.Arg:
		return fmt.Sprintf("%s[in+%d]", name, b.Final+off)
	case p.Frame == nil || !p.Frame.Finalized():
		return fmt.Sprintf("[%s+%d]", b, off)
	case p.Frame.Layout().Direction == frame.FramePointerDown:
		return fmt.Sprintf("%s[fp%+d]", name, b.Final+off)
	}
	return fmt.Sprintf("%s[sp+%d]", name, b.Final+off)
}

// Instr renders one instruction without a trailing newline.
func (p *Printer) Instr(in icode.Instr) string {
	op := p.style(opStyle, in.Op.String())
	switch in.Op {
	case icode.OpHeader:
		return p.style(headerStyle, in.Text+":")
	case icode.OpComment:
		return p.style(commentStyle, "; "+in.Text)
	case icode.OpIntro, icode.OpOutro:
		if in.Frame != nil && in.Frame.Finalized() {
			return fmt.Sprintf("%s frame=%d", op, in.Frame.Size())
		}
		return op
	case icode.OpAllocStack, icode.OpFreeStack:
		return fmt.Sprintf("%s %d", op, in.Size)
	case icode.OpCall:
		return fmt.Sprintf("%s %s", op, p.Operand(in.Src))
	case icode.OpReturn:
		return op
	case icode.OpConvert:
		if in.Conv.High {
			return fmt.Sprintf("%s %s, %s (%s -> %s high)", op, p.Operand(in.Dst), p.Operand(in.Src), in.Conv.From, in.Conv.To)
		}
		return fmt.Sprintf("%s %s, %s (%s -> %s)", op, p.Operand(in.Dst), p.Operand(in.Src), in.Conv.From, in.Conv.To)
	}
	text := fmt.Sprintf("%s %s, %s", op, p.Operand(in.Dst), p.Operand(in.Src))
	if in.Size > 0 {
		text += p.style(commentStyle, fmt.Sprintf(" ; %d", in.Size))
	}
	return text
}

// List writes every instruction of l, one per line. Headers are flush left,
// everything else is indented. Block addresses are resolved against the frame
// named by each function's intro.
func (p *Printer) List(w io.Writer, l *icode.List) error {
	q := *p
	for _, in := range l.Instrs {
		indent := "\t"
		switch in.Op {
		case icode.OpHeader:
			indent = ""
		case icode.OpIntro:
			q.Frame = in.Frame
		}
		if _, err := fmt.Fprintf(w, "%s%s\n", indent, q.Instr(in)); err != nil {
			return err
		}
	}
	return nil
}

// Plan writes one line per argument of a call plan.
func (p *Printer) Plan(w io.Writer, plan *abi.Plan) error {
	t := &table{}
	t.row(p.style(opStyle, "arg"), p.style(opStyle, "type"), p.style(opStyle, "registers"), p.style(opStyle, "stack"), p.style(opStyle, "home"))
	add := func(name string, pl *abi.Placement) {
		var regs []string
		for _, pc := range pl.Regs {
			r := p.style(regStyle, p.Regs.Name(pc.Reg))
			if pc.Callee != pc.Reg {
				r += "/" + p.style(regStyle, p.Regs.Name(pc.Callee))
			}
			regs = append(regs, fmt.Sprintf("%s[%d:%d]", r, pc.Offset, pc.Offset+pc.Size))
		}
		stack := "-"
		if pl.OnStack() {
			stack = p.style(memStyle, fmt.Sprintf("%d[%d:%d]", pl.StackOff, pl.StackFrom, pl.StackFrom+pl.StackSize))
		}
		home := "-"
		if pl.Home >= 0 {
			home = fmt.Sprint(pl.Home)
		}
		typ := pl.Type.String()
		if pl.ByRef {
			typ += " (byref)"
		}
		if pl.Variadic {
			typ += " (...)"
		}
		if len(regs) == 0 {
			regs = []string{"-"}
		}
		t.row(name, typ, strings.Join(regs, " "), stack, home)
	}
	if plan.Hidden != nil {
		add("ret", plan.Hidden)
	}
	for i := range plan.Args {
		add(fmt.Sprint(i), &plan.Args[i])
	}
	if err := t.write(w); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "stack %d (used %d), %d int and %d float registers\n",
		plan.StackSize, plan.StackUsed, plan.IntUsed, plan.FloatUsed)
	return err
}

// Registers writes the register file, one undivided register per line with
// the views it contains.
func (p *Printer) Registers(w io.Writer) error {
	set := p.Regs
	t := &table{}
	t.row(p.style(opStyle, "reg"), p.style(opStyle, "class"), p.style(opStyle, "size"), p.style(opStyle, "flags"), p.style(opStyle, "views"))
	for i := range set.Len() {
		id := reg.ID(i)
		if set.Parent(id) != reg.None {
			continue
		}
		d := set.Get(id)
		var flags []string
		if d.Allocatable {
			flags = append(flags, "alloc")
		}
		if d.Dedicated {
			flags = append(flags, "dedicated")
		}
		if d.CalleeSaved {
			flags = append(flags, "saved")
		}
		if len(flags) == 0 {
			flags = append(flags, "-")
		}
		var views []string
		var walk func(reg.ID)
		walk = func(r reg.ID) {
			for _, c := range set.Children(r) {
				views = append(views, p.style(regStyle, set.Name(c)))
				walk(c)
			}
		}
		walk(id)
		t.row(p.style(regStyle, d.Name), d.Class.String(), fmt.Sprint(d.Size), strings.Join(flags, ","), strings.Join(views, " "))
	}
	return t.write(w)
}

// table aligns columns by printable width.
type table struct {
	rows [][]string
}

func (t *table) row(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) write(w io.Writer) error {
	var widths []int
	for _, r := range t.rows {
		for i, c := range r {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], ansi.StringWidth(c))
		}
	}
	for _, r := range t.rows {
		var b strings.Builder
		for i, c := range r {
			b.WriteString(c)
			if i < len(r)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(c)+2))
			}
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(b.String(), " ")); err != nil {
			return err
		}
	}
	return nil
}
