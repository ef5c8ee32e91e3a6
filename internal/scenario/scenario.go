// Package scenario stands in for the front end of the compiler. A scenario
// file describes functions the way a parser would hand them over (typed
// parameters, locals and a straight-line body) and Run drives them through
// parameter mapping, value lifecycle, call marshaling and frame finalization.
package scenario

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ccabi/internal/arch"
)

// Version is the newest scenario format this build reads.
const Version = "v1.1.0"

// unionsSince is the first format version with union declarations.
const unionsSince = "v1.1.0"

// Scenario is one scenario file.
type Scenario struct {
	Version     string `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Targets restricts the scenario to some architectures. Empty means
	// every architecture.
	Targets   []string   `yaml:"targets"`
	Structs   []Struct   `yaml:"structs"`
	Globals   []Decl     `yaml:"globals"`
	Externs   []Extern   `yaml:"externs"`
	Functions []Function `yaml:"functions"`

	path string
}

// Struct declares a struct, or a union with Union set.
type Struct struct {
	Name   string `yaml:"name"`
	Union  bool   `yaml:"union"`
	Fields []Decl `yaml:"fields"`
}

// Decl is a named, typed entity. Types are spelled in C: "unsigned char",
// "struct point", "char *", "int[4]".
type Decl struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Extern declares a function that is called but not defined.
type Extern struct {
	Name     string   `yaml:"name"`
	Return   string   `yaml:"return"`
	Params   []string `yaml:"params"`
	Variadic bool     `yaml:"variadic"`
	// OldStyle marks a declaration without a prototype.
	OldStyle bool `yaml:"old_style"`
}

type Function struct {
	Name     string   `yaml:"name"`
	Return   string   `yaml:"return"`
	Params   []Decl   `yaml:"params"`
	Variadic bool     `yaml:"variadic"`
	OldStyle bool     `yaml:"old_style"`
	Locals   []Decl   `yaml:"locals"`
	Body     []Stmt   `yaml:"body"`
	Expect   []Expect `yaml:"expect"`
}

// Stmt is one statement; exactly one field is set. Operands are variable
// names, integer or floating literals, or double-quoted string literals.
type Stmt struct {
	Call   *CallStmt   `yaml:"call,omitempty"`
	Assign *AssignStmt `yaml:"assign,omitempty"`
	Deref  *DerefStmt  `yaml:"deref,omitempty"`
	Member *MemberStmt `yaml:"member,omitempty"`
	// Return names the returned operand; "" returns nothing.
	Return *string `yaml:"return,omitempty"`
	// Spill evicts every register, saving temporaries to the frame.
	Spill bool `yaml:"spill,omitempty"`
}

type CallStmt struct {
	Fn     string   `yaml:"fn"`
	Args   []string `yaml:"args"`
	Result string   `yaml:"result"`
}

type AssignStmt struct {
	Dst string `yaml:"dst"`
	Src string `yaml:"src"`
}

// DerefStmt is dst = *ptr.
type DerefStmt struct {
	Dst string `yaml:"dst"`
	Ptr string `yaml:"ptr"`
}

// MemberStmt is dst = src.field.
type MemberStmt struct {
	Dst   string `yaml:"dst"`
	Src   string `yaml:"src"`
	Field string `yaml:"field"`
}

// Expect holds checks on the instructions generated for a function. With
// Target set it only applies to that architecture.
type Expect struct {
	Target    string         `yaml:"target"`
	Ops       map[string]int `yaml:"ops"`
	FrameSize *int64         `yaml:"frame_size"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: reading %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario: %s: %w", path, err)
	}
	s.path = path
	return s, nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Path is the file the scenario was loaded from, if any.
func (s *Scenario) Path() string { return s.path }

// Validate checks the format version and the shape of every statement.
// Type names are only resolved by Run, against the target's sizes.
func (s *Scenario) Validate() error {
	v, err := checkVersion(s.Version)
	if err != nil {
		return err
	}
	s.Version = v
	for _, st := range s.Structs {
		if st.Union && semver.Compare(s.Version, unionsSince) < 0 {
			return fmt.Errorf("union %s needs format %s, file declares %s", st.Name, unionsSince, s.Version)
		}
		if len(st.Fields) == 0 {
			return fmt.Errorf("struct %s has no fields", st.Name)
		}
	}
	for _, t := range s.Targets {
		if _, err := arch.Parse(t); err != nil {
			return err
		}
	}
	if len(s.Functions) == 0 {
		return fmt.Errorf("no functions")
	}
	seen := make(map[string]bool)
	for _, e := range s.Externs {
		seen[e.Name] = true
	}
	for _, fn := range s.Functions {
		if seen[fn.Name] {
			return fmt.Errorf("function %s declared twice", fn.Name)
		}
		seen[fn.Name] = true
		if err := fn.validate(); err != nil {
			return fmt.Errorf("function %s: %w", fn.Name, err)
		}
	}
	return nil
}

// Supports reports whether the scenario applies to a.
func (s *Scenario) Supports(a arch.Architecture) bool {
	if len(s.Targets) == 0 {
		return true
	}
	for _, t := range s.Targets {
		if p, err := arch.Parse(t); err == nil && p == a {
			return true
		}
	}
	return false
}

// checkVersion returns v in canonical "vX.Y.Z" form.
func checkVersion(v string) (string, error) {
	if v == "" {
		return "", fmt.Errorf("missing version")
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid version %q", v)
	}
	if semver.Major(v) != semver.Major(Version) {
		return "", fmt.Errorf("format %s is not compatible with %s", v, Version)
	}
	if semver.Compare(v, Version) > 0 {
		return "", fmt.Errorf("format %s is newer than supported %s", v, Version)
	}
	return semver.Canonical(v), nil
}

func (fn *Function) validate() error {
	for i, st := range fn.Body {
		n := 0
		for _, set := range []bool{st.Call != nil, st.Assign != nil, st.Deref != nil, st.Member != nil, st.Return != nil, st.Spill} {
			if set {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("statement %d: want exactly one action, got %d", i, n)
		}
		if st.Return != nil && i != len(fn.Body)-1 {
			return fmt.Errorf("statement %d: return must be last", i)
		}
	}
	for _, e := range fn.Expect {
		if e.Target != "" {
			if _, err := arch.Parse(e.Target); err != nil {
				return err
			}
		}
	}
	return nil
}
