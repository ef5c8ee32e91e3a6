package arch

import (
	"fmt"
	"strings"
)

// Architecture names a code generation target.
type Architecture string

const (
	Invalid Architecture = "invalid"
	X86     Architecture = "x86"
	AMD64   Architecture = "amd64"
	MIPS    Architecture = "mips"
	PowerPC Architecture = "ppc"
	SPARC   Architecture = "sparc"
)

// All lists every supported target in a stable order.
var All = []Architecture{X86, AMD64, MIPS, PowerPC, SPARC}

var aliases = map[string]Architecture{
	"x86":     X86,
	"i386":    X86,
	"i486":    X86,
	"i586":    X86,
	"i686":    X86,
	"386":     X86,
	"amd64":   AMD64,
	"x86_64":  AMD64,
	"x64":     AMD64,
	"mips":    MIPS,
	"mipseb":  MIPS,
	"ppc":     PowerPC,
	"powerpc": PowerPC,
	"sparc":   SPARC,
	"sparc64": SPARC,
	"sun4u":   SPARC,
}

// Parse maps a user or uname supplied machine name onto an Architecture.
func Parse(name string) (Architecture, error) {
	if a, ok := aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return a, nil
	}
	return Invalid, fmt.Errorf("arch: unknown architecture %q", name)
}

func (a Architecture) String() string { return string(a) }

// Valid reports whether a is one of the supported targets.
func (a Architecture) Valid() bool {
	for _, known := range All {
		if a == known {
			return true
		}
	}
	return false
}
