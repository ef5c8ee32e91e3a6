// Package all registers every supported calling convention.
package all

import (
	_ "github.com/tinyrange/ccabi/internal/abi/amd64"
	_ "github.com/tinyrange/ccabi/internal/abi/mips"
	_ "github.com/tinyrange/ccabi/internal/abi/ppc"
	_ "github.com/tinyrange/ccabi/internal/abi/sparc"
	_ "github.com/tinyrange/ccabi/internal/abi/x86"
)
