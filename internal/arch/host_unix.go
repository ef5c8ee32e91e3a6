//go:build unix

package arch

import (
	"golang.org/x/sys/unix"
)

// Host returns the architecture of the running machine, or Invalid when the
// machine is not one of the supported targets.
func Host() Architecture {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fromGOARCH()
	}
	machine := unix.ByteSliceToString(uts.Machine[:])
	if a, err := Parse(machine); err == nil {
		return a
	}
	return fromGOARCH()
}
