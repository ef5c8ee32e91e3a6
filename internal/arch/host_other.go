//go:build !unix

package arch

// Host returns the architecture of the running machine, or Invalid when the
// machine is not one of the supported targets.
func Host() Architecture {
	return fromGOARCH()
}
