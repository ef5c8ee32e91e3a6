package arch

import "runtime"

func fromGOARCH() Architecture {
	switch runtime.GOARCH {
	case "386":
		return X86
	case "amd64":
		return AMD64
	case "mips":
		return MIPS
	case "ppc":
		return PowerPC
	}
	return Invalid
}
