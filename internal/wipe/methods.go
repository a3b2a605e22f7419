package wipe

import (
	"github.com/cockroachdb/errors"
)

// Standard is the sanitization standard recorded in certificates.
type Standard string

const (
	StandardNIST Standard = "NIST-800-88"
	StandardDoD  Standard = "DoD-5220.22-M"
	StandardCESG Standard = "CESG-CPA"
)

const (
	MinPasses = 1
	MaxPasses = 7
)

// Method is the erasure technique a command implements.
type Method string

const (
	MethodOverwrite      Method = "multi-pass-overwrite"
	MethodNVMeFormat     Method = "nvme-secure-format"
	MethodSecureDiscard  Method = "secure-discard"
	MethodDiskutilErase  Method = "diskutil-secure-erase"
	MethodSDeleteOverwrt Method = "sdelete-overwrite"
)

// IsFirmware reports whether the drive itself performs the erasure.
func (m Method) IsFirmware() bool {
	return m == MethodNVMeFormat || m == MethodSecureDiscard
}

// DefaultPasses is used when the operator does not ask for a count.
func (s Standard) DefaultPasses() int {
	switch s {
	case StandardDoD, StandardCESG:
		return 3
	default:
		return 1
	}
}

// ClampPasses caps n to [MinPasses, MaxPasses].
func ClampPasses(n int) int {
	if n < MinPasses {
		return MinPasses
	}
	if n > MaxPasses {
		return MaxPasses
	}
	return n
}

// ParseStandard validates a standard name.
func ParseStandard(s string) (Standard, error) {
	std := Standard(s)
	switch std {
	case StandardNIST, StandardDoD, StandardCESG:
		return std, nil
	default:
		return "", errors.Newf("unsupported standard: %q", s)
	}
}
