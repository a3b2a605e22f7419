//go:build !windows

package system

import (
	"golang.org/x/sys/unix"
)

func kernelRelease() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "unknown"
	}
	return unix.ByteSliceToString(u.Release[:])
}

// IsPrivileged reports whether the process can open raw block devices.
func IsPrivileged() bool {
	return unix.Geteuid() == 0
}
