//go:build windows

package system

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func kernelRelease() string {
	v := windows.RtlGetVersion()
	return fmt.Sprintf("%d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber)
}

// IsPrivileged reports whether the process token is elevated.
func IsPrivileged() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
