package system

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// MediaClass is the storage technology reported by the enumeration tool.
type MediaClass string

const (
	MediaHDD     MediaClass = "HDD"
	MediaSSD     MediaClass = "SSD"
	MediaNVMe    MediaClass = "NVMe"
	MediaUSB     MediaClass = "USB"
	MediaAndroid MediaClass = "Android"
	MediaUnknown MediaClass = "Unknown"
)

// IsSolidState reports whether firmware erase commands apply.
func (m MediaClass) IsSolidState() bool {
	return m == MediaSSD || m == MediaNVMe
}

// ParseMediaClass accepts the class names case-insensitively. Empty input
// maps to Unknown.
func ParseMediaClass(s string) (MediaClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hdd":
		return MediaHDD, nil
	case "ssd":
		return MediaSSD, nil
	case "nvme":
		return MediaNVMe, nil
	case "usb":
		return MediaUSB, nil
	case "android":
		return MediaAndroid, nil
	case "unknown", "":
		return MediaUnknown, nil
	default:
		return "", errors.Newf("unknown media class: %q", s)
	}
}

// UnmarshalText normalizes the class while decoding inventory files.
func (m *MediaClass) UnmarshalText(text []byte) error {
	parsed, err := ParseMediaClass(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Device is the snapshot of one storage device handed over by the
// enumeration collaborator. It is not re-derived here, only validated.
type Device struct {
	ID                  string     `json:"id" yaml:"id"`
	Path                string     `json:"path" yaml:"path"`
	SizeBytes           uint64     `json:"sizeBytes" yaml:"sizeBytes"`
	MediaClass          MediaClass `json:"mediaClass" yaml:"mediaClass"`
	Mounted             bool       `json:"mounted" yaml:"mounted"`
	Removable           bool       `json:"removable" yaml:"removable"`
	HasDependentVolumes bool       `json:"hasDependentVolumes" yaml:"hasDependentVolumes"`
	Model               string     `json:"model" yaml:"model"`
	Serial              string     `json:"serial" yaml:"serial"`
}

// Platform identifies the host operating system family.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
)

// ParsePlatform maps a GOOS value onto a supported platform.
func ParsePlatform(goos string) (Platform, error) {
	switch goos {
	case "linux":
		return PlatformLinux, nil
	case "darwin":
		return PlatformDarwin, nil
	case "windows":
		return PlatformWindows, nil
	default:
		return "", errors.Newf("unsupported platform: %s", goos)
	}
}
