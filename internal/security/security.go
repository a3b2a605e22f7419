package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"

	"wipecert_enterprise/internal/config"
	"wipecert_enterprise/internal/system"
)

// RejectionReason says why a device is not eligible for erasure.
type RejectionReason string

const (
	InvalidPath   RejectionReason = "InvalidPath"
	Mounted       RejectionReason = "Mounted"
	NotRemovable  RejectionReason = "NotRemovable"
	HasDependents RejectionReason = "HasDependents"
)

// RejectionError is the validation failure for one device.
type RejectionError struct {
	DeviceID string
	Path     string
	Reason   RejectionReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("device %s (%s) rejected: %s", e.DeviceID, e.Path, e.Reason)
}

// ReasonOf extracts the rejection reason from err, if there is one.
func ReasonOf(err error) (RejectionReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// shellMeta never appears in a block device path on any platform.
const shellMeta = ";&|$`<>(){}[]*?!~'\"#%^=, \t\r\n\x00"

var allowlists = map[system.Platform]*regexp.Regexp{
	system.PlatformLinux:   regexp.MustCompile(`^/dev/(sd[a-z]{1,2}|vd[a-z]{1,2}|hd[a-z]|nvme[0-9]+n[0-9]+|mmcblk[0-9]+)$`),
	system.PlatformDarwin:  regexp.MustCompile(`^/dev/r?disk[0-9]+$`),
	system.PlatformWindows: regexp.MustCompile(`^\\\\\.\\PhysicalDrive[0-9]+$`),
}

// Validator is the preflight gate in front of every destructive command.
type Validator struct {
	platform system.Platform
	pattern  *regexp.Regexp
}

// NewValidator returns the validator for platform.
func NewValidator(platform system.Platform) (*Validator, error) {
	pattern, ok := allowlists[platform]
	if !ok {
		return nil, errors.Newf("no device allowlist for platform %q", platform)
	}
	return &Validator{platform: platform, pattern: pattern}, nil
}

// Validate returns nil for an eligible device or a *RejectionError. Checks
// run in a fixed order and the first failure wins. Non-removable devices
// are always rejected here; overriding that is the caller's decision.
func (v *Validator) Validate(dev system.Device) error {
	reject := func(reason RejectionReason) error {
		return &RejectionError{DeviceID: dev.ID, Path: dev.Path, Reason: reason}
	}

	if !v.PathAllowed(dev.Path) {
		return reject(InvalidPath)
	}
	if dev.Mounted {
		return reject(Mounted)
	}
	if !dev.Removable {
		return reject(NotRemovable)
	}
	if dev.HasDependentVolumes {
		return reject(HasDependents)
	}
	return nil
}

// PathAllowed reports whether path has the block device shape expected on
// this platform.
func (v *Validator) PathAllowed(path string) bool {
	if path == "" || strings.Contains(path, "..") || strings.ContainsAny(path, shellMeta) {
		return false
	}
	return v.pattern.MatchString(path)
}

// SecurityChecks runs the process-level gates from the config.
func SecurityChecks(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default()
	}

	if cfg.Security.RequireAdmin && !system.IsPrivileged() {
		return errors.WithHint(
			errors.New("administrator privileges required"),
			"run as root (or an elevated shell on Windows), or set security.require_admin: false",
		)
	}

	return nil
}
