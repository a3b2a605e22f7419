package config

import (
	"github.com/cockroachdb/errors"
)

// Profiles lists the names accepted by ApplyProfile.
var Profiles = []string{"nist-clear", "nist-purge", "dod", "cesg", "fast-test"}

// ApplyProfile applies a sanitization preset to the wipe section.
func ApplyProfile(cfg *Config, profile string) error {
	switch profile {
	case "nist-clear":
		cfg.Wipe.DefaultStandard = "NIST-800-88"
		cfg.Wipe.DefaultPasses = 1
		cfg.Wipe.PreferFirmwareErase = false
		cfg.Wipe.Verify = false
	case "nist-purge":
		cfg.Wipe.DefaultStandard = "NIST-800-88"
		cfg.Wipe.DefaultPasses = 1
		cfg.Wipe.PreferFirmwareErase = true
		cfg.Wipe.Verify = true
	case "dod":
		cfg.Wipe.DefaultStandard = "DoD-5220.22-M"
		cfg.Wipe.DefaultPasses = 3
		cfg.Wipe.PreferFirmwareErase = false
		cfg.Wipe.Verify = true
	case "cesg":
		cfg.Wipe.DefaultStandard = "CESG-CPA"
		cfg.Wipe.DefaultPasses = 3
		cfg.Wipe.PreferFirmwareErase = true
		cfg.Wipe.Verify = true
	case "fast-test":
		// for lab rigs with loop devices
		cfg.Wipe.DefaultPasses = 1
		cfg.Wipe.Timeout = "10m"
		cfg.Wipe.ProgressInterval = "100ms"
		cfg.Security.RequireConfirmation = false
	default:
		return errors.Newf("unknown profile: %s", profile)
	}
	return nil
}
