package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTimeout         = time.Hour
	DefaultTerminateGrace  = 5 * time.Second
	DefaultProgressEvery   = 250 * time.Millisecond
	DefaultOutputTailBytes = 64 * 1024
	DefaultIdentityValid   = 10 * 365 * 24 * time.Hour
)

// Config is the on-disk configuration of wipecert.
type Config struct {
	Security      SecurityConfig      `yaml:"security"`
	Wipe          WipeConfig          `yaml:"wipe"`
	Certification CertificationConfig `yaml:"certification"`
	Logging       LoggingConfig       `yaml:"logging"`
	Reporting     ReportingConfig     `yaml:"reporting"`
	Tracing       TracingConfig       `yaml:"tracing"`
}

type SecurityConfig struct {
	RequireAdmin        bool `yaml:"require_admin"`
	RequireConfirmation bool `yaml:"require_confirmation"`
	// ContinueOnFailure decides whether a rejected or failed device ends the
	// whole session or only itself.
	ContinueOnFailure bool `yaml:"continue_on_failure"`
}

type WipeConfig struct {
	DefaultStandard     string `yaml:"default_standard"`
	DefaultPasses       int    `yaml:"default_passes"`
	Verify              bool   `yaml:"verify"`
	Timeout             string `yaml:"timeout"`
	TerminateGrace      string `yaml:"terminate_grace"`
	OutputTailBytes     int    `yaml:"output_tail_bytes"`
	ProgressInterval    string `yaml:"progress_interval"`
	PreferFirmwareErase bool   `yaml:"prefer_firmware_erase"`
}

type CertificationConfig struct {
	KeyDir           string `yaml:"key_dir"`
	CertDir          string `yaml:"cert_dir"`
	LedgerDir        string `yaml:"ledger_dir"`
	LedgerEnabled    bool   `yaml:"ledger_enabled"`
	IdentityValidity string `yaml:"identity_validity"`
	// Operator overrides the operating user recorded in certificates.
	Operator string `yaml:"operator"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	Encoding string `yaml:"encoding"`
}

type ReportingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	LocalPath string `yaml:"local_path"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Default returns the built-in configuration.
func Default() *Config {
	base := dataDir()

	return &Config{
		Security: SecurityConfig{
			RequireAdmin:        false,
			RequireConfirmation: true,
			ContinueOnFailure:   true,
		},
		Wipe: WipeConfig{
			DefaultStandard:     "NIST-800-88",
			DefaultPasses:       0,
			Verify:              false,
			Timeout:             DefaultTimeout.String(),
			TerminateGrace:      DefaultTerminateGrace.String(),
			OutputTailBytes:     DefaultOutputTailBytes,
			ProgressInterval:    DefaultProgressEvery.String(),
			PreferFirmwareErase: true,
		},
		Certification: CertificationConfig{
			KeyDir:           filepath.Join(base, "keys"),
			CertDir:          filepath.Join(base, "certificates"),
			LedgerDir:        filepath.Join(base, "ledger"),
			LedgerEnabled:    true,
			IdentityValidity: DefaultIdentityValid.String(),
		},
		Logging: LoggingConfig{
			Level:    "INFO",
			File:     filepath.Join(base, "logs", "wipecert.log"),
			Encoding: "json",
		},
		Reporting: ReportingConfig{
			Enabled:   true,
			LocalPath: filepath.Join(base, "reports"),
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// Load reads the YAML file at path on top of Default. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

// Validate checks value ranges and formats.
func Validate(cfg *Config) error {
	validStandards := map[string]bool{
		"NIST-800-88":   true,
		"DoD-5220.22-M": true,
		"CESG-CPA":      true,
	}
	if !validStandards[cfg.Wipe.DefaultStandard] {
		return errors.Newf("invalid default standard: %s", cfg.Wipe.DefaultStandard)
	}

	if cfg.Wipe.DefaultPasses < 0 || cfg.Wipe.DefaultPasses > 7 {
		return errors.Newf("default passes must be between 0 and 7, got %d", cfg.Wipe.DefaultPasses)
	}

	for name, value := range map[string]string{
		"timeout":           cfg.Wipe.Timeout,
		"terminate_grace":   cfg.Wipe.TerminateGrace,
		"progress_interval": cfg.Wipe.ProgressInterval,
		"identity_validity": cfg.Certification.IdentityValidity,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Newf("invalid %s format: %s", name, value)
		}
		if d < 0 {
			return errors.Newf("%s cannot be negative: %s", name, value)
		}
	}

	if cfg.Wipe.OutputTailBytes <= 0 || cfg.Wipe.OutputTailBytes > 16*1024*1024 {
		return errors.Newf("output tail must be between 1 byte and 16MB, got %d", cfg.Wipe.OutputTailBytes)
	}

	if cfg.Certification.KeyDir == "" || cfg.Certification.CertDir == "" {
		return errors.New("certification key_dir and cert_dir are required")
	}
	if cfg.Certification.LedgerEnabled && cfg.Certification.LedgerDir == "" {
		return errors.New("ledger_dir is required when the ledger is enabled")
	}
	if filepath.Clean(cfg.Certification.KeyDir) == filepath.Clean(cfg.Certification.CertDir) {
		return errors.New("key_dir and cert_dir must differ")
	}

	validLevels := map[string]bool{
		"DEBUG": true,
		"INFO":  true,
		"WARN":  true,
		"ERROR": true,
	}
	if !validLevels[cfg.Logging.Level] {
		return errors.Newf("invalid log level: %s", cfg.Logging.Level)
	}
	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return errors.Newf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	switch cfg.Tracing.Exporter {
	case "", "stdout", "noop":
	default:
		return errors.Newf("unsupported tracing exporter: %s", cfg.Tracing.Exporter)
	}

	return nil
}

// Save validates cfg and writes it as YAML.
func Save(cfg *Config, path string) error {
	if err := Validate(cfg); err != nil {
		return errors.Wrap(err, "cannot save invalid config")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// WipeTimeout is the per-device hard deadline.
func (cfg *Config) WipeTimeout() time.Duration {
	return parseOr(cfg.Wipe.Timeout, DefaultTimeout)
}

func (cfg *Config) TerminateGrace() time.Duration {
	return parseOr(cfg.Wipe.TerminateGrace, DefaultTerminateGrace)
}

func (cfg *Config) ProgressInterval() time.Duration {
	return parseOr(cfg.Wipe.ProgressInterval, DefaultProgressEvery)
}

func (cfg *Config) IdentityValidity() time.Duration {
	return parseOr(cfg.Certification.IdentityValidity, DefaultIdentityValid)
}

func parseOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// dataDir is the per-user base directory for keys, certificates and logs.
func dataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "wipecert")
	}
	return ".wipecert"
}
