package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wipecert_enterprise/internal/app"
	"wipecert_enterprise/internal/certificate"
	"wipecert_enterprise/internal/config"
	"wipecert_enterprise/internal/logging"
	"wipecert_enterprise/internal/reporting"
	"wipecert_enterprise/internal/security"
	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/telemetry"
	"wipecert_enterprise/internal/wipe"
)

const (
	Version = "1.0.0"
	AppName = "wipecert"
)

var (
	cfg           *config.Config
	logger        *zap.Logger
	verbose       bool
	configPath    string
	inventoryPath string
	profile       string
	stopTracing   func(context.Context) error
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:           AppName,
	Short:         "Certified storage erasure",
	Long:          "Erases storage devices with the platform's sanitization tools and issues signed erasure certificates.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd.Context())
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "List inventory devices and whether they may be erased",
	RunE:  runInfo,
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Check erasure tools, privileges and data directories",
	RunE:  runDiagnose,
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Summarize saved session reports",
	RunE:  runReports,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Sanitization profile (nist-clear/nist-purge/dod/cesg/fast-test)")
	rootCmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "", "Device inventory file (YAML or JSON)")

	diagnoseCmd.Flags().Bool("full", false, "Also check data directories and the signing key")
	diagnoseCmd.Flags().String("test", "", "Run a single check (permissions/tools/directories/keys)")
	diagnoseCmd.Flags().String("output", "", "Save the diagnostics as JSON")

	rootCmd.AddCommand(wipeCmd, infoCmd, diagnoseCmd, reportsCmd, certsCmd, keysCmd, ledgerCmd)
}

func setup(ctx context.Context) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if profile != "" {
		if err := config.ApplyProfile(cfg, profile); err != nil {
			return err
		}
	}

	logger, err = logging.New(cfg.Logging, verbose)
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	if profile != "" {
		logger.Info("Profile applied", zap.String("profile", profile))
	}

	stopTracing, err = telemetry.Setup(ctx, cfg.Tracing)
	return err
}

func teardown() {
	if stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracing(ctx); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}
	if logger != nil {
		_ = logger.Sync()
	}
}

func loadInventory() (*system.Inventory, error) {
	if inventoryPath == "" {
		return nil, errors.WithHint(errors.New("no device inventory given"),
			"pass --inventory with the file written by the enumeration tool")
	}
	return system.LoadInventory(inventoryPath)
}

// newApp wires the facade. The inventory is optional for commands that
// only touch certificates.
func newApp(ctx context.Context, devices system.DeviceSource) (*app.App, error) {
	return app.New(ctx, cfg, devices, logger)
}

func runInfo(cmd *cobra.Command, args []string) error {
	inv, err := loadInventory()
	if err != nil {
		return err
	}
	platform, err := system.CurrentPlatform()
	if err != nil {
		return err
	}
	validator, err := security.NewValidator(platform)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Devices in %s:\n", inventoryPath)
	fmt.Fprintln(out, "==========================")
	for _, d := range inv.List() {
		verdict := "eligible"
		if err := validator.Validate(d); err != nil {
			if reason, ok := security.ReasonOf(err); ok {
				verdict = "rejected: " + string(reason)
			} else {
				verdict = "rejected: " + err.Error()
			}
		}
		fmt.Fprintf(out, "%-12s %-18s %-8s %12d bytes  %s %s  [%s]\n",
			d.ID, d.Path, d.MediaClass, d.SizeBytes, d.Model, d.Serial, verdict)
	}
	return nil
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	full, _ := cmd.Flags().GetBool("full")
	testName, _ := cmd.Flags().GetString("test")
	output, _ := cmd.Flags().GetString("output")

	level := system.LevelQuick
	if full {
		level = system.LevelFull
	}
	var test system.DiagnosticTest
	if testName != "" {
		var err error
		if test, err = system.ParseDiagnosticTest(testName); err != nil {
			return err
		}
	}

	platform, err := system.CurrentPlatform()
	if err != nil {
		return err
	}
	keys := certificate.NewKeyManager(cfg.Certification.KeyDir, cfg.IdentityValidity(), logger)
	targets := system.DiagnosticTargets{
		Tools: wipe.Tools(platform),
		Dirs: map[string]string{
			"certificates": cfg.Certification.CertDir,
		},
		KeyDir:  keys.Dir(),
		KeyFile: keys.PrivateKeyPath(),
	}
	if cfg.Certification.LedgerEnabled {
		targets.Dirs["ledger"] = cfg.Certification.LedgerDir
	}
	if cfg.Reporting.Enabled {
		targets.Dirs["reports"] = cfg.Reporting.LocalPath
	}
	if cfg.Logging.File != "" {
		targets.Dirs["logs"] = filepath.Dir(cfg.Logging.File)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	diagnostics, err := system.NewSystemDiagnosticsRunner(level, test, targets).RunDiagnostics(ctx)
	if err != nil {
		return errors.Wrap(err, "diagnostics interrupted")
	}

	out := cmd.OutOrStdout()
	env := diagnostics.Environment
	fmt.Fprintf(out, "Diagnostics (%s): %s\n", diagnostics.Level, diagnostics.Overall)
	fmt.Fprintf(out, "Host %s, %s, operator %s, privileged %t\n\n", env.Host, env.Platform, env.Operator, env.Privileged)
	for _, r := range diagnostics.Results {
		mark := "✓"
		switch r.Status {
		case system.StatusFail:
			mark = "✗"
		case system.StatusWarn:
			mark = "⚠"
		}
		fmt.Fprintf(out, "%s %-12s %s\n", mark, r.Test, r.Message)
		if verbose && r.Details != nil {
			fmt.Fprintf(out, "   %+v\n", r.Details)
		}
	}

	if output != "" {
		if err := system.SaveDiagnostics(diagnostics, output); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nSaved to %s\n", output)
	}

	switch diagnostics.Overall {
	case "CRITICAL":
		return &exitError{code: app.ExitError, err: errors.New("critical problems found")}
	case "WARNING":
		return &exitError{code: app.ExitWarning}
	}
	return nil
}

func runReports(cmd *cobra.Command, args []string) error {
	reports, err := reporting.LoadReports(cfg.Reporting.LocalPath)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No session reports in %s\n", cfg.Reporting.LocalPath)
		return nil
	}
	return printJSON(cmd.OutOrStdout(), reporting.AggregateReports(reports))
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	teardown()
	if err == nil {
		os.Exit(app.ExitOK)
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		os.Exit(ee.code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if hint := errors.FlattenHints(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	}
	os.Exit(app.ExitError)
}
