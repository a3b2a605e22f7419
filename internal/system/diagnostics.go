package system

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// DiagnosticLevel selects how many checks run.
type DiagnosticLevel string

const (
	LevelQuick DiagnosticLevel = "quick"
	LevelFull  DiagnosticLevel = "full"
)

// DiagnosticTest names one check.
type DiagnosticTest string

const (
	TestPermissions DiagnosticTest = "permissions"
	TestTools       DiagnosticTest = "tools"
	TestDirectories DiagnosticTest = "directories"
	TestKeys        DiagnosticTest = "keys"
)

// ParseDiagnosticTest accepts the names above.
func ParseDiagnosticTest(s string) (DiagnosticTest, error) {
	switch t := DiagnosticTest(s); t {
	case TestPermissions, TestTools, TestDirectories, TestKeys:
		return t, nil
	}
	return "", errors.Newf("unknown diagnostic test: %s", s)
}

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
)

type DiagnosticResult struct {
	Test      DiagnosticTest `json:"test"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Details   interface{}    `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// SystemDiagnostics is the full diagnostic run.
type SystemDiagnostics struct {
	Level       DiagnosticLevel    `json:"level"`
	StartTime   time.Time          `json:"start_time"`
	EndTime     time.Time          `json:"end_time"`
	Duration    time.Duration      `json:"duration"`
	Overall     string             `json:"overall"` // HEALTHY, WARNING, CRITICAL
	Results     []DiagnosticResult `json:"results"`
	Summary     DiagnosticSummary  `json:"summary"`
	Environment SystemEnvironment  `json:"environment"`
}

type DiagnosticSummary struct {
	TotalTests int `json:"total_tests"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
	Warnings   int `json:"warnings"`
}

type SystemEnvironment struct {
	Platform   string `json:"platform"`
	Host       string `json:"host"`
	Operator   string `json:"operator"`
	Privileged bool   `json:"privileged"`
	CPUCount   int    `json:"cpu_count"`
	GoVersion  string `json:"go_version"`
}

// DiagnosticTargets tells the runner what to look at.
type DiagnosticTargets struct {
	// Tools are the erasure programs expected on PATH.
	Tools []string
	// Dirs maps a label to a directory that must be writable.
	Dirs map[string]string
	// KeyDir and KeyFile locate the signing identity.
	KeyDir  string
	KeyFile string
	// LookPath finds tools; exec.LookPath when nil.
	LookPath func(string) (string, error)
}

// SystemDiagnosticsRunner runs the checks for one level or a single test.
type SystemDiagnosticsRunner struct {
	level   DiagnosticLevel
	test    DiagnosticTest
	targets DiagnosticTargets
}

func NewSystemDiagnosticsRunner(level DiagnosticLevel, test DiagnosticTest, targets DiagnosticTargets) *SystemDiagnosticsRunner {
	if targets.LookPath == nil {
		targets.LookPath = exec.LookPath
	}
	return &SystemDiagnosticsRunner{level: level, test: test, targets: targets}
}

// RunDiagnostics runs the selected checks in order.
func (sdr *SystemDiagnosticsRunner) RunDiagnostics(ctx context.Context) (*SystemDiagnostics, error) {
	diagnostics := &SystemDiagnostics{
		Level:       sdr.level,
		StartTime:   time.Now(),
		Results:     make([]DiagnosticResult, 0),
		Environment: collectEnvironmentInfo(),
	}

	for _, test := range sdr.getTestsForLevel() {
		if err := ctx.Err(); err != nil {
			return diagnostics, err
		}
		diagnostics.Results = append(diagnostics.Results, sdr.runTest(test))
	}

	diagnostics.EndTime = time.Now()
	diagnostics.Duration = diagnostics.EndTime.Sub(diagnostics.StartTime)
	diagnostics.Summary = calculateSummary(diagnostics.Results)
	diagnostics.Overall = determineOverallStatus(diagnostics.Summary)

	return diagnostics, nil
}

func (sdr *SystemDiagnosticsRunner) getTestsForLevel() []DiagnosticTest {
	if sdr.test != "" {
		return []DiagnosticTest{sdr.test}
	}
	if sdr.level == LevelFull {
		return []DiagnosticTest{TestPermissions, TestTools, TestDirectories, TestKeys}
	}
	return []DiagnosticTest{TestPermissions, TestTools}
}

func (sdr *SystemDiagnosticsRunner) runTest(test DiagnosticTest) DiagnosticResult {
	start := time.Now()
	result := DiagnosticResult{Test: test, Timestamp: start}

	switch test {
	case TestPermissions:
		result.Status, result.Message, result.Details = testPermissions()
	case TestTools:
		result.Status, result.Message, result.Details = sdr.testTools()
	case TestDirectories:
		result.Status, result.Message, result.Details = sdr.testDirectories()
	case TestKeys:
		result.Status, result.Message, result.Details = sdr.testKeys()
	}

	result.Duration = time.Since(start)
	return result
}

func testPermissions() (string, string, interface{}) {
	privileged := IsPrivileged()
	details := map[string]interface{}{"privileged": privileged, "user": currentUser()}
	if privileged {
		return StatusPass, "running with administrator privileges", details
	}
	return StatusWarn, "not privileged, raw device access will likely be denied", details
}

func (sdr *SystemDiagnosticsRunner) testTools() (string, string, interface{}) {
	found := make(map[string]string, len(sdr.targets.Tools))
	var missing []string
	for _, tool := range sdr.targets.Tools {
		p, err := sdr.targets.LookPath(tool)
		if err != nil {
			missing = append(missing, tool)
			continue
		}
		found[tool] = p
	}
	details := map[string]interface{}{"found": found, "missing": missing}

	switch {
	case len(sdr.targets.Tools) == 0:
		return StatusFail, "no erasure tools known for this platform", details
	case len(found) == 0:
		return StatusFail, fmt.Sprintf("none of %s found on PATH", strings.Join(sdr.targets.Tools, ", ")), details
	case len(missing) > 0:
		return StatusWarn, fmt.Sprintf("missing optional tools: %s", strings.Join(missing, ", ")), details
	}
	return StatusPass, fmt.Sprintf("all %d erasure tools available", len(found)), details
}

func (sdr *SystemDiagnosticsRunner) testDirectories() (string, string, interface{}) {
	details := make(map[string]string, len(sdr.targets.Dirs))
	var broken []string
	for label, dir := range sdr.targets.Dirs {
		if err := probeWritable(dir); err != nil {
			details[label] = err.Error()
			broken = append(broken, label)
			continue
		}
		details[label] = "ok"
	}
	if len(broken) > 0 {
		return StatusFail, fmt.Sprintf("not writable: %s", strings.Join(broken, ", ")), details
	}
	return StatusPass, fmt.Sprintf("%d directories writable", len(details)), details
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (sdr *SystemDiagnosticsRunner) testKeys() (string, string, interface{}) {
	details := map[string]interface{}{"dir": sdr.targets.KeyDir}

	info, err := os.Stat(sdr.targets.KeyFile)
	if os.IsNotExist(err) {
		return StatusWarn, "signing identity not initialized yet (run keys init)", details
	}
	if err != nil {
		return StatusFail, fmt.Sprintf("cannot stat signing key: %v", err), details
	}
	details["key_mode"] = info.Mode().Perm().String()

	// Windows reports synthetic permission bits.
	if runtime.GOOS != "windows" {
		if info.Mode().Perm()&0077 != 0 {
			return StatusFail, fmt.Sprintf("signing key %s is readable by other users", filepath.Base(sdr.targets.KeyFile)), details
		}
		if dirInfo, err := os.Stat(sdr.targets.KeyDir); err == nil && dirInfo.Mode().Perm()&0077 != 0 {
			details["dir_mode"] = dirInfo.Mode().Perm().String()
			return StatusWarn, "key directory is accessible by other users", details
		}
	}
	return StatusPass, "signing identity present with private permissions", details
}

func collectEnvironmentInfo() SystemEnvironment {
	host := CurrentHost("")
	return SystemEnvironment{
		Platform:   host.Platform,
		Host:       host.Hostname,
		Operator:   host.Operator,
		Privileged: IsPrivileged(),
		CPUCount:   runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}
}

func calculateSummary(results []DiagnosticResult) DiagnosticSummary {
	summary := DiagnosticSummary{TotalTests: len(results)}
	for _, result := range results {
		switch result.Status {
		case StatusPass:
			summary.Passed++
		case StatusFail:
			summary.Failed++
		case StatusWarn:
			summary.Warnings++
		}
	}
	return summary
}

func determineOverallStatus(summary DiagnosticSummary) string {
	if summary.Failed > 0 {
		return "CRITICAL"
	}
	if summary.Warnings > 0 {
		return "WARNING"
	}
	return "HEALTHY"
}

// SaveDiagnostics writes the run as JSON.
func SaveDiagnostics(diagnostics *SystemDiagnostics, outputPath string) error {
	data, err := json.MarshalIndent(diagnostics, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode diagnostics")
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return errors.Wrapf(err, "write %s", outputPath)
	}
	return nil
}
