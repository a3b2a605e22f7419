package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"wipecert_enterprise/internal/config"
	"wipecert_enterprise/internal/session"
	"wipecert_enterprise/internal/system"
)

// Version is stamped into every report.
const Version = "1.0.0"

// Report is the JSON record of one wipe session.
type Report struct {
	SessionID      string              `json:"session_id"`
	Version        string              `json:"version"`
	Timestamp      time.Time           `json:"timestamp"`
	Host           system.HostIdentity `json:"host"`
	Standard       string              `json:"standard"`
	Passes         int                 `json:"passes"`
	Verify         bool                `json:"verify"`
	Phase          string              `json:"phase"`
	Operations     []OperationReport   `json:"operations"`
	Summary        SummaryReport       `json:"summary"`
	CertificateIDs []string            `json:"certificate_ids"`
	Warnings       []string            `json:"warnings,omitempty"`
	ExitCode       int                 `json:"exit_code"`
	Duration       string              `json:"duration"`
}

// OperationReport is the per-device part of a report.
type OperationReport struct {
	DeviceID         string     `json:"device_id"`
	Path             string     `json:"path"`
	Model            string     `json:"model,omitempty"`
	Serial           string     `json:"serial,omitempty"`
	SizeBytes        uint64     `json:"size_bytes"`
	Status           string     `json:"status"`
	Method           string     `json:"method,omitempty"`
	Passes           int        `json:"passes,omitempty"`
	Command          string     `json:"command,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	DurationMs       int64      `json:"duration_ms,omitempty"`
	VerificationHash string     `json:"verification_hash,omitempty"`
	CertificateID    string     `json:"certificate_id,omitempty"`
	ErrorKind        string     `json:"error_kind,omitempty"`
	Error            string     `json:"error,omitempty"`
	Warning          string     `json:"warning,omitempty"`
}

// SummaryReport counts devices by final status.
type SummaryReport struct {
	TotalDevices int     `json:"total_devices"`
	Certified    int     `json:"certified"`
	Uncertified  int     `json:"uncertified"`
	Failed       int     `json:"failed"`
	Rejected     int     `json:"rejected"`
	Cancelled    int     `json:"cancelled"`
	Skipped      int     `json:"skipped"`
	TotalBytes   uint64  `json:"total_bytes_erased"`
	SuccessRate  float64 `json:"success_rate"`
}

// AggregatedReport summarizes several session reports.
type AggregatedReport struct {
	GeneratedAt   time.Time         `json:"generated_at"`
	TotalRuns     int               `json:"total_runs"`
	TotalMachines int               `json:"total_machines"`
	TotalDevices  int               `json:"total_devices"`
	TotalBytes    uint64            `json:"total_bytes_erased"`
	Summary       AggregatedSummary `json:"summary"`
	Sessions      []string          `json:"sessions"`
}

// AggregatedSummary holds the status totals across runs.
type AggregatedSummary struct {
	Certified   int     `json:"certified"`
	Uncertified int     `json:"uncertified"`
	Failed      int     `json:"failed"`
	Rejected    int     `json:"rejected"`
	Cancelled   int     `json:"cancelled"`
	Skipped     int     `json:"skipped"`
	SuccessPct  float64 `json:"success_pct"`
}

// GenerateReport builds the report for a finished session.
func GenerateReport(res *session.Result, host system.HostIdentity, exitCode int) *Report {
	report := &Report{
		SessionID:      res.SessionID,
		Version:        Version,
		Timestamp:      res.StartTime.UTC(),
		Host:           host,
		Standard:       string(res.Options.Standard),
		Passes:         res.Options.EffectivePasses(),
		Verify:         res.Options.Verify,
		Phase:          string(res.Phase),
		Operations:     make([]OperationReport, len(res.Devices)),
		CertificateIDs: res.CertificateIDs,
		Warnings:       res.Warnings,
		ExitCode:       exitCode,
		Duration:       res.EndTime.Sub(res.StartTime).Round(time.Millisecond).String(),
	}

	s := &report.Summary
	s.TotalDevices = len(res.Devices)
	for i, d := range res.Devices {
		op := OperationReport{
			DeviceID:      d.Device.ID,
			Path:          d.Device.Path,
			Model:         d.Device.Model,
			Serial:        d.Device.Serial,
			SizeBytes:     d.Device.SizeBytes,
			Status:        string(d.Status),
			Command:       d.Command,
			CertificateID: d.CertificateID,
			ErrorKind:     d.ErrorKind,
			Error:         d.Error,
			Warning:       d.Warning,
		}
		if out := d.Outcome; out != nil {
			start, end := out.StartTime.UTC(), out.EndTime.UTC()
			op.Method = string(out.Method)
			op.Passes = out.PassesPerformed
			op.StartTime = &start
			op.EndTime = &end
			op.DurationMs = out.DurationMs
			op.VerificationHash = out.VerificationHash
		}
		report.Operations[i] = op

		switch d.Status {
		case session.StatusCertified:
			s.Certified++
		case session.StatusErasedUncertified:
			s.Uncertified++
		case session.StatusFailed:
			s.Failed++
		case session.StatusRejected:
			s.Rejected++
		case session.StatusCancelled:
			s.Cancelled++
		case session.StatusSkipped:
			s.Skipped++
		}
		if d.Status.Erased() {
			s.TotalBytes += d.Device.SizeBytes
		}
	}
	if s.TotalDevices > 0 {
		s.SuccessRate = float64(s.Certified+s.Uncertified) / float64(s.TotalDevices) * 100
	}
	return report
}

// SaveReport writes report to the configured directory and returns the
// file path. Nothing is written when reporting is disabled.
func SaveReport(report *Report, cfg config.ReportingConfig) (string, error) {
	if !cfg.Enabled {
		return "", nil
	}
	if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
		return "", errors.Wrap(err, "create reports directory")
	}

	path := filepath.Join(cfg.LocalPath, fmt.Sprintf("session_%s.json", report.SessionID))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode report")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrap(err, "write report")
	}
	return path, nil
}

// LoadReports reads every session report in dir, oldest first.
func LoadReports(dir string) ([]Report, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "session_*.json"))
	if err != nil {
		return nil, errors.Wrap(err, "list reports")
	}
	reports := make([]Report, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", filepath.Base(path))
		}
		var r Report
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, errors.Wrapf(err, "decode %s", filepath.Base(path))
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Timestamp.Before(reports[j].Timestamp) })
	return reports, nil
}

// AggregateReports folds several session reports into one summary.
func AggregateReports(reports []Report) *AggregatedReport {
	agg := &AggregatedReport{
		GeneratedAt: time.Now().UTC(),
		TotalRuns:   len(reports),
		Sessions:    make([]string, 0, len(reports)),
	}

	machines := make(map[string]bool)
	for _, r := range reports {
		agg.Sessions = append(agg.Sessions, r.SessionID)
		agg.TotalDevices += r.Summary.TotalDevices
		agg.TotalBytes += r.Summary.TotalBytes
		machines[strings.ToLower(r.Host.Hostname)] = true

		agg.Summary.Certified += r.Summary.Certified
		agg.Summary.Uncertified += r.Summary.Uncertified
		agg.Summary.Failed += r.Summary.Failed
		agg.Summary.Rejected += r.Summary.Rejected
		agg.Summary.Cancelled += r.Summary.Cancelled
		agg.Summary.Skipped += r.Summary.Skipped
	}
	agg.TotalMachines = len(machines)

	if agg.TotalDevices > 0 {
		agg.Summary.SuccessPct = float64(agg.Summary.Certified+agg.Summary.Uncertified) / float64(agg.TotalDevices) * 100
	}
	return agg
}
