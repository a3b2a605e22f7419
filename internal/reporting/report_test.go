package reporting

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"wipecert_enterprise/internal/certificate"
	"wipecert_enterprise/internal/config"
	"wipecert_enterprise/internal/session"
	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/wipe"
)

var host = system.HostIdentity{Operator: "alice", Hostname: "bench-01", Platform: "linux/amd64"}

func sampleResult() *session.Result {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ok := &wipe.Outcome{
		ID: "out-1", DeviceID: "usb-1", Success: true, Method: wipe.MethodOverwrite,
		PassesPerformed: 3, StartTime: start, EndTime: start.Add(time.Minute), DurationMs: 60_000,
		VerificationHash: "abc",
	}
	return &session.Result{
		SessionID: "s-1",
		Phase:     session.PhaseCompleted,
		Options:   wipe.Options{Standard: wipe.StandardDoD},
		StartTime: start,
		EndTime:   start.Add(2 * time.Minute),
		Devices: []session.DeviceReport{
			{Device: system.Device{ID: "usb-1", Path: "/dev/sdb", SizeBytes: 1000}, Status: session.StatusCertified, Outcome: ok, CertificateID: "C1"},
			{Device: system.Device{ID: "usb-2", Path: "/dev/sdc", SizeBytes: 500}, Status: session.StatusErasedUncertified, Outcome: ok, Warning: "not issued"},
			{Device: system.Device{ID: "sda", Path: "/dev/sda"}, Status: session.StatusRejected, ErrorKind: "Mounted"},
			{Device: system.Device{ID: "usb-3", Path: "/dev/sdd"}, Status: session.StatusSkipped},
		},
		CertificateIDs: []string{"C1"},
		Warnings:       []string{"usb-2: not issued"},
	}
}

func TestGenerateReport(t *testing.T) {
	r := GenerateReport(sampleResult(), host, 2)

	assert.Equal(t, "s-1", r.SessionID)
	assert.Equal(t, "DoD-5220.22-M", r.Standard)
	assert.Equal(t, 3, r.Passes)
	assert.Equal(t, "2m0s", r.Duration)
	assert.Equal(t, 2, r.ExitCode)

	want := SummaryReport{
		TotalDevices: 4,
		Certified:    1,
		Uncertified:  1,
		Rejected:     1,
		Skipped:      1,
		TotalBytes:   1500,
		SuccessRate:  50,
	}
	assert.Equal(t, want, r.Summary)

	require.Len(t, r.Operations, 4)
	assert.Equal(t, "multi-pass-overwrite", r.Operations[0].Method)
	assert.NotNil(t, r.Operations[0].StartTime)
	assert.Nil(t, r.Operations[2].StartTime)
	assert.Equal(t, "Mounted", r.Operations[2].ErrorKind)
}

func TestSaveAndAggregateReports(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ReportingConfig{Enabled: true, LocalPath: dir}

	first := GenerateReport(sampleResult(), host, 2)
	path, err := SaveReport(first, cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "session_s-1.json"), path)

	res := sampleResult()
	res.SessionID = "s-2"
	res.StartTime = res.StartTime.Add(time.Hour)
	second := GenerateReport(res, system.HostIdentity{Hostname: "bench-02"}, 0)
	_, err = SaveReport(second, cfg)
	require.NoError(t, err)

	reports, err := LoadReports(dir)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "s-1", reports[0].SessionID)

	agg := AggregateReports(reports)
	assert.Equal(t, 2, agg.TotalRuns)
	assert.Equal(t, 2, agg.TotalMachines)
	assert.Equal(t, 8, agg.TotalDevices)
	assert.Equal(t, 2, agg.Summary.Certified)
	assert.Equal(t, 50.0, agg.Summary.SuccessPct)
	assert.Equal(t, []string{"s-1", "s-2"}, agg.Sessions)
}

func TestSaveReportDisabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	path, err := SaveReport(GenerateReport(sampleResult(), host, 0), config.ReportingConfig{LocalPath: dir})
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.NoDirExists(t, dir)
}

func TestVerificationReport(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	keys := certificate.NewKeyManager(filepath.Join(dir, "keys"), time.Hour, logger)
	store, err := certificate.OpenStore(filepath.Join(dir, "certs"))
	require.NoError(t, err)
	auth := certificate.NewAuthority(keys, store, host, logger)
	ctx := context.Background()

	dev := system.Device{ID: "usb-1", Path: "/dev/sdb", Serial: "S1", Removable: true}
	out := &wipe.Outcome{ID: "out-1", DeviceID: "usb-1", Success: true, Method: wipe.MethodOverwrite, PassesPerformed: 1}
	good, err := auth.Issue(ctx, out, dev, wipe.Options{Standard: wipe.StandardNIST})
	require.NoError(t, err)

	bad := *good
	bad.DeviceSnapshot.Serial = "S2"

	id, err := keys.LoadOrCreate(ctx)
	require.NoError(t, err)
	report := GenerateVerificationReport([]*certificate.Certificate{good, &bad}, id.Verifier())
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Valid)
	assert.Equal(t, 1, report.Invalid)
	assert.NotEmpty(t, report.Entries[1].Reason)

	var buf bytes.Buffer
	require.NoError(t, WriteVerificationReport(&buf, report, "csv"))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "certificate_id", rows[0][0])
	assert.Equal(t, "true", rows[1][7])
	assert.Equal(t, "false", rows[2][7])

	buf.Reset()
	require.NoError(t, WriteVerificationReport(&buf, report, "json"))
	assert.Contains(t, buf.String(), `"invalid": 1`)

	assert.Error(t, WriteVerificationReport(&buf, report, "xml"))
}
