package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/mod/sumdb/note"

	"wipecert_enterprise/internal/certificate"
	"wipecert_enterprise/internal/config"
	"wipecert_enterprise/internal/reporting"
	"wipecert_enterprise/internal/session"
	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/wipe"
)

type instantBackend struct{}

func (instantBackend) Platform() system.Platform { return system.PlatformLinux }

func (instantBackend) Resolve(dev system.Device, opts wipe.Options) (*wipe.CommandSpec, error) {
	return &wipe.CommandSpec{Path: "/usr/bin/shred", Args: []string{dev.Path}, Method: wipe.MethodOverwrite, Passes: opts.EffectivePasses()}, nil
}

func (instantBackend) Execute(_ context.Context, dev system.Device, spec *wipe.CommandSpec, onProgress wipe.ProgressFunc) (*wipe.Outcome, error) {
	onProgress(1)
	now := time.Now()
	return &wipe.Outcome{
		ID: uuid.NewString(), DeviceID: dev.ID, Success: true, Method: spec.Method,
		PassesPerformed: spec.Passes, StartTime: now, EndTime: now, VerificationHash: "ab",
	}, nil
}

var inventory = []system.Device{
	{ID: "usb-1", Path: "/dev/sdb", MediaClass: system.MediaUSB, Removable: true, Serial: "U1"},
	{ID: "sata-0", Path: "/dev/sdc", MediaClass: system.MediaHDD, Serial: "H1"},
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Certification.KeyDir = filepath.Join(dir, "keys")
	cfg.Certification.CertDir = filepath.Join(dir, "certs")
	cfg.Certification.LedgerDir = filepath.Join(dir, "ledger")
	cfg.Reporting.LocalPath = filepath.Join(dir, "reports")
	cfg.Logging.File = ""
	cfg.Wipe.ProgressInterval = "1ms"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	inv, err := system.NewInventory(inventory)
	require.NoError(t, err)
	a, err := New(context.Background(), cfg, inv, zaptest.NewLogger(t),
		WithBackend(instantBackend{}),
		WithPlatform(system.PlatformLinux),
		WithHost(system.HostIdentity{Operator: "tester", Hostname: "bench", Platform: "linux/amd64"}))
	require.NoError(t, err)
	return a
}

func runSession(t *testing.T, a *App, req SessionRequest) (*Session, *session.Result) {
	t.Helper()
	s, err := a.StartSession(context.Background(), req)
	require.NoError(t, err)
	for range s.Updates() {
	}
	return s, s.Wait()
}

func TestSessionEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	ctx := context.Background()

	s, res := runSession(t, a, SessionRequest{
		DeviceIDs: []string{"usb-1", "sata-0"},
		Options:   wipe.Options{Standard: wipe.StandardNIST},
	})
	require.Len(t, res.Devices, 2)
	assert.Equal(t, session.StatusCertified, res.Devices[0].Status)
	assert.Equal(t, session.StatusRejected, res.Devices[1].Status)
	assert.Equal(t, ExitWarning, ExitCode(res))

	path, err := s.Report()
	require.NoError(t, err)
	reports, err := reporting.LoadReports(cfg.Reporting.LocalPath)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, filepath.Join(cfg.Reporting.LocalPath, "session_"+res.SessionID+".json"), path)
	assert.Equal(t, ExitWarning, reports[0].ExitCode)
	assert.Equal(t, "bench", reports[0].Host.Hostname)

	id := res.Devices[0].CertificateID
	verdict, err := a.VerifyCertificate(ctx, id)
	require.NoError(t, err)
	assert.True(t, verdict.Valid, verdict.Reason)

	certs, err := a.ListCertificates()
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "tester", certs[0].Issuer.Operator)

	pemBytes, err := a.IdentityPEM(ctx)
	require.NoError(t, err)
	v, err := certificate.ParseIdentity(pemBytes)
	require.NoError(t, err)

	payload, err := a.ExportCertificate(id)
	require.NoError(t, err)
	msg, err := a.ExportCertificateNote(ctx, id)
	require.NoError(t, err)
	opened, err := certificate.OpenNote(msg, v)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)

	proof, cp, err := a.ProveCertificate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), proof.LeafIndex)
	assert.Equal(t, uint64(1), cp.Size)
	assert.Equal(t, LedgerOrigin(v.KeyID), cp.Origin)

	raw, err := a.Checkpoint(ctx)
	require.NoError(t, err)
	nv, err := v.NoteVerifier()
	require.NoError(t, err)
	_, err = note.Open(raw, note.VerifierList(nv))
	require.NoError(t, err)
}

func TestConfirmedFixedDeviceIsCertified(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	_, res := runSession(t, a, SessionRequest{
		DeviceIDs:      []string{"sata-0"},
		Options:        wipe.Options{Standard: wipe.StandardDoD},
		ConfirmedFixed: []string{"sata-0"},
	})
	require.Len(t, res.Devices, 1)
	assert.Equal(t, session.StatusCertified, res.Devices[0].Status)
	assert.Equal(t, 3, res.Devices[0].Outcome.PassesPerformed)
	assert.Equal(t, ExitOK, ExitCode(res))
}

func TestStartSessionUnknownDevice(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	_, err := a.StartSession(context.Background(), SessionRequest{
		DeviceIDs: []string{"usb-1", "ghost"},
		Options:   wipe.Options{Standard: wipe.StandardNIST},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, system.ErrDeviceNotFound))
	assert.Empty(t, a.Sessions().List())
}

func TestLedgerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Certification.LedgerEnabled = false
	cfg.Reporting.Enabled = false
	a := newTestApp(t, cfg)
	ctx := context.Background()

	s, res := runSession(t, a, SessionRequest{
		DeviceIDs: []string{"usb-1"},
		Options:   wipe.Options{Standard: wipe.StandardNIST},
	})
	assert.Equal(t, ExitOK, ExitCode(res))
	path, err := s.Report()
	require.NoError(t, err)
	assert.Empty(t, path)

	_, err = a.Checkpoint(ctx)
	assert.True(t, errors.Is(err, ErrLedgerDisabled))
	_, _, err = a.ProveCertificate(ctx, res.Devices[0].CertificateID)
	assert.True(t, errors.Is(err, ErrLedgerDisabled))
	assert.NoDirExists(t, cfg.Certification.LedgerDir)
}

func TestDefaultOptions(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, config.ApplyProfile(cfg, "dod"))
	a := newTestApp(t, cfg)

	opts, err := a.DefaultOptions()
	require.NoError(t, err)
	assert.Equal(t, wipe.Options{Standard: wipe.StandardDoD, Passes: 3, Verify: true}, opts)
}

func TestExitCode(t *testing.T) {
	certified := session.DeviceReport{Status: session.StatusCertified}
	tests := []struct {
		name string
		res  *session.Result
		want int
	}{
		{"nil", nil, ExitError},
		{"clean", &session.Result{Phase: session.PhaseCompleted, Devices: []session.DeviceReport{certified}}, ExitOK},
		{"uncertified", &session.Result{Phase: session.PhaseCompleted, Devices: []session.DeviceReport{
			certified, {Status: session.StatusErasedUncertified},
		}}, ExitWarning},
		{"cancelled", &session.Result{Phase: session.PhaseCancelled, Devices: []session.DeviceReport{certified}}, ExitError},
		{"aborted", &session.Result{Phase: session.PhaseError}, ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.res))
		})
	}
}

func TestLedgerOrigin(t *testing.T) {
	assert.Equal(t, "wipecert/ledger/0123456789abcdef", LedgerOrigin("0123456789abcdef0123456789abcdef"))
	assert.Equal(t, "wipecert/ledger/abc", LedgerOrigin("abc"))
}
