package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"wipecert_enterprise/internal/certificate"
	"wipecert_enterprise/internal/config"
	"wipecert_enterprise/internal/ledger"
	"wipecert_enterprise/internal/reporting"
	"wipecert_enterprise/internal/security"
	"wipecert_enterprise/internal/session"
	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/wipe"
)

// Exit codes of a finished session.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitWarning = 2
)

// ErrLedgerDisabled is returned by ledger operations when the ledger is
// switched off in the configuration.
var ErrLedgerDisabled = errors.New("issuance ledger is disabled")

// App is the facade the presentation layer talks to. It owns one
// orchestrator, one authority and, optionally, one ledger.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	host     system.HostIdentity
	platform system.Platform
	devices  system.DeviceSource

	keys         *certificate.KeyManager
	authority    *certificate.Authority
	ledger       *ledger.Ledger
	orchestrator *session.Orchestrator
}

// Option configures an App.
type Option func(*settings)

type settings struct {
	backend  wipe.Backend
	platform system.Platform
	host     *system.HostIdentity
}

// WithBackend replaces the platform erasure backend.
func WithBackend(b wipe.Backend) Option {
	return func(s *settings) { s.backend = b }
}

// WithPlatform overrides the detected platform.
func WithPlatform(p system.Platform) Option {
	return func(s *settings) { s.platform = p }
}

// WithHost overrides the issuer identity recorded in certificates.
func WithHost(h system.HostIdentity) Option {
	return func(s *settings) { s.host = &h }
}

// New wires the application from cfg. The signing identity is loaded, or
// created on first use, so that the ledger can sign its checkpoints.
func New(ctx context.Context, cfg *config.Config, devices system.DeviceSource, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.platform == "" {
		p, err := system.CurrentPlatform()
		if err != nil {
			return nil, err
		}
		s.platform = p
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		platform: s.platform,
		devices:  devices,
	}
	if s.host != nil {
		a.host = *s.host
	} else {
		a.host = system.CurrentHost(cfg.Certification.Operator)
	}

	a.keys = certificate.NewKeyManager(cfg.Certification.KeyDir, cfg.IdentityValidity(), logger)
	store, err := certificate.OpenStore(cfg.Certification.CertDir)
	if err != nil {
		return nil, err
	}

	var authOpts []certificate.AuthorityOption
	if cfg.Certification.LedgerEnabled {
		ident, err := a.keys.LoadOrCreate(ctx)
		if err != nil {
			return nil, err
		}
		signer, err := ident.NoteSigner()
		if err != nil {
			return nil, err
		}
		a.ledger, err = ledger.Open(cfg.Certification.LedgerDir, LedgerOrigin(ident.KeyID), signer, logger)
		if err != nil {
			return nil, err
		}
		authOpts = append(authOpts, certificate.WithLedger(a.ledger))
	}
	a.authority = certificate.NewAuthority(a.keys, store, a.host, logger, authOpts...)

	validator, err := security.NewValidator(s.platform)
	if err != nil {
		return nil, err
	}

	backend := s.backend
	if backend == nil {
		executor := wipe.NewExecutor(logger,
			wipe.WithTimeout(cfg.WipeTimeout()),
			wipe.WithTerminateGrace(cfg.TerminateGrace()),
			wipe.WithTailBytes(cfg.Wipe.OutputTailBytes))
		backend, err = wipe.NewBackend(s.platform, executor, wipe.ResolverOptions{
			PreferFirmware: cfg.Wipe.PreferFirmwareErase,
		})
		if err != nil {
			return nil, err
		}
	}

	a.orchestrator = session.New(backend, validator, a.authority, logger,
		session.WithContinueOnFailure(cfg.Security.ContinueOnFailure),
		session.WithProgressInterval(cfg.ProgressInterval()))

	return a, nil
}

// LedgerOrigin names the ledger of the identity with keyID.
func LedgerOrigin(keyID string) string {
	if len(keyID) > 16 {
		keyID = keyID[:16]
	}
	return "wipecert/ledger/" + keyID
}

func (a *App) Config() *config.Config { return a.cfg }
func (a *App) Host() system.HostIdentity { return a.host }
func (a *App) Platform() system.Platform { return a.platform }
func (a *App) Devices() system.DeviceSource { return a.devices }
func (a *App) Sessions() *session.Store { return a.orchestrator.Store() }
func (a *App) LedgerEnabled() bool { return a.ledger != nil }
func (a *App) Authority() *certificate.Authority { return a.authority }
func (a *App) Keys() *certificate.KeyManager { return a.keys }

// DefaultOptions builds wipe options from the configuration.
func (a *App) DefaultOptions() (wipe.Options, error) {
	std, err := wipe.ParseStandard(a.cfg.Wipe.DefaultStandard)
	if err != nil {
		return wipe.Options{}, err
	}
	return wipe.Options{
		Standard: std,
		Passes:   a.cfg.Wipe.DefaultPasses,
		Verify:   a.cfg.Wipe.Verify,
	}, nil
}

// SessionRequest selects devices by inventory id.
type SessionRequest struct {
	DeviceIDs         []string
	Options           wipe.Options
	ConfirmedFixed    []string
	ContinueOnFailure *bool
}

// Session is a started session. Its report is written once it finishes.
// Callers must drain Updates for the session to make progress.
type Session struct {
	*session.Handle

	archived   chan struct{}
	reportPath string
	reportErr  error
}

// Wait blocks until the session finished and its report was written.
func (s *Session) Wait() *session.Result {
	res := s.Handle.Wait()
	<-s.archived
	return res
}

// Report returns where the session report went. The path is empty when
// reporting is disabled.
func (s *Session) Report() (string, error) {
	<-s.archived
	return s.reportPath, s.reportErr
}

// StartSession resolves the ids against the inventory and starts a session.
// It returns as soon as the session is running.
func (a *App) StartSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if a.devices == nil {
		return nil, errors.WithHint(errors.New("no device inventory"), "pass --inventory with the enumerated devices")
	}
	devs := make([]system.Device, 0, len(req.DeviceIDs))
	for _, id := range req.DeviceIDs {
		dev, err := a.devices.Lookup(id)
		if err != nil {
			return nil, err
		}
		devs = append(devs, dev)
	}

	h, err := a.orchestrator.Start(ctx, session.Request{
		Devices:           devs,
		Options:           req.Options,
		ContinueOnFailure: req.ContinueOnFailure,
		ConfirmedFixed:    req.ConfirmedFixed,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{Handle: h, archived: make(chan struct{})}
	go a.archive(s)
	return s, nil
}

func (a *App) archive(s *Session) {
	res := s.Handle.Wait()
	defer close(s.archived)

	report := reporting.GenerateReport(res, a.host, ExitCode(res))
	s.reportPath, s.reportErr = reporting.SaveReport(report, a.cfg.Reporting)
	if s.reportErr != nil {
		a.logger.Warn("Failed to save session report",
			zap.String("session_id", res.SessionID), zap.Error(s.reportErr))
		return
	}
	if s.reportPath != "" {
		a.logger.Info("Session report saved",
			zap.String("session_id", res.SessionID), zap.String("path", s.reportPath))
	}
}

// CancelSession stops a running session.
func (a *App) CancelSession(id string) error {
	return a.orchestrator.Cancel(id)
}

// ExitCode maps a finished session onto the process exit status.
func ExitCode(res *session.Result) int {
	switch {
	case res == nil || res.Phase != session.PhaseCompleted:
		return ExitError
	case !res.Clean():
		return ExitWarning
	default:
		return ExitOK
	}
}

func (a *App) ListCertificates() ([]*certificate.Certificate, error) {
	return a.authority.List()
}

func (a *App) GetCertificate(id string) (*certificate.Certificate, error) {
	return a.authority.Get(id)
}

// VerifyCertificate checks a stored certificate against the local identity.
func (a *App) VerifyCertificate(ctx context.Context, id string) (certificate.Verdict, error) {
	cert, err := a.authority.Get(id)
	if err != nil {
		return certificate.Verdict{}, err
	}
	return a.authority.Verify(ctx, cert)
}

// ExportCertificate returns the canonical signed payload.
func (a *App) ExportCertificate(id string) ([]byte, error) {
	return a.authority.Export(id)
}

// ExportCertificateNote returns the certificate as a signed note.
func (a *App) ExportCertificateNote(ctx context.Context, id string) ([]byte, error) {
	return a.authority.ExportNote(ctx, id)
}

// Identity returns the signing identity.
func (a *App) Identity(ctx context.Context) (*certificate.Identity, error) {
	return a.authority.Identity(ctx)
}

// IdentityPEM returns the public identity certificate for third parties.
func (a *App) IdentityPEM(ctx context.Context) ([]byte, error) {
	id, err := a.authority.Identity(ctx)
	if err != nil {
		return nil, err
	}
	return id.CertificatePEM, nil
}

// Checkpoint returns the latest signed ledger checkpoint.
func (a *App) Checkpoint(ctx context.Context) ([]byte, error) {
	if a.ledger == nil {
		return nil, ErrLedgerDisabled
	}
	return a.ledger.Checkpoint(ctx)
}

// ProveCertificate builds an inclusion proof for a certificate and checks it
// against the local identity before handing it out.
func (a *App) ProveCertificate(ctx context.Context, id string) (*ledger.InclusionProof, *ledger.Checkpoint, error) {
	if a.ledger == nil {
		return nil, nil, ErrLedgerDisabled
	}
	payload, err := a.authority.Export(id)
	if err != nil {
		return nil, nil, err
	}
	p, err := a.ledger.Prove(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ident, err := a.authority.Identity(ctx)
	if err != nil {
		return nil, nil, err
	}
	nv, err := ident.Verifier().NoteVerifier()
	if err != nil {
		return nil, nil, err
	}
	cp, err := ledger.VerifyInclusion(payload, p, nv)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "proof for %s does not verify", id)
	}
	return p, cp, nil
}
