package certificate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/telemetry"
	"wipecert_enterprise/internal/wipe"
)

// ErrOutcomeAlreadyCertified is returned when an outcome is presented twice.
var ErrOutcomeAlreadyCertified = errors.New("outcome already certified")

// IdentitySource hands out the signing identity.
type IdentitySource interface {
	LoadOrCreate(ctx context.Context) (*Identity, error)
}

// Ledger records issued certificates in an append-only log.
type Ledger interface {
	Append(ctx context.Context, certID string, payload []byte) (uint64, error)
}

// Authority issues, stores and verifies certificates.
type Authority struct {
	keys   IdentitySource
	store  *Store
	ledger Ledger
	issuer Issuer
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	entropy  *ulid.MonotonicEntropy
	consumed map[string]string
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithLedger appends every issued certificate to l.
func WithLedger(l Ledger) AuthorityOption {
	return func(a *Authority) { a.ledger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AuthorityOption {
	return func(a *Authority) { a.now = now }
}

// NewAuthority wires an authority over a key source and a store.
func NewAuthority(keys IdentitySource, store *Store, issuer system.HostIdentity, logger *zap.Logger, opts ...AuthorityOption) *Authority {
	a := &Authority{
		keys:     keys,
		store:    store,
		issuer:   Issuer(issuer),
		logger:   logger,
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		consumed: make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue signs and persists a certificate for a successful outcome. Each
// outcome can be certified once.
func (a *Authority) Issue(ctx context.Context, outcome *wipe.Outcome, dev system.Device, opts wipe.Options) (cert *Certificate, err error) {
	ctx, span := telemetry.StartSpan(ctx, "certificate.issue")
	defer func() { telemetry.End(span, err) }()

	if outcome == nil || !outcome.Success {
		return nil, errors.AssertionFailedf("certificate requested for a failed outcome on %s", dev.ID)
	}
	if outcome.DeviceID != dev.ID {
		return nil, errors.AssertionFailedf("outcome for %s presented with device %s", outcome.DeviceID, dev.ID)
	}

	snapshot, err := snapshotOf(dev)
	if err != nil {
		return nil, &CertificationError{Kind: KindSigningFailed, DeviceID: dev.ID, Err: err}
	}

	id, err := a.keys.LoadOrCreate(ctx)
	if err != nil {
		return nil, &CertificationError{Kind: KindSigningFailed, DeviceID: dev.ID, Err: err}
	}

	a.mu.Lock()
	if prev, ok := a.consumed[outcome.ID]; ok {
		a.mu.Unlock()
		return nil, errors.Wrapf(ErrOutcomeAlreadyCertified, "outcome %s in certificate %s", outcome.ID, prev)
	}
	now := a.now().UTC().Truncate(time.Millisecond)
	certID := ulid.MustNew(ulid.Timestamp(now), a.entropy).String()
	a.consumed[outcome.ID] = certID
	a.mu.Unlock()

	release := func() {
		a.mu.Lock()
		delete(a.consumed, outcome.ID)
		a.mu.Unlock()
	}

	cert = &Certificate{
		ID:             certID,
		Version:        Version,
		IssuedAt:       now,
		DeviceSnapshot: snapshot,
		WipeSummary:    summarize(outcome, opts),
		Issuer:         a.issuer,
	}
	payload, err := cert.CanonicalPayload()
	if err != nil {
		release()
		return nil, &CertificationError{Kind: KindSigningFailed, DeviceID: dev.ID, Err: err}
	}
	cert.Signature = Signature{
		Algorithm:        AlgorithmEd25519,
		Value:            base64.StdEncoding.EncodeToString(ed25519.Sign(id.PrivateKey, payload)),
		SigningTimestamp: now,
		KeyID:            id.KeyID,
	}

	if err := a.store.Create(cert); err != nil {
		release()
		return nil, &CertificationError{Kind: KindPersistFailed, DeviceID: dev.ID, Err: err}
	}

	a.logger.Info("Certificate issued",
		zap.String("certificate_id", cert.ID),
		zap.String("device", dev.ID),
		zap.String("outcome_id", outcome.ID),
		zap.String("key_id", id.KeyID))

	if a.ledger != nil {
		index, lerr := a.ledger.Append(ctx, cert.ID, payload)
		if lerr != nil {
			a.logger.Error("Failed to append certificate to ledger",
				zap.String("certificate_id", cert.ID), zap.Error(lerr))
		} else {
			a.logger.Debug("Certificate logged", zap.String("certificate_id", cert.ID), zap.Uint64("leaf_index", index))
		}
	}

	return cert, nil
}

// Get loads a stored certificate.
func (a *Authority) Get(id string) (*Certificate, error) {
	return a.store.Get(id)
}

// List returns all stored certificates in issuance order.
func (a *Authority) List() ([]*Certificate, error) {
	return a.store.List()
}

// Export returns the canonical signed bytes of a stored certificate.
func (a *Authority) Export(id string) ([]byte, error) {
	cert, err := a.store.Get(id)
	if err != nil {
		return nil, err
	}
	return cert.CanonicalPayload()
}

// ExportNote returns a stored certificate as a signed note.
func (a *Authority) ExportNote(ctx context.Context, id string) ([]byte, error) {
	cert, err := a.store.Get(id)
	if err != nil {
		return nil, err
	}
	ident, err := a.keys.LoadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	signer, err := ident.NoteSigner()
	if err != nil {
		return nil, err
	}
	return SignNote(cert, signer)
}

// Identity returns the signing identity.
func (a *Authority) Identity(ctx context.Context) (*Identity, error) {
	return a.keys.LoadOrCreate(ctx)
}

// Verify checks cert against this installation's identity.
func (a *Authority) Verify(ctx context.Context, cert *Certificate) (Verdict, error) {
	id, err := a.keys.LoadOrCreate(ctx)
	if err != nil {
		return Verdict{}, err
	}
	return VerifyWith(cert, id.Verifier()), nil
}

// VerifyWith checks cert against a verifier. It needs no private material,
// so third parties can run it offline with an exported identity.
func VerifyWith(cert *Certificate, v *Verifier) Verdict {
	if cert == nil {
		return invalid("no certificate")
	}
	if cert.Version != Version {
		return invalid("unsupported certificate version %d", cert.Version)
	}
	if cert.Signature.Algorithm != AlgorithmEd25519 {
		return invalid("unsupported signature algorithm %q", cert.Signature.Algorithm)
	}
	if cert.Signature.KeyID != v.KeyID {
		return invalid("signed by key %s, expected %s", cert.Signature.KeyID, v.KeyID)
	}
	sig, err := base64.StdEncoding.DecodeString(cert.Signature.Value)
	if err != nil {
		return invalid("malformed signature value")
	}
	payload, err := cert.CanonicalPayload()
	if err != nil {
		return invalid("cannot encode payload: %v", err)
	}
	if !ed25519.Verify(v.PublicKey, payload, sig) {
		return invalid("signature does not match certificate contents")
	}
	ts := cert.Signature.SigningTimestamp
	if ts.Before(v.NotBefore) || ts.After(v.NotAfter) {
		return invalid("signed at %s outside identity validity %s to %s",
			ts.Format(time.RFC3339), v.NotBefore.Format(time.RFC3339), v.NotAfter.Format(time.RFC3339))
	}
	return Verdict{Valid: true}
}
