package certificate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/wipe"
)

const (
	// Version is the certificate schema version.
	Version = 1
	// AlgorithmEd25519 is the only supported signature algorithm.
	AlgorithmEd25519 = "Ed25519"
)

// DeviceSnapshot is a frozen copy of the device as it was at wipe time.
type DeviceSnapshot system.Device

// snapshotOf freezes dev in the form it takes after a decode, so the signed
// payload survives a trip through the store.
func snapshotOf(dev system.Device) (DeviceSnapshot, error) {
	class, err := system.ParseMediaClass(string(dev.MediaClass))
	if err != nil {
		return DeviceSnapshot{}, errors.Wrapf(err, "snapshot of %s", dev.ID)
	}
	snap := DeviceSnapshot(dev)
	snap.MediaClass = class
	return snap, nil
}

// Issuer records who issued the certificate and where.
type Issuer system.HostIdentity

// WipeSummary is the part of the wipe outcome that gets signed.
type WipeSummary struct {
	OutcomeID        string `json:"outcomeId"`
	Method           string `json:"method"`
	Passes           int    `json:"passes"`
	Standard         string `json:"standard"`
	Verify           bool   `json:"verify"`
	DurationMs       int64  `json:"durationMs"`
	VerificationHash string `json:"verificationHash"`
}

// Signature covers the canonical payload.
type Signature struct {
	Algorithm        string    `json:"algorithm"`
	Value            string    `json:"value"`
	SigningTimestamp time.Time `json:"signingTimestamp"`
	KeyID            string    `json:"keyId"`
}

// Certificate is a signed attestation that one device was erased.
type Certificate struct {
	ID             string         `json:"id"`
	Version        int            `json:"version"`
	IssuedAt       time.Time      `json:"issuedAt"`
	DeviceSnapshot DeviceSnapshot `json:"deviceSnapshot"`
	WipeSummary    WipeSummary    `json:"wipeSummary"`
	Issuer         Issuer         `json:"issuer"`
	Signature      Signature      `json:"signature"`
}

// signedPayload fixes the field order of the bytes that are signed.
type signedPayload struct {
	ID             string         `json:"id"`
	IssuedAt       time.Time      `json:"issuedAt"`
	DeviceSnapshot DeviceSnapshot `json:"deviceSnapshot"`
	WipeSummary    WipeSummary    `json:"wipeSummary"`
	Issuer         Issuer         `json:"issuer"`
}

// CanonicalPayload returns the exact bytes the signature covers: compact
// JSON of id, issuedAt, deviceSnapshot, wipeSummary and issuer in that order.
func (c *Certificate) CanonicalPayload() ([]byte, error) {
	data, err := json.Marshal(signedPayload{
		ID:             c.ID,
		IssuedAt:       c.IssuedAt,
		DeviceSnapshot: c.DeviceSnapshot,
		WipeSummary:    c.WipeSummary,
		Issuer:         c.Issuer,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode canonical payload")
	}
	return data, nil
}

func summarize(outcome *wipe.Outcome, opts wipe.Options) WipeSummary {
	return WipeSummary{
		OutcomeID:        outcome.ID,
		Method:           string(outcome.Method),
		Passes:           outcome.PassesPerformed,
		Standard:         string(opts.Standard),
		Verify:           opts.Verify,
		DurationMs:       outcome.DurationMs,
		VerificationHash: outcome.VerificationHash,
	}
}

// ErrorKind classifies certification failures.
type ErrorKind string

const (
	KindSigningFailed ErrorKind = "SigningFailed"
	KindPersistFailed ErrorKind = "PersistFailed"
)

// CertificationError is returned when a successful wipe could not be
// certified. The wipe itself is not undone.
type CertificationError struct {
	Kind     ErrorKind
	DeviceID string
	Err      error
}

func (e *CertificationError) Error() string {
	return fmt.Sprintf("certify device %s: %s: %v", e.DeviceID, e.Kind, e.Err)
}

func (e *CertificationError) Unwrap() error { return e.Err }

// Verdict is the result of verifying a certificate.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func invalid(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}
