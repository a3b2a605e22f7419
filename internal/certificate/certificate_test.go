package certificate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/mod/sumdb/note"

	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/wipe"
)

const tenYears = 10 * 365 * 24 * time.Hour

var usbStick = system.Device{
	ID:         "usb-1",
	Path:       "/dev/sdb",
	SizeBytes:  32_000_000_000,
	MediaClass: system.MediaUSB,
	Removable:  true,
	Model:      "SanDisk Ultra",
	Serial:     "4C530001",
}

var nistOpts = wipe.Options{Standard: wipe.StandardNIST, Passes: 1, Verify: true}

func successOutcome(id string) *wipe.Outcome {
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	return &wipe.Outcome{
		ID:               id,
		DeviceID:         usbStick.ID,
		Success:          true,
		Method:           wipe.MethodOverwrite,
		PassesPerformed:  1,
		StartTime:        start,
		EndTime:          start.Add(90 * time.Second),
		DurationMs:       90_000,
		VerificationHash: strings.Repeat("ab", 32),
	}
}

type recordingLedger struct {
	mu      sync.Mutex
	ids     []string
	payload [][]byte
	err     error
}

func (l *recordingLedger) Append(_ context.Context, certID string, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	l.ids = append(l.ids, certID)
	l.payload = append(l.payload, payload)
	return uint64(len(l.ids) - 1), nil
}

type fixture struct {
	keys  *KeyManager
	store *Store
	auth  *Authority
	dir   string
}

func newFixture(t *testing.T, opts ...AuthorityOption) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	keys := NewKeyManager(filepath.Join(dir, "keys"), tenYears, logger)
	store, err := OpenStore(filepath.Join(dir, "certs"))
	require.NoError(t, err)
	issuer := system.HostIdentity{Operator: "alice", Hostname: "bench-01", Platform: "linux/amd64"}
	return &fixture{
		keys:  keys,
		store: store,
		auth:  NewAuthority(keys, store, issuer, logger, opts...),
		dir:   dir,
	}
}

func TestLoadOrCreateConcurrent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	logger := zaptest.NewLogger(t)

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := NewKeyManager(dir, tenYears, logger).LoadOrCreate(context.Background())
			errs[i] = err
			if err == nil {
				ids[i] = id.KeyID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Len(t, ids[0], 32)
}

func TestLoadOrCreatePersistsIdentity(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	logger := zaptest.NewLogger(t)

	first, err := NewKeyManager(dir, tenYears, logger).LoadOrCreate(context.Background())
	require.NoError(t, err)
	second, err := NewKeyManager(dir, tenYears, logger).LoadOrCreate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.KeyID, second.KeyID)
	assert.True(t, first.PublicKey.Equal(second.PublicKey))
	assert.Equal(t, first.CertificatePEM, second.CertificatePEM)
	assert.WithinDuration(t, time.Now().Add(tenYears), first.Certificate.NotAfter, time.Hour)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

		info, err = os.Stat(filepath.Join(dir, privateKeyFile))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

func TestLoadOrCreateRefusesPartialBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	logger := zaptest.NewLogger(t)

	_, err := NewKeyManager(dir, tenYears, logger).LoadOrCreate(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, identityFile)))

	_, err = NewKeyManager(dir, tenYears, logger).LoadOrCreate(context.Background())
	assert.True(t, errors.Is(err, ErrIncompleteKeyBundle), "got %v", err)

	_, statErr := os.Stat(filepath.Join(dir, identityFile))
	assert.True(t, os.IsNotExist(statErr), "partial bundle must not be regenerated")
}

func TestParseIdentityMatchesKey(t *testing.T) {
	f := newFixture(t)
	id, err := f.keys.LoadOrCreate(context.Background())
	require.NoError(t, err)

	v, err := ParseIdentity(id.CertificatePEM)
	require.NoError(t, err)
	if diff := cmp.Diff(id.Verifier(), v); diff != "" {
		t.Errorf("verifier mismatch (-want +got):\n%s", diff)
	}

	_, err = ParseIdentity([]byte("not pem"))
	assert.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	ledger := &recordingLedger{}
	f := newFixture(t, WithLedger(ledger))
	ctx := context.Background()

	cert, err := f.auth.Issue(ctx, successOutcome("out-1"), usbStick, nistOpts)
	require.NoError(t, err)

	assert.Equal(t, Version, cert.Version)
	assert.Len(t, cert.ID, 26)
	assert.Equal(t, AlgorithmEd25519, cert.Signature.Algorithm)
	assert.Equal(t, "out-1", cert.WipeSummary.OutcomeID)
	assert.Equal(t, "NIST-800-88", cert.WipeSummary.Standard)
	assert.Equal(t, "multi-pass-overwrite", cert.WipeSummary.Method)
	assert.True(t, cert.WipeSummary.Verify)
	assert.Equal(t, "alice", cert.Issuer.Operator)
	assert.Equal(t, DeviceSnapshot(usbStick), cert.DeviceSnapshot)
	assert.Equal(t, time.UTC, cert.IssuedAt.Location())

	verdict, err := f.auth.Verify(ctx, cert)
	require.NoError(t, err)
	assert.True(t, verdict.Valid, verdict.Reason)

	stored, err := f.auth.Get(cert.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(cert, stored); diff != "" {
		t.Errorf("stored certificate differs (-issued +stored):\n%s", diff)
	}

	payload, err := cert.CanonicalPayload()
	require.NoError(t, err)
	require.Len(t, ledger.ids, 1)
	assert.Equal(t, cert.ID, ledger.ids[0])
	assert.Equal(t, payload, ledger.payload[0])
}

func TestStoredCertificateVerifiesForLooseMediaClass(t *testing.T) {
	tests := []struct {
		class system.MediaClass
		want  system.MediaClass
	}{
		{"", system.MediaUnknown},
		{"ssd", system.MediaSSD},
		{" NVME ", system.MediaNVMe},
	}
	for i, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			dev := usbStick
			dev.MediaClass = tt.class

			cert, err := f.auth.Issue(ctx, successOutcome(fmt.Sprintf("out-%d", i)), dev, nistOpts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cert.DeviceSnapshot.MediaClass)

			stored, err := f.auth.Get(cert.ID)
			require.NoError(t, err)
			verdict, err := f.auth.Verify(ctx, stored)
			require.NoError(t, err)
			assert.True(t, verdict.Valid, verdict.Reason)
		})
	}
}

func TestIssueRejectsUnknownMediaClass(t *testing.T) {
	f := newFixture(t)
	dev := usbStick
	dev.MediaClass = "floppy"

	_, err := f.auth.Issue(context.Background(), successOutcome("out-1"), dev, nistOpts)
	var ce *CertificationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindSigningFailed, ce.Kind)
}

func TestCanonicalPayloadFieldOrder(t *testing.T) {
	f := newFixture(t)
	cert, err := f.auth.Issue(context.Background(), successOutcome("out-1"), usbStick, nistOpts)
	require.NoError(t, err)

	payload, err := cert.CanonicalPayload()
	require.NoError(t, err)
	s := string(payload)

	assert.True(t, strings.HasPrefix(s, `{"id":"`+cert.ID+`","issuedAt":`))
	order := []string{`"id"`, `"issuedAt"`, `"deviceSnapshot"`, `"wipeSummary"`, `"issuer"`}
	last := -1
	for _, key := range order {
		idx := strings.Index(s, key)
		require.GreaterOrEqual(t, idx, 0, key)
		assert.Greater(t, idx, last, "%s out of order", key)
		last = idx
	}
	assert.NotContains(t, s, `"signature"`)
	assert.NotContains(t, s, "\n")
}

func tamperStored(t *testing.T, f *fixture, id string, mutate func(map[string]any)) *Certificate {
	t.Helper()
	path := filepath.Join(f.store.Dir(), id+".json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	mutate(doc)
	raw, err = json.Marshal(doc)
	require.NoError(t, err)

	var cert Certificate
	require.NoError(t, json.Unmarshal(raw, &cert))
	return &cert
}

func TestVerifyDetectsTampering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cert, err := f.auth.Issue(ctx, successOutcome("out-1"), usbStick, nistOpts)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		reason string
	}{
		{
			name:   "size changed",
			mutate: func(d map[string]any) { d["deviceSnapshot"].(map[string]any)["sizeBytes"] = 64_000_000_000 },
			reason: "signature does not match",
		},
		{
			name:   "serial changed",
			mutate: func(d map[string]any) { d["deviceSnapshot"].(map[string]any)["serial"] = "FFFF0000" },
			reason: "signature does not match",
		},
		{
			name:   "passes changed",
			mutate: func(d map[string]any) { d["wipeSummary"].(map[string]any)["passes"] = 7 },
			reason: "signature does not match",
		},
		{
			name:   "operator changed",
			mutate: func(d map[string]any) { d["issuer"].(map[string]any)["operator"] = "mallory" },
			reason: "signature does not match",
		},
		{
			name:   "foreign key id",
			mutate: func(d map[string]any) { d["signature"].(map[string]any)["keyId"] = strings.Repeat("0", 32) },
			reason: "signed by key",
		},
		{
			name:   "garbled signature",
			mutate: func(d map[string]any) { d["signature"].(map[string]any)["value"] = "***" },
			reason: "malformed signature",
		},
		{
			name:   "unknown algorithm",
			mutate: func(d map[string]any) { d["signature"].(map[string]any)["algorithm"] = "RSA" },
			reason: "unsupported signature algorithm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := tamperStored(t, f, cert.ID, tt.mutate)
			verdict, err := f.auth.Verify(ctx, tampered)
			require.NoError(t, err)
			assert.False(t, verdict.Valid)
			assert.Contains(t, verdict.Reason, tt.reason)
		})
	}

	untouched := tamperStored(t, f, cert.ID, func(map[string]any) {})
	verdict, err := f.auth.Verify(ctx, untouched)
	require.NoError(t, err)
	assert.True(t, verdict.Valid, verdict.Reason)
}

func TestVerifyWithOtherIdentity(t *testing.T) {
	a := newFixture(t)
	b := newFixture(t)
	ctx := context.Background()

	cert, err := a.auth.Issue(ctx, successOutcome("out-1"), usbStick, nistOpts)
	require.NoError(t, err)

	other, err := b.keys.LoadOrCreate(ctx)
	require.NoError(t, err)
	verdict := VerifyWith(cert, other.Verifier())
	assert.False(t, verdict.Valid)

	own, err := a.keys.LoadOrCreate(ctx)
	require.NoError(t, err)
	exported, err := ParseIdentity(own.CertificatePEM)
	require.NoError(t, err)
	assert.True(t, VerifyWith(cert, exported).Valid)
}

func TestVerifyOutsideValidityWindow(t *testing.T) {
	future := func() time.Time { return time.Now().Add(2 * tenYears) }
	f := newFixture(t, WithClock(future))

	cert, err := f.auth.Issue(context.Background(), successOutcome("out-1"), usbStick, nistOpts)
	require.NoError(t, err)

	verdict, err := f.auth.Verify(context.Background(), cert)
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.Contains(t, verdict.Reason, "outside identity validity")
}

func TestIssueConsumesOutcomeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Issue(ctx, successOutcome("out-1"), usbStick, nistOpts)
	require.NoError(t, err)
	_, err = f.auth.Issue(ctx, successOutcome("out-1"), usbStick, nistOpts)
	assert.True(t, errors.Is(err, ErrOutcomeAlreadyCertified), "got %v", err)
}

func TestIssueRejectsFailedOutcome(t *testing.T) {
	f := newFixture(t)
	out := successOutcome("out-1")
	out.Success = false

	_, err := f.auth.Issue(context.Background(), out, usbStick, nistOpts)
	assert.Error(t, err)

	certs, err := f.auth.List()
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestIssuePersistFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.store.Dir()))
	require.NoError(t, os.WriteFile(f.store.Dir(), []byte("not a directory"), 0600))

	_, err := f.auth.Issue(context.Background(), successOutcome("out-1"), usbStick, nistOpts)
	var ce *CertificationError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, KindPersistFailed, ce.Kind)
	assert.Equal(t, "usb-1", ce.DeviceID)
}

func TestIssueSurvivesLedgerFailure(t *testing.T) {
	f := newFixture(t, WithLedger(&recordingLedger{err: errors.New("disk full")}))

	cert, err := f.auth.Issue(context.Background(), successOutcome("out-1"), usbStick, nistOpts)
	require.NoError(t, err)
	_, err = f.auth.Get(cert.ID)
	assert.NoError(t, err)
}

func TestStoreWriteOnce(t *testing.T) {
	f := newFixture(t)
	cert, err := f.auth.Issue(context.Background(), successOutcome("out-1"), usbStick, nistOpts)
	require.NoError(t, err)

	err = f.store.Create(cert)
	assert.True(t, errors.Is(err, ErrCertificateExists), "got %v", err)

	_, err = f.store.Get("../../etc/passwd")
	assert.True(t, errors.Is(err, ErrCertificateNotFound))
	_, err = f.store.Get("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.True(t, errors.Is(err, ErrCertificateNotFound))
}

func TestListOrderedByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var issued []string
	for _, id := range []string{"out-1", "out-2", "out-3"} {
		cert, err := f.auth.Issue(ctx, successOutcome(id), usbStick, nistOpts)
		require.NoError(t, err)
		issued = append(issued, cert.ID)
	}
	require.NoError(t, os.WriteFile(filepath.Join(f.store.Dir(), "notes.txt"), []byte("x"), 0600))

	certs, err := f.auth.List()
	require.NoError(t, err)
	var listed []string
	for _, c := range certs {
		listed = append(listed, c.ID)
	}
	assert.Equal(t, issued, listed)
}

func TestExportNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cert, err := f.auth.Issue(ctx, successOutcome("out-1"), usbStick, nistOpts)
	require.NoError(t, err)

	canonical, err := f.auth.Export(cert.ID)
	require.NoError(t, err)
	msg, err := f.auth.ExportNote(ctx, cert.ID)
	require.NoError(t, err)

	id, err := f.keys.LoadOrCreate(ctx)
	require.NoError(t, err)
	v := id.Verifier()

	payload, err := OpenNote(msg, v)
	require.NoError(t, err)
	assert.Equal(t, canonical, payload)

	// Standard note tooling accepts the published verifier key.
	nv, err := note.NewVerifier(v.NoteVerifierKey())
	require.NoError(t, err)
	_, err = note.Open(msg, note.VerifierList(nv))
	assert.NoError(t, err)

	tampered := []byte(strings.Replace(string(msg), "4C530001", "4C530002", 1))
	_, err = OpenNote(tampered, v)
	assert.Error(t, err)
}
