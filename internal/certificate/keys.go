package certificate

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"wipecert_enterprise/internal/system"
)

const (
	privateKeyFile  = "signing.key"
	publicKeyFile   = "signing.pub"
	identityFile    = "identity.crt"
	keyLockFile     = ".lock"
	pemPrivateKey   = "PRIVATE KEY"
	pemPublicKey    = "PUBLIC KEY"
	pemCertificate  = "CERTIFICATE"
	identitySubject = "wipecert signing identity"
)

// ErrIncompleteKeyBundle means some but not all key files exist. Nothing is
// regenerated over a partial bundle.
var ErrIncompleteKeyBundle = errors.New("incomplete signing key bundle")

// Identity is the installation's signing identity.
type Identity struct {
	PrivateKey     ed25519.PrivateKey
	PublicKey      ed25519.PublicKey
	Certificate    *x509.Certificate
	CertificatePEM []byte
	KeyID          string
}

// Verifier returns the public half of the identity.
func (id *Identity) Verifier() *Verifier {
	return &Verifier{
		PublicKey: id.PublicKey,
		KeyID:     id.KeyID,
		NotBefore: id.Certificate.NotBefore,
		NotAfter:  id.Certificate.NotAfter,
	}
}

// Verifier holds what a third party needs to check certificates offline.
type Verifier struct {
	PublicKey ed25519.PublicKey
	KeyID     string
	NotBefore time.Time
	NotAfter  time.Time
}

// ParseIdentity builds a Verifier from an exported identity.crt.
func ParseIdentity(pemBytes []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != pemCertificate {
		return nil, errors.New("identity: no CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "identity: parse certificate")
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, errors.Newf("identity: unexpected key type %T", cert.PublicKey)
	}
	keyID, err := KeyID(pub)
	if err != nil {
		return nil, err
	}
	return &Verifier{PublicKey: pub, KeyID: keyID, NotBefore: cert.NotBefore, NotAfter: cert.NotAfter}, nil
}

// KeyID is the hex of the first 16 bytes of SHA-256 over the PKIX encoding
// of the public key.
func KeyID(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "marshal public key")
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:16]), nil
}

// KeyManager owns the on-disk signing identity.
type KeyManager struct {
	dir      string
	validity time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	identity *Identity
}

// NewKeyManager prepares a manager for dir. Nothing touches the disk until
// LoadOrCreate.
func NewKeyManager(dir string, validity time.Duration, logger *zap.Logger) *KeyManager {
	return &KeyManager{
		dir:      dir,
		validity: validity,
		logger:   logger,
		now:      time.Now,
	}
}

// Dir returns the key directory.
func (km *KeyManager) Dir() string { return km.dir }

// PrivateKeyPath is where the signing key lives.
func (km *KeyManager) PrivateKeyPath() string { return filepath.Join(km.dir, privateKeyFile) }

// LoadOrCreate returns the existing identity or generates one on first use.
// Concurrent callers, including other processes sharing the directory, all
// end up with the same identity.
func (km *KeyManager) LoadOrCreate(ctx context.Context) (*Identity, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.identity != nil {
		return km.identity, nil
	}

	if err := os.MkdirAll(km.dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "create key directory %s", km.dir)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(km.dir, 0700); err != nil {
			return nil, errors.Wrapf(err, "restrict key directory %s", km.dir)
		}
	}

	lock, err := system.LockFile(ctx, filepath.Join(km.dir, keyLockFile))
	if err != nil {
		return nil, err
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			km.logger.Warn("Failed to release key lock", zap.Error(uerr))
		}
	}()

	present, err := km.presentFiles()
	if err != nil {
		return nil, err
	}

	var id *Identity
	switch present {
	case 0:
		id, err = km.generate()
	case 3:
		id, err = km.load()
	default:
		return nil, errors.WithHintf(ErrIncompleteKeyBundle,
			"restore the missing files in %s or move the directory aside to start a new identity", km.dir)
	}
	if err != nil {
		return nil, err
	}

	km.identity = id
	return id, nil
}

func (km *KeyManager) presentFiles() (int, error) {
	n := 0
	for _, name := range []string{privateKeyFile, publicKeyFile, identityFile} {
		_, err := os.Stat(filepath.Join(km.dir, name))
		switch {
		case err == nil:
			n++
		case errors.Is(err, fs.ErrNotExist):
		default:
			return 0, errors.Wrapf(err, "stat %s", name)
		}
	}
	return n, nil
}

func (km *KeyManager) generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	keyID, err := KeyID(pub)
	if err != nil {
		return nil, err
	}

	now := km.now().UTC()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, errors.Wrap(err, "generate serial")
	}
	host, _ := os.Hostname()
	skid, _ := hex.DecodeString(keyID)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         identitySubject,
			Organization:       []string{"wipecert"},
			OrganizationalUnit: []string{host},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(km.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          skid,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, errors.Wrap(err, "self-sign identity certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse identity certificate")
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, errors.Wrap(err, "marshal private key")
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "marshal public key")
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: der})

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{privateKeyFile, pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: privDER}), 0600},
		{publicKeyFile, pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: pubDER}), 0644},
		{identityFile, certPEM, 0644},
	}
	for _, f := range files {
		if err := writeExclusive(filepath.Join(km.dir, f.name), f.data, f.perm); err != nil {
			return nil, err
		}
	}

	km.logger.Info("Generated signing identity",
		zap.String("key_id", keyID),
		zap.String("dir", km.dir),
		zap.Time("not_after", cert.NotAfter))

	return &Identity{PrivateKey: priv, PublicKey: pub, Certificate: cert, CertificatePEM: certPEM, KeyID: keyID}, nil
}

func (km *KeyManager) load() (*Identity, error) {
	keyPath := filepath.Join(km.dir, privateKeyFile)
	if runtime.GOOS != "windows" {
		if info, err := os.Stat(keyPath); err == nil && info.Mode().Perm()&0077 != 0 {
			km.logger.Warn("Signing key is readable by other users",
				zap.String("path", keyPath),
				zap.String("mode", info.Mode().Perm().String()))
		}
	}

	privBlock, err := readPEM(keyPath, pemPrivateKey)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(privBlock)
	if err != nil {
		return nil, errors.Wrap(err, "parse signing key")
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.Newf("signing key has type %T, want ed25519", parsed)
	}
	pub := priv.Public().(ed25519.PublicKey)

	pubBlock, err := readPEM(filepath.Join(km.dir, publicKeyFile), pemPublicKey)
	if err != nil {
		return nil, err
	}
	storedPub, err := x509.ParsePKIXPublicKey(pubBlock)
	if err != nil {
		return nil, errors.Wrap(err, "parse public key")
	}
	if sp, ok := storedPub.(ed25519.PublicKey); !ok || !bytes.Equal(sp, pub) {
		return nil, errors.New("signing.pub does not match signing.key")
	}

	certPEM, err := os.ReadFile(filepath.Join(km.dir, identityFile))
	if err != nil {
		return nil, errors.Wrap(err, "read identity certificate")
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != pemCertificate {
		return nil, errors.New("identity.crt: no CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse identity certificate")
	}
	if cp, ok := cert.PublicKey.(ed25519.PublicKey); !ok || !bytes.Equal(cp, pub) {
		return nil, errors.New("identity.crt does not match signing.key")
	}

	keyID, err := KeyID(pub)
	if err != nil {
		return nil, err
	}
	km.logger.Debug("Loaded signing identity", zap.String("key_id", keyID))
	return &Identity{PrivateKey: priv, PublicKey: pub, Certificate: cert, CertificatePEM: certPEM, KeyID: keyID}, nil
}

func readPEM(path, wantType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", filepath.Base(path))
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != wantType {
		return nil, errors.Newf("%s: no %s block", filepath.Base(path), wantType)
	}
	return block.Bytes, nil
}

// writeExclusive fails if path already exists.
func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
