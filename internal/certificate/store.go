package certificate

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
)

var (
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrCertificateExists   = errors.New("certificate already exists")
)

// Store keeps one JSON file per certificate. Files are written once and
// never rewritten.
type Store struct {
	dir string
}

// OpenStore creates dir if needed.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "create certificate directory %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) (string, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return "", errors.Wrapf(ErrCertificateNotFound, "invalid certificate id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Create persists cert. The file appears atomically or not at all, and an
// existing certificate with the same id is never replaced.
func (s *Store) Create(cert *Certificate) error {
	path, err := s.path(cert.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode certificate")
	}

	tmp, err := os.CreateTemp(s.dir, ".pending-*")
	if err != nil {
		return errors.Wrap(err, "create temporary certificate file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write certificate")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync certificate")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close certificate")
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return errors.Wrap(err, "set certificate permissions")
	}

	// Link fails when the target exists, which keeps certificates write-once.
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errors.Wrapf(ErrCertificateExists, "%s", cert.ID)
		}
		return errors.Wrapf(err, "publish certificate %s", cert.ID)
	}
	return nil
}

// Get loads the certificate with the given id.
func (s *Store) Get(id string) (*Certificate, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrCertificateNotFound, "%s", id)
		}
		return nil, errors.Wrapf(err, "read certificate %s", id)
	}
	var cert Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, errors.Wrapf(err, "decode certificate %s", id)
	}
	return &cert, nil
}

// List returns all certificates ordered by id, which is issuance order.
func (s *Store) List() ([]*Certificate, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", s.dir)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, err := ulid.ParseStrict(id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	certs := make([]*Certificate, 0, len(ids))
	for _, id := range ids {
		cert, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
