// Package ledger keeps an append-only Merkle log of issued certificates so
// that a certificate cannot be silently removed or replaced after the fact.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/mod/sumdb/note"

	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/telemetry"
)

const (
	leavesFile     = "leaves.jsonl"
	checkpointFile = "checkpoint"
	lockFile       = ".lock"
)

var ErrNotLogged = errors.New("certificate not in ledger")

// Entry is one line of the leaves file.
type Entry struct {
	Index         uint64    `json:"index"`
	CertificateID string    `json:"certificateId"`
	LeafHash      []byte    `json:"leafHash"`
	LoggedAt      time.Time `json:"loggedAt"`
}

// InclusionProof shows that a certificate's payload is a leaf of the tree
// committed to by a signed checkpoint.
type InclusionProof struct {
	CertificateID string   `json:"certificateId"`
	LeafIndex     uint64   `json:"leafIndex"`
	TreeSize      uint64   `json:"treeSize"`
	Hashes        [][]byte `json:"hashes"`
	Checkpoint    []byte   `json:"checkpoint"`
}

// Ledger is a file-backed RFC 6962 log.
type Ledger struct {
	dir    string
	origin string
	signer note.Signer
	logger *zap.Logger

	mu sync.Mutex
}

// Open prepares the ledger in dir. origin names the log in checkpoints.
func Open(dir, origin string, signer note.Signer, logger *zap.Logger) (*Ledger, error) {
	if origin == "" {
		return nil, errors.New("ledger origin is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "create ledger directory %s", dir)
	}
	return &Ledger{dir: dir, origin: origin, signer: signer, logger: logger}, nil
}

// Origin returns the log name.
func (l *Ledger) Origin() string { return l.origin }

func (l *Ledger) lock(ctx context.Context) (func(), error) {
	l.mu.Lock()
	fl, err := system.LockFile(ctx, filepath.Join(l.dir, lockFile))
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			l.logger.Warn("Failed to release ledger lock", zap.Error(err))
		}
		l.mu.Unlock()
	}, nil
}

// Append adds the payload's leaf hash and returns its index. The signed
// checkpoint file is refreshed afterwards.
func (l *Ledger) Append(ctx context.Context, certID string, payload []byte) (index uint64, err error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.append", attribute.String("certificate_id", certID))
	defer func() { telemetry.End(span, err) }()

	unlock, err := l.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	entries, err := l.readEntries()
	if err != nil {
		return 0, err
	}

	entry := Entry{
		Index:         uint64(len(entries)),
		CertificateID: certID,
		LeafHash:      rfc6962.DefaultHasher.HashLeaf(payload),
		LoggedAt:      time.Now().UTC(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return 0, errors.Wrap(err, "encode ledger entry")
	}

	f, err := os.OpenFile(filepath.Join(l.dir, leavesFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return 0, errors.Wrap(err, "open ledger")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return 0, errors.Wrap(err, "append ledger entry")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, errors.Wrap(err, "sync ledger")
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrap(err, "close ledger")
	}

	entries = append(entries, entry)
	signed, err := l.sign(entries)
	if err != nil {
		return 0, err
	}
	if err := writeAtomic(filepath.Join(l.dir, checkpointFile), signed); err != nil {
		return 0, err
	}

	l.logger.Debug("Ledger entry appended",
		zap.String("certificate_id", certID),
		zap.Uint64("index", entry.Index))
	return entry.Index, nil
}

// Checkpoint returns a freshly signed checkpoint for the current tree.
func (l *Ledger) Checkpoint(ctx context.Context) ([]byte, error) {
	unlock, err := l.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := l.readEntries()
	if err != nil {
		return nil, err
	}
	return l.sign(entries)
}

// Entries returns all logged entries in order.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	unlock, err := l.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.readEntries()
}

// Prove builds an inclusion proof for certID against a new checkpoint.
func (l *Ledger) Prove(ctx context.Context, certID string) (*InclusionProof, error) {
	unlock, err := l.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := l.readEntries()
	if err != nil {
		return nil, err
	}
	hashes := leafHashes(entries)

	for _, e := range entries {
		if e.CertificateID != certID {
			continue
		}
		signed, err := l.sign(entries)
		if err != nil {
			return nil, err
		}
		path, err := inclusionPath(e.Index, hashes)
		if err != nil {
			return nil, err
		}
		return &InclusionProof{
			CertificateID: certID,
			LeafIndex:     e.Index,
			TreeSize:      uint64(len(entries)),
			Hashes:        path,
			Checkpoint:    signed,
		}, nil
	}
	return nil, errors.Wrapf(ErrNotLogged, "%s", certID)
}

// VerifyInclusion checks p against the certificate's canonical payload. The
// checkpoint signature is checked with v.
func VerifyInclusion(payload []byte, p *InclusionProof, v note.Verifier) (*Checkpoint, error) {
	n, err := note.Open(p.Checkpoint, note.VerifierList(v))
	if err != nil {
		return nil, errors.Wrap(err, "verify checkpoint signature")
	}
	var cp Checkpoint
	if err := cp.Unmarshal([]byte(n.Text)); err != nil {
		return nil, err
	}
	if cp.Size != p.TreeSize {
		return nil, errors.Newf("proof is for tree size %d, checkpoint has %d", p.TreeSize, cp.Size)
	}
	leaf := rfc6962.DefaultHasher.HashLeaf(payload)
	if err := proof.VerifyInclusion(rfc6962.DefaultHasher, p.LeafIndex, p.TreeSize, leaf, p.Hashes, cp.Hash); err != nil {
		return nil, errors.Wrap(err, "inclusion proof")
	}
	return &cp, nil
}

func (l *Ledger) sign(entries []Entry) ([]byte, error) {
	root, err := rootHash(leafHashes(entries))
	if err != nil {
		return nil, err
	}
	cp := Checkpoint{Origin: l.origin, Size: uint64(len(entries)), Hash: root}
	signed, err := note.Sign(&note.Note{Text: string(cp.Marshal())}, l.signer)
	if err != nil {
		return nil, errors.Wrap(err, "sign checkpoint")
	}
	return signed, nil
}

func (l *Ledger) readEntries() ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, leavesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read ledger")
	}

	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, errors.Wrapf(err, "ledger line %d", len(entries)+1)
		}
		if e.Index != uint64(len(entries)) {
			return nil, errors.Newf("ledger corrupt: entry %d has index %d", len(entries), e.Index)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan ledger")
	}
	return entries, nil
}

func leafHashes(entries []Entry) [][]byte {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.LeafHash
	}
	return out
}

func rootHash(leaves [][]byte) ([]byte, error) {
	if len(leaves) == 0 {
		return rfc6962.DefaultHasher.EmptyRoot(), nil
	}
	tree := (&compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}).NewEmptyRange(0)
	for i, lh := range leaves {
		if err := tree.Append(lh, nil); err != nil {
			return nil, errors.Wrapf(err, "append leaf %d", i)
		}
	}
	root, err := tree.GetRootHash(nil)
	if err != nil {
		return nil, errors.Wrap(err, "compute root")
	}
	return root, nil
}

// inclusionPath resolves the audit path node ids for leaf m against the
// leaf hashes. Every id names a perfect subtree inside the tree.
func inclusionPath(m uint64, leaves [][]byte) ([][]byte, error) {
	nodes, err := proof.Inclusion(m, uint64(len(leaves)))
	if err != nil {
		return nil, errors.Wrapf(err, "inclusion nodes for leaf %d", m)
	}
	hashes := make([][]byte, 0, len(nodes.IDs))
	for _, id := range nodes.IDs {
		begin, end := id.Coverage()
		h, err := rootHash(leaves[begin:end])
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	path, err := nodes.Rehash(hashes, rfc6962.DefaultHasher.HashChildren)
	if err != nil {
		return nil, errors.Wrapf(err, "rehash inclusion path for leaf %d", m)
	}
	return path, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrap(err, "set checkpoint permissions")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "publish checkpoint")
}
