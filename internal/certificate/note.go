package certificate

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
	"golang.org/x/mod/sumdb/note"
)

const noteAlgEd25519 = 0x01

// NoteName is the signer name used in signed notes for this identity.
func NoteName(keyID string) string {
	if len(keyID) > 16 {
		keyID = keyID[:16]
	}
	return "wipecert-" + keyID
}

func noteKeyHash(name string, key []byte) uint32 {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte("\n"))
	h.Write(key)
	return binary.BigEndian.Uint32(h.Sum(nil))
}

// NoteVerifierKey encodes the public key in the signed-note verifier format.
func (v *Verifier) NoteVerifierKey() string {
	name := NoteName(v.KeyID)
	key := append([]byte{noteAlgEd25519}, v.PublicKey...)
	return fmt.Sprintf("%s+%08x+%s", name, noteKeyHash(name, key), base64.StdEncoding.EncodeToString(key))
}

// NoteVerifier returns a note.Verifier for this identity.
func (v *Verifier) NoteVerifier() (note.Verifier, error) {
	nv, err := note.NewVerifier(v.NoteVerifierKey())
	if err != nil {
		return nil, errors.Wrap(err, "build note verifier")
	}
	return nv, nil
}

// NoteSigner returns a note.Signer backed by the identity's private key.
func (id *Identity) NoteSigner() (note.Signer, error) {
	name := NoteName(id.KeyID)
	pubKey := append([]byte{noteAlgEd25519}, id.PublicKey...)
	seed := append([]byte{noteAlgEd25519}, id.PrivateKey.Seed()...)
	skey := fmt.Sprintf("PRIVATE+KEY+%s+%08x+%s", name, noteKeyHash(name, pubKey), base64.StdEncoding.EncodeToString(seed))
	signer, err := note.NewSigner(skey)
	if err != nil {
		return nil, errors.Wrap(err, "build note signer")
	}
	return signer, nil
}

// SignNote wraps the canonical payload of cert in a signed note so it can be
// checked with standard note tooling.
func SignNote(cert *Certificate, signer note.Signer) ([]byte, error) {
	payload, err := cert.CanonicalPayload()
	if err != nil {
		return nil, err
	}
	msg, err := note.Sign(&note.Note{Text: string(payload) + "\n"}, signer)
	if err != nil {
		return nil, errors.Wrap(err, "sign note")
	}
	return msg, nil
}

// OpenNote checks a signed note and returns the embedded payload.
func OpenNote(msg []byte, v *Verifier) ([]byte, error) {
	nv, err := v.NoteVerifier()
	if err != nil {
		return nil, err
	}
	n, err := note.Open(msg, note.VerifierList(nv))
	if err != nil {
		return nil, errors.Wrap(err, "open signed note")
	}
	text := n.Text
	return []byte(text[:len(text)-1]), nil
}
