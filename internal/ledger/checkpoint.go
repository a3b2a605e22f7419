package ledger

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Checkpoint commits to the contents of the ledger at a given size.
type Checkpoint struct {
	Origin string
	Size   uint64
	Hash   []byte
}

// Marshal renders the three-line checkpoint body: origin, decimal size and
// base64 root hash, each followed by a newline.
func (c Checkpoint) Marshal() []byte {
	return []byte(fmt.Sprintf("%s\n%d\n%s\n", c.Origin, c.Size, base64.StdEncoding.EncodeToString(c.Hash)))
}

// Unmarshal parses a checkpoint body. Trailing data is rejected.
func (c *Checkpoint) Unmarshal(data []byte) error {
	l := bytes.SplitN(data, []byte("\n"), 4)
	if len(l) < 4 {
		return errors.New("invalid checkpoint: too few newlines")
	}
	origin := string(l[0])
	if origin == "" {
		return errors.New("invalid checkpoint: empty origin")
	}
	size, err := strconv.ParseUint(string(l[1]), 10, 64)
	if err != nil {
		return errors.Wrap(err, "invalid checkpoint size")
	}
	h, err := base64.StdEncoding.DecodeString(string(l[2]))
	if err != nil {
		return errors.Wrap(err, "invalid checkpoint hash")
	}
	if n := len(l[3]); n > 0 {
		return errors.Newf("invalid checkpoint: %d bytes of trailing data", n)
	}
	*c = Checkpoint{Origin: origin, Size: size, Hash: h}
	return nil
}
