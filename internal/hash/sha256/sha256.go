// Package sha256 digests artifacts as they stream to storage.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Reader passes bytes through while hashing them.
type Reader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

func (d *Reader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of everything read so far.
func (d *Reader) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Len returns the number of bytes read so far.
func (d *Reader) Len() int64 { return d.n }
