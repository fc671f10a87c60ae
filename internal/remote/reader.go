package remote

import (
	"io"

	"github.com/xuecangming/multidrive/internal/core/cancel"
)

// DefaultChunkSize is the largest read handed through a TokenReader at once
const DefaultChunkSize = 4 << 20

// TokenReader checks a cancellation token before every chunk, so a pause or
// cancel is observed within one chunk of the stream.
type TokenReader struct {
	r          io.Reader
	tok        *cancel.Token
	chunk      int
	read       int64
	onProgress func(read int64)
}

// NewTokenReader wraps r. chunk <= 0 selects DefaultChunkSize; onProgress may be nil.
func NewTokenReader(r io.Reader, tok *cancel.Token, chunk int, onProgress func(read int64)) *TokenReader {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &TokenReader{r: r, tok: tok, chunk: chunk, onProgress: onProgress}
}

// Read implements io.Reader
func (t *TokenReader) Read(p []byte) (int, error) {
	if err := t.tok.Err(); err != nil {
		return 0, err
	}
	if len(p) > t.chunk {
		p = p[:t.chunk]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		t.read += int64(n)
		if t.onProgress != nil {
			t.onProgress(t.read)
		}
	}
	return n, err
}

// BytesRead returns the number of bytes passed through so far
func (t *TokenReader) BytesRead() int64 {
	return t.read
}
