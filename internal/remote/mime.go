package remote

import (
	"bytes"
	"io"
	"mime"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

const sniffLen = 512

// SniffContentType peeks at the head of r to detect its content type and
// returns a reader that still yields the full stream. The file extension is
// used when the content is not recognised.
func SniffContentType(name string, r io.Reader) (string, io.Reader) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	head = head[:n]
	full := io.MultiReader(bytes.NewReader(head), r)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return byExtension(name), full
	}

	if n > 0 {
		if mt := mimetype.Detect(head); mt != nil && !mt.Is("application/octet-stream") {
			return mt.String(), full
		}
	}
	return byExtension(name), full
}

func byExtension(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
