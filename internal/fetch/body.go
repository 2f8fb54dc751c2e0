package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html/charset"
)

// chunkSize is the largest read issued against a response body.
const chunkSize = 8 << 10

// errLimitExceeded is wrapped into a ResponseTooLargeError by the caller,
// which knows the URL.
var errLimitExceeded = errors.New("limit exceeded")

// copyBounded copies r to w chunk by chunk. It fails as soon as the running
// total would exceed limit, before the offending chunk is written, so w never
// receives more than limit bytes.
func copyBounded(w io.Writer, r io.Reader, limit int64) (int64, error) {
	// Never pull more than one byte past the ceiling off the wire.
	r = io.LimitReader(r, limit+1)
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if total+int64(n) > limit {
				return total, errLimitExceeded
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// ReadText reads at most limit bytes of r and decodes them using the charset
// declared in contentType, defaulting to UTF-8. Invalid sequences are
// replaced rather than rejected. It returns the text, the canonical charset
// name and the number of bytes read.
func ReadText(r io.Reader, contentType string, limit int64) (string, string, int64, error) {
	var buf bytes.Buffer
	n, err := copyBounded(&buf, r, limit)
	if err != nil {
		return "", "", n, err
	}
	text, name := decode(buf.Bytes(), contentType)
	return text, name, n, nil
}

func decode(b []byte, contentType string) (string, string) {
	label := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		label = strings.TrimSpace(params["charset"])
	}
	if label != "" {
		if enc, name := charset.Lookup(label); enc != nil && name != "utf-8" {
			if out, err := enc.NewDecoder().Bytes(b); err == nil {
				return string(out), name
			}
		}
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), "utf-8"
}

// WriteFile streams at most limit bytes of r into dest. On any failure the
// partially written file is closed and removed.
func WriteFile(r io.Reader, dest string, createParents bool, limit int64) (int64, error) {
	if createParents {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return 0, fmt.Errorf("create parent directories of %q: %w", dest, err)
		}
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open destination %q: %w", dest, err)
	}

	n, err := copyBounded(f, r, limit)
	if err != nil {
		f.Close()
		os.Remove(dest)
		return n, err
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return n, fmt.Errorf("close destination %q: %w", dest, err)
	}
	return n, nil
}

// readSnippet returns up to limit bytes of r for error messages.
func readSnippet(r io.Reader, limit int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "\uFFFD"))
}
