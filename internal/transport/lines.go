package transport

import (
	"bytes"
	"fmt"
	"io"
)

// lineReader assembles lines from a reader whose Read returns (0, nil) when
// the read timeout elapses, as go.bug.st/serial ports do.
type lineReader struct {
	src   io.Reader
	buf   []byte
	chunk []byte
}

func newLineReader(src io.Reader) *lineReader {
	return &lineReader{src: src, chunk: make([]byte, 256)}
}

// ReadLine returns one '\n'-terminated line when available. On a read
// timeout it returns the partial line received so far, which is how
// prompts without a terminator (">") surface.
func (r *lineReader) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := string(r.buf[:i+1])
			r.buf = r.buf[i+1:]
			return line, nil
		}

		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
		}
		if err != nil {
			return "", fmt.Errorf("read failed: %w", err)
		}
		if n > 0 {
			continue
		}

		line := string(r.buf)
		r.buf = r.buf[:0]
		return line, nil
	}
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("write failed: %w", io.ErrShortWrite)
		}
		p = p[n:]
	}
	return nil
}
