package jsonrpc

import "bytes"

// LineBuffer reassembles newline-delimited frames from arbitrary chunks.
// The trailing partial segment is kept until a later chunk completes it.
//
// LineBuffer is not safe for concurrent use; the transport feeds it from a
// single reader goroutine.
type LineBuffer struct {
	buf []byte
}

// Feed appends chunk and returns every complete line, without the newline
// or a trailing carriage return. Empty lines are skipped.
func (b *LineBuffer) Feed(chunk []byte) [][]byte {
	b.buf = append(b.buf, chunk...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(b.buf[:idx], []byte("\r"))
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		b.buf = b.buf[idx+1:]
	}

	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Pending returns the number of buffered bytes not yet terminated by a newline.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Reset discards any buffered partial line.
func (b *LineBuffer) Reset() {
	b.buf = nil
}
