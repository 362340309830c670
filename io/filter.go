package io

import (
	"bytes"
	"io"
	"strings"
)

// CRLFWriter rewrites every bare '\n' as "\r\n" on its way to the
// underlying writer. A '\r' not followed by '\n' passes through.
type CRLFWriter struct {
	w      io.Writer
	lastCR bool
}

// NewCRLFWriter returns a CRLFWriter writing to w.
func NewCRLFWriter(w io.Writer) *CRLFWriter {
	return &CRLFWriter{w: w}
}

func (c *CRLFWriter) Write(p []byte) (int, error) {
	start := 0
	for i, b := range p {
		if b == '\n' && !c.lastCR && (i == 0 || p[i-1] != '\r') {
			if _, err := c.w.Write(p[start:i]); err != nil {
				return start, err
			}
			if _, err := c.w.Write([]byte("\r\n")); err != nil {
				return i, err
			}
			start = i + 1
		}
		c.lastCR = false
	}
	if start < len(p) {
		if _, err := c.w.Write(p[start:]); err != nil {
			return start, err
		}
	}
	if len(p) > 0 {
		c.lastCR = p[len(p)-1] == '\r'
	}
	return len(p), nil
}

// DotStuffer doubles a '.' found at the start of a line so the body can
// never be mistaken for the end-of-data marker.
type DotStuffer struct {
	w           io.Writer
	lineStart   bool
	wroteAny    bool
	lastWasCRLF bool
	prevCR      bool
}

// NewDotStuffer returns a DotStuffer writing to w. The first byte written
// counts as the start of a line.
func NewDotStuffer(w io.Writer) *DotStuffer {
	return &DotStuffer{w: w, lineStart: true}
}

func (d *DotStuffer) Write(p []byte) (int, error) {
	start := 0
	for i, b := range p {
		if d.lineStart && b == '.' {
			if _, err := d.w.Write(p[start:i]); err != nil {
				return start, err
			}
			if _, err := d.w.Write([]byte{'.'}); err != nil {
				return i, err
			}
			start = i
		}
		d.lineStart = b == '\n'
		d.lastWasCRLF = b == '\n' && d.prevCR
		d.prevCR = b == '\r'
	}
	if start < len(p) {
		if _, err := d.w.Write(p[start:]); err != nil {
			return start, err
		}
	}
	if len(p) > 0 {
		d.wroteAny = true
	}
	return len(p), nil
}

// EndsWithCRLF reports whether the last bytes written were "\r\n".
func (d *DotStuffer) EndsWithCRLF() bool {
	return d.wroteAny && d.lastWasCRLF
}

// HeaderStripper drops the named header fields, continuation lines
// included, from the header block of a message. The header block ends at
// the first empty line, or at the first line that is neither a field nor
// a continuation. Everything from there on passes through untouched.
type HeaderStripper struct {
	w        io.Writer
	names    []string
	line     []byte
	inBody   bool
	dropping bool
}

// NewHeaderStripper returns a HeaderStripper writing to w. Field names
// are matched case-insensitively.
func NewHeaderStripper(w io.Writer, names ...string) *HeaderStripper {
	return &HeaderStripper{w: w, names: names}
}

func (h *HeaderStripper) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) && !h.inBody {
		i := bytes.IndexByte(p[n:], '\n')
		if i < 0 {
			h.line = append(h.line, p[n:]...)
			return len(p), nil
		}
		h.line = append(h.line, p[n:n+i+1]...)
		n += i + 1
		if err := h.emitLine(); err != nil {
			return n, err
		}
	}
	if n < len(p) {
		if _, err := h.w.Write(p[n:]); err != nil {
			return n, err
		}
	}
	return len(p), nil
}

// Close writes out a header line left without a terminating newline.
func (h *HeaderStripper) Close() error {
	if len(h.line) == 0 {
		return nil
	}
	return h.emitLine()
}

func (h *HeaderStripper) emitLine() error {
	line := h.line
	h.line = h.line[:0]

	switch {
	case isBlankLine(line):
		h.inBody = true
		h.dropping = false
	case line[0] == ' ' || line[0] == '\t':
		// continuation keeps the decision of its field
	case !isFieldLine(line):
		h.inBody = true
		h.dropping = false
	default:
		h.dropping = h.matches(line)
	}
	if h.dropping {
		return nil
	}
	_, err := h.w.Write(line)
	return err
}

func (h *HeaderStripper) matches(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return false
	}
	name := strings.TrimRight(string(line[:colon]), " \t")
	for _, n := range h.names {
		if strings.EqualFold(name, n) {
			return true
		}
	}
	return false
}

// isFieldLine reports whether line starts with a field name and a colon.
// Whitespace between the name and the colon is tolerated.
func isFieldLine(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return false
	}
	name := bytes.TrimRight(line[:colon], " \t")
	if len(name) == 0 {
		return false
	}
	for _, c := range name {
		if c < 33 || c > 126 {
			return false
		}
	}
	return true
}

func isBlankLine(line []byte) bool {
	return bytes.Equal(line, []byte("\n")) || bytes.Equal(line, []byte("\r\n"))
}

// DataWriter carries a message body onto the wire during DATA: selected
// header fields are stripped, line endings become CRLF, leading dots are
// doubled, and Close writes the end-of-data marker.
type DataWriter struct {
	headers *HeaderStripper
	dots    *DotStuffer
	w       io.Writer
	closed  bool
}

// NewDataWriter returns a DataWriter sending to w and dropping the named
// header fields.
func NewDataWriter(w io.Writer, strip ...string) *DataWriter {
	dots := NewDotStuffer(w)
	d := &DataWriter{dots: dots, w: w}
	d.headers = NewHeaderStripper(NewCRLFWriter(dots), strip...)
	return d
}

func (d *DataWriter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	return d.headers.Write(p)
}

// Close flushes the filters and writes the terminator so the stream ends
// in "\r\n.\r\n". It does not close the underlying writer.
func (d *DataWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.headers.Close(); err != nil {
		return err
	}
	marker := "\r\n.\r\n"
	if d.dots.EndsWithCRLF() {
		marker = ".\r\n"
	}
	_, err := io.WriteString(d.w, marker)
	return err
}
