// Package io implements the buffered, line-oriented channel an SMTP
// transport talks through, and the outbound filters applied to a
// message body during the DATA phase.
package io

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultBufferSize is the capacity of both the read window and the
// write block of a Channel created with NewChannel.
const DefaultBufferSize = 4096

const (
	minBufferSize   = 16
	initialLineSize = 80
	maxEmptyReads   = 100
)

var (
	ErrClosed     = errors.New("smtp: channel closed")
	ErrNoProgress = errors.New("smtp: connection returned no data")
)

// OpError reports a failure of the connection underneath a Channel.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// flusher is implemented by connections that buffer writes themselves.
type flusher interface {
	Flush() error
}

// Channel wraps a duplex byte connection with a fixed-size read window,
// a growable line accumulator and a fixed-size write block.
//
// Reads and writes are independent: bytes sitting in the write block are
// not visible to the peer until the block fills or Flush is called.
// A Channel is not safe for concurrent use.
type Channel struct {
	conn io.ReadWriteCloser

	rbuf       []byte
	rpos, rend int
	rerr       error
	eof        bool

	line []byte

	wbuf []byte
	wn   int
}

// NewChannel returns a Channel over conn using DefaultBufferSize.
func NewChannel(conn io.ReadWriteCloser) *Channel {
	return NewChannelSize(conn, DefaultBufferSize)
}

// NewChannelSize returns a Channel whose read window and write block
// hold size bytes each.
func NewChannelSize(conn io.ReadWriteCloser, size int) *Channel {
	if size < minBufferSize {
		size = minBufferSize
	}
	return &Channel{
		conn: conn,
		rbuf: make([]byte, size),
		wbuf: make([]byte, size),
	}
}

// Conn returns the connection currently underneath the channel.
func (c *Channel) Conn() io.ReadWriteCloser {
	return c.conn
}

// Size returns the read window and write block capacity.
func (c *Channel) Size() int {
	return len(c.rbuf)
}

// Buffered returns the number of received bytes not yet consumed.
func (c *Channel) Buffered() int {
	return c.rend - c.rpos
}

// Pending returns the number of written bytes held in the write block.
func (c *Channel) Pending() int {
	return c.wn
}

// EOF reports whether the connection reached end of stream and every
// received byte has been consumed.
func (c *Channel) EOF() bool {
	return c.eof && c.rpos == c.rend
}

// Read fills p from the read window first. When the part of p still to be
// filled is at least a third of the window capacity the connection is read
// straight into p, otherwise the window is refilled and copied out. Read
// keeps going until p is full or the stream ends. An error is returned only
// when no byte was produced; an error hit after partial data is held for
// the next call.
func (c *Channel) Read(p []byte) (int, error) {
	if c.conn == nil {
		return 0, ErrClosed
	}
	n := 0
	for n < len(p) {
		if c.rpos < c.rend {
			m := copy(p[n:], c.rbuf[c.rpos:c.rend])
			c.rpos += m
			n += m
			continue
		}
		if c.rerr != nil {
			break
		}
		if len(p)-n >= len(c.rbuf)/3 {
			m, err := c.readConn(p[n:])
			n += m
			if err != nil {
				c.setReadErr(err)
				break
			}
			continue
		}
		if !c.fill() {
			break
		}
	}
	if n > 0 || len(p) == 0 {
		return n, nil
	}
	return 0, c.readErr()
}

// ReadLine copies bytes into p up to and including the next '\n'. When no
// newline fits in p the line is truncated at len(p) and the rest is
// returned by the following call. An error is returned only when no byte
// was produced; a failure in the middle of a line ends that line and is
// reported by the next call.
func (c *Channel) ReadLine(p []byte) (int, error) {
	if c.conn == nil {
		return 0, ErrClosed
	}
	n := 0
	for n < len(p) {
		if c.rpos == c.rend {
			if c.rerr != nil || !c.fill() {
				break
			}
		}
		avail := c.rbuf[c.rpos:c.rend]
		if room := len(p) - n; len(avail) > room {
			avail = avail[:room]
		}
		if i := bytes.IndexByte(avail, '\n'); i >= 0 {
			n += copy(p[n:], avail[:i+1])
			c.rpos += i + 1
			return n, nil
		}
		n += copy(p[n:], avail)
		c.rpos += len(avail)
	}
	if n > 0 || len(p) == 0 {
		return n, nil
	}
	return 0, c.readErr()
}

// ReadFullLine reads one complete line of any length, growing the line
// accumulator as needed. The trailing '\n' and a '\r' right before it are
// removed. A final line without newline is returned as is; io.EOF is
// returned only when the stream ended with nothing left to read.
func (c *Channel) ReadFullLine() (string, error) {
	if c.line == nil {
		c.line = make([]byte, initialLineSize)
	}
	n := 0
	for {
		m, err := c.ReadLine(c.line[n:])
		if m == 0 {
			if n > 0 {
				break
			}
			return "", err
		}
		n += m
		if c.line[n-1] == '\n' || n < len(c.line) {
			break
		}
		grown := make([]byte, 2*len(c.line))
		copy(grown, c.line[:n])
		c.line = grown
	}

	line := c.line[:n]
	if line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
	}
	return string(line), nil
}

// Write appends p to the write block, sending the block whole each time it
// fills. A write of at least a third of the block capacity flushes what is
// pending and goes straight to the connection.
func (c *Channel) Write(p []byte) (int, error) {
	if c.conn == nil {
		return 0, ErrClosed
	}
	if len(p) >= len(c.wbuf)/3 {
		if err := c.flushBlock(); err != nil {
			return 0, err
		}
		if err := c.writeConn(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	n := 0
	for n < len(p) {
		m := copy(c.wbuf[c.wn:], p[n:])
		c.wn += m
		n += m
		if c.wn == len(c.wbuf) {
			if err := c.flushBlock(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// WriteString is Write for strings.
func (c *Channel) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

// Flush sends the pending write block and flushes the connection when it
// buffers writes itself.
func (c *Channel) Flush() error {
	if c.conn == nil {
		return ErrClosed
	}
	if err := c.flushBlock(); err != nil {
		return err
	}
	if f, ok := c.conn.(flusher); ok {
		if err := f.Flush(); err != nil {
			return &OpError{Op: "flush", Err: err}
		}
	}
	return nil
}

// Close flushes pending output and closes the connection. The channel is
// unusable afterwards.
func (c *Channel) Close() error {
	if c.conn == nil {
		return ErrClosed
	}
	flushErr := c.Flush()
	closeErr := c.conn.Close()
	c.conn = nil
	c.rpos, c.rend, c.wn = 0, 0, 0
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return &OpError{Op: "close", Err: closeErr}
	}
	return nil
}

// Reset moves the channel onto conn, typically the TLS connection wrapping
// the previous one. Unconsumed received bytes and any unflushed output are
// discarded; the number of discarded received bytes is returned.
func (c *Channel) Reset(conn io.ReadWriteCloser) int {
	discarded := c.rend - c.rpos
	c.conn = conn
	c.rpos, c.rend = 0, 0
	c.rerr = nil
	c.eof = false
	c.wn = 0
	return discarded
}

func (c *Channel) fill() bool {
	m, err := c.readConn(c.rbuf)
	c.rpos, c.rend = 0, m
	if err != nil {
		c.setReadErr(err)
	}
	return m > 0
}

func (c *Channel) readConn(p []byte) (int, error) {
	for range maxEmptyReads {
		n, err := c.conn.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
	return 0, ErrNoProgress
}

func (c *Channel) setReadErr(err error) {
	if errors.Is(err, io.EOF) {
		c.eof = true
		c.rerr = io.EOF
		return
	}
	c.rerr = &OpError{Op: "read", Err: err}
}

// readErr returns the held read error. End of stream stays sticky, other
// failures are reported once.
func (c *Channel) readErr() error {
	err := c.rerr
	if err != io.EOF {
		c.rerr = nil
	}
	if err == nil {
		err = ErrNoProgress
	}
	return err
}

func (c *Channel) flushBlock() error {
	if c.wn == 0 {
		return nil
	}
	err := c.writeConn(c.wbuf[:c.wn])
	c.wn = 0
	return err
}

func (c *Channel) writeConn(p []byte) error {
	for len(p) > 0 {
		n, err := c.conn.Write(p)
		p = p[n:]
		if err != nil {
			return &OpError{Op: "write", Err: err}
		}
		if n == 0 {
			return &OpError{Op: "write", Err: io.ErrShortWrite}
		}
	}
	return nil
}
