package kestrel

import (
	"errors"
	"io"
	"strings"
)

// Reply is one logical server reply, possibly spread over several lines.
type Reply struct {
	// Code is taken from the first line. Zero when it is not a number.
	Code int
	// Lines holds the text of each line after the code and separator.
	Lines []string
	// Message is the human-readable reply text. With enhanced status
	// codes it is the xtext-decoded server text, otherwise the standard
	// description of Code.
	Message string
}

// Text returns the raw reply text, lines joined with '\n'.
func (r *Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// lineReader is satisfied by io.Channel.
type lineReader interface {
	ReadFullLine() (string, error)
}

// readReply reads lines until one is not marked as continued. A line is
// continued when its fourth byte is '-'.
func readReply(r lineReader, enhanced bool) (*Reply, error) {
	reply := &Reply{}
	for first := true; ; first = false {
		line, err := r.ReadFullLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, &IOError{Op: "read reply", Err: err}
		}
		if first {
			reply.Code = parseCode(line)
		}
		text := ""
		if len(line) > 4 {
			text = line[4:]
		}
		reply.Lines = append(reply.Lines, text)

		if len(line) < 4 || line[3] != '-' {
			break
		}
	}
	reply.Message = decodeMessage(reply.Code, reply.Lines, enhanced)
	return reply, nil
}

func parseCode(line string) int {
	if len(line) < 3 {
		return 0
	}
	code := 0
	for i := range 3 {
		c := line[i]
		if c < '0' || c > '9' {
			return 0
		}
		code = code*10 + int(c-'0')
	}
	return code
}

// decodeMessage builds the reply message. With enhanced status codes the
// leading status token of every line is dropped and the rest is xtext
// decoded; a line carrying nothing after its status token falls back to
// the code description.
func decodeMessage(code int, lines []string, enhanced bool) string {
	if !enhanced {
		return SMTPCode(code).Description()
	}
	var sb strings.Builder
	for i, text := range lines {
		rest := skipToken(text)
		if rest == "" {
			return SMTPCode(code).Description()
		}
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(rest)
	}
	if msg := DecodeXtext(sb.String()); msg != "" {
		return msg
	}
	return SMTPCode(code).Description()
}

// skipToken drops leading blanks, the first blank-delimited token and the
// blanks following it.
func skipToken(s string) string {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return strings.TrimRight(strings.TrimLeft(s[i:], " \t"), " \t")
	}
	return ""
}

// DecodeXtext decodes the xtext encoding of RFC 3461: "+HH" with two
// uppercase hex digits stands for that byte. Anything else, including a
// malformed escape, passes through unchanged.
func DecodeXtext(s string) string {
	if strings.IndexByte(s, '+') < 0 {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '+' && i+2 < len(s) {
			hi, ok1 := upperHex(s[i+1])
			lo, ok2 := upperHex(s[i+2])
			if ok1 && ok2 {
				sb.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func upperHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
