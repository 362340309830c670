package kestrel

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// Extension is an SMTP service extension keyword advertised in reply to
// EHLO.
type Extension string

const (
	Ext8BitMIME            Extension = "8BITMIME"
	ExtPipelining          Extension = "PIPELINING"
	ExtSMTPUTF8            Extension = "SMTPUTF8"
	ExtSTARTTLS            Extension = "STARTTLS"
	ExtSize                Extension = "SIZE"
	ExtDSN                 Extension = "DSN"
	ExtAuth                Extension = "AUTH"
	ExtEnhancedStatusCodes Extension = "ENHANCEDSTATUSCODES"
)

// ServerCapabilities is what the server announced during the last
// successful greeting exchange.
type ServerCapabilities struct {
	// ESMTP is set when the greeting mentioned ESMTP or EHLO succeeded.
	ESMTP               bool
	Hostname            string
	EightBitMIME        bool
	EnhancedStatusCodes bool
	StartTLS            bool
	Pipelining          bool
	SMTPUTF8            bool
	DSN                 bool
	// Size is the advertised message size limit; zero means no limit or
	// not advertised, see Extensions.
	Size int64
	// AuthMechanisms holds mechanism names exactly as advertised.
	AuthMechanisms map[string]bool
	// Extensions maps every advertised keyword to its parameters.
	Extensions map[Extension]string
}

func newCapabilities() *ServerCapabilities {
	return &ServerCapabilities{
		AuthMechanisms: make(map[string]bool),
		Extensions:     make(map[Extension]string),
	}
}

// HasExtension checks if a specific extension was advertised.
func (s *ServerCapabilities) HasExtension(ext Extension) bool {
	_, ok := s.Extensions[ext]
	return ok
}

// SupportsAuth reports whether mechanism was advertised. The comparison is
// case-sensitive.
func (s *ServerCapabilities) SupportsAuth(mechanism string) bool {
	return s.AuthMechanisms[mechanism]
}

// Mechanisms returns the advertised authentication mechanisms, sorted.
func (s *ServerCapabilities) Mechanisms() []string {
	return slices.Sorted(maps.Keys(s.AuthMechanisms))
}

// String returns a one-line summary of the capabilities.
func (s *ServerCapabilities) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "esmtp=%v", s.ESMTP)
	for _, ext := range slices.Sorted(maps.Keys(s.Extensions)) {
		if ext == ExtAuth || ext == ExtSize {
			continue
		}
		sb.WriteString(" " + string(ext))
	}
	if s.HasExtension(ExtSize) {
		if s.Size > 0 {
			fmt.Fprintf(&sb, " SIZE=%s", units.HumanSize(float64(s.Size)))
		} else {
			sb.WriteString(" SIZE")
		}
	}
	if len(s.AuthMechanisms) > 0 {
		fmt.Fprintf(&sb, " AUTH=%s", strings.Join(s.Mechanisms(), ","))
	}
	return sb.String()
}

// parseCapabilities reads an EHLO reply. The first line names the server;
// every following line is an extension keyword with optional parameters.
func parseCapabilities(lines []string) *ServerCapabilities {
	caps := newCapabilities()
	caps.ESMTP = true
	if len(lines) == 0 {
		return caps
	}
	if f := strings.Fields(lines[0]); len(f) > 0 {
		caps.Hostname = f[0]
	}
	sawAuth := false
	for _, line := range lines[1:] {
		caps.parseLine(line, &sawAuth)
	}
	return caps
}

// parseLine matches keywords by case-sensitive prefix. Only the first AUTH
// line is honored, in either the "AUTH " or the legacy "AUTH=" form.
func (s *ServerCapabilities) parseLine(line string, sawAuth *bool) {
	keyword, params, _ := strings.Cut(line, " ")
	if keyword == "" {
		return
	}

	switch {
	case strings.HasPrefix(line, string(Ext8BitMIME)):
		s.EightBitMIME = true
	case strings.HasPrefix(line, string(ExtEnhancedStatusCodes)):
		s.EnhancedStatusCodes = true
	case strings.HasPrefix(line, string(ExtSTARTTLS)):
		s.StartTLS = true
	case strings.HasPrefix(line, string(ExtPipelining)):
		s.Pipelining = true
	case strings.HasPrefix(line, string(ExtSMTPUTF8)):
		s.SMTPUTF8 = true
	case keyword == string(ExtDSN):
		s.DSN = true
	case keyword == string(ExtSize):
		if n, err := strconv.ParseInt(strings.TrimSpace(params), 10, 64); err == nil && n > 0 {
			s.Size = n
		}
	case strings.HasPrefix(line, "AUTH ") || strings.HasPrefix(line, "AUTH="):
		keyword = string(ExtAuth)
		params = line[len("AUTH "):]
		if *sawAuth {
			return
		}
		*sawAuth = true
		for _, mech := range strings.Fields(params) {
			s.AuthMechanisms[mech] = true
		}
	}
	if _, ok := s.Extensions[Extension(keyword)]; !ok {
		s.Extensions[Extension(keyword)] = params
	}
}
