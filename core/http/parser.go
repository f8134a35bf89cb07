package http

import (
	"bytes"
	"errors"
	"strings"

	"github.com/searchktools/tinyhttpd/core/auth"
	"github.com/searchktools/tinyhttpd/core/buffer"
)

var (
	ErrMalformedRequestLine = errors.New("malformed request line")
)

var crlf = []byte("\r\n")

// knownRoutes are extensionless paths served from an .html file
var knownRoutes = map[string]struct{}{
	"/index":    {},
	"/register": {},
	"/login":    {},
	"/welcome":  {},
	"/video":    {},
	"/picture":  {},
}

// credentialRoutes are the form targets checked against the credential
// store; the value is the isLogin flag.
var credentialRoutes = map[string]bool{
	"/register.html": false,
	"/login.html":    true,
}

// Parse consumes complete lines from buf and advances the state machine.
// It returns true once the request is finished, false when it needs more
// data, or ErrMalformedRequestLine.
func (r *Request) Parse(buf *buffer.Buffer, verifier auth.Verifier) (bool, error) {
	for buf.ReadableBytes() > 0 && r.state != StateFinish {
		data := buf.Peek()
		end := bytes.Index(data, crlf)

		if r.state == StateBody {
			// The body is the rest of the line, terminated or not
			if end < 0 {
				end = len(data)
			}
			r.Body = string(data[:end])
			r.parsePost(verifier)
			r.state = StateFinish
			buf.RetrieveUntil(min(end+2, len(data)))
			break
		}

		// Partial line: wait for the rest
		if end < 0 {
			return false, nil
		}
		line := data[:end]

		switch r.state {
		case StateRequestLine:
			if err := r.parseRequestLine(line); err != nil {
				return false, err
			}
			r.normalizePath()
			r.state = StateHeaders
		case StateHeaders:
			if !r.parseHeader(line) {
				r.state = StateBody
			}
			// Nothing left but the terminator, or a method without a body
			if buf.ReadableBytes() <= 2 || (r.state == StateBody && r.Method != "POST") {
				r.state = StateFinish
			}
		}
		buf.RetrieveUntil(end + 2)
	}
	return r.state == StateFinish, nil
}

// parseRequestLine matches METHOD SP PATH SP HTTP/VERSION
func (r *Request) parseRequestLine(line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return ErrMalformedRequestLine
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return ErrMalformedRequestLine
	}
	proto := rest[sp2+1:]
	if !bytes.HasPrefix(proto, []byte("HTTP/")) || bytes.IndexByte(proto, ' ') >= 0 {
		return ErrMalformedRequestLine
	}

	r.Method = string(line[:sp1])
	r.Path = string(rest[:sp2])
	r.Version = string(proto[len("HTTP/"):])
	return nil
}

func (r *Request) normalizePath() {
	if r.Path == "/" {
		r.Path = "/index.html"
		return
	}
	if _, ok := knownRoutes[r.Path]; ok {
		r.Path += ".html"
	}
}

// parseHeader matches KEY: VALUE and reports whether the line was a header
func (r *Request) parseHeader(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return false
	}
	value := line[colon+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	r.headers[string(line[:colon])] = string(value)
	return true
}

func (r *Request) parsePost(verifier auth.Verifier) {
	if r.Method != "POST" || r.headers[HeaderContentType] != formURLEncoded {
		return
	}
	parseURLEncoded(r.Body, r.post)

	isLogin, ok := credentialRoutes[r.Path]
	if !ok {
		return
	}
	if verifier != nil && verifier.Verify(r.post["username"], r.post["password"], isLogin) {
		r.Path = "/welcome.html"
	} else {
		r.Path = "/error.html"
	}
}

// parseURLEncoded splits key=value pairs on '&' and decodes each side
func parseURLEncoded(body string, into map[string]string) {
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		into[unescape(key)] = unescape(value)
	}
}

// unescape decodes '+' to space and %XX to the byte it names. Malformed
// escapes are kept literally.
func unescape(s string) string {
	if strings.IndexByte(s, '%') < 0 && strings.IndexByte(s, '+') < 0 {
		return s
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			out = append(out, ' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			out = append(out, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
