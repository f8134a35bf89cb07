package http

import (
	"golang.org/x/net/http/httpguts"
)

// ParseState is the position of the request parser
type ParseState int

const (
	StateRequestLine ParseState = iota
	StateHeaders
	StateBody
	StateFinish
)

// Header names the parser and builder care about
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderConnection    = "Connection"
)

// formURLEncoded is the only body encoding decoded into the POST map
const formURLEncoded = "application/x-www-form-urlencoded"

// Request is one parsed HTTP/1.1 request. It is reused across requests on
// the same connection via Reset.
type Request struct {
	state ParseState

	Method  string
	Path    string
	Version string
	Body    string

	headers map[string]string
	post    map[string]string
}

// NewRequest returns a request ready to parse
func NewRequest() *Request {
	return &Request{
		headers: make(map[string]string, 8),
		post:    make(map[string]string),
	}
}

// Reset clears the request for the next exchange (maps keep their memory)
func (r *Request) Reset() {
	r.state = StateRequestLine
	r.Method = ""
	r.Path = ""
	r.Version = ""
	r.Body = ""
	clear(r.headers)
	clear(r.post)
}

// State returns the parser position
func (r *Request) State() ParseState {
	return r.state
}

// Header returns a request header value
func (r *Request) Header(key string) string {
	return r.headers[key]
}

// Post returns a decoded form field
func (r *Request) Post(key string) string {
	return r.post[key]
}

// IsKeepAlive reports whether the client asked to keep the connection open
func (r *Request) IsKeepAlive() bool {
	v, ok := r.headers[HeaderConnection]
	if !ok || r.Version != "1.1" {
		return false
	}
	return httpguts.HeaderValuesContainsToken([]string{v}, "keep-alive")
}
