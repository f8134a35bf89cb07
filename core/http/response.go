package http

import (
	"strconv"

	"github.com/searchktools/tinyhttpd/core/buffer"
	"github.com/searchktools/tinyhttpd/core/static"
	"github.com/valyala/bytebufferpool"
)

// Status codes the builder knows how to emit
const (
	StatusOK         = 200
	StatusBadRequest = 400
	StatusForbidden  = 403
	StatusNotFound   = 404
)

// statusText maps known codes to reason phrases
var statusText = map[int]string{
	StatusOK:         "OK",
	StatusBadRequest: "Bad Request",
	StatusForbidden:  "Forbidden",
	StatusNotFound:   "Not Found",
}

// errorPages maps error codes to pages under the document root
var errorPages = map[int]string{
	StatusBadRequest: "/400.html",
	StatusForbidden:  "/403.html",
	StatusNotFound:   "/404.html",
}

const keepAlivePolicy = "Keep-Alive: max=6, timeout=120\r\n"

// Response builds the status line, headers and body segments for one
// request. The mapped file, if any, is the second write segment.
type Response struct {
	root      string
	path      string
	code      int
	keepAlive bool
	file      *static.MappedFile
}

// Init prepares the response for a new request and releases the mapping
// left from the previous one. code is the tentative status.
func (r *Response) Init(root, path string, keepAlive bool, code int) {
	r.Unmap()
	r.root = root
	r.path = path
	r.code = code
	r.keepAlive = keepAlive
}

// Code returns the status chosen by Build
func (r *Response) Code() int {
	return r.code
}

// Path returns the page actually served
func (r *Response) Path() string {
	return r.path
}

// KeepAlive reports whether the connection stays open after this response
func (r *Response) KeepAlive() bool {
	return r.keepAlive
}

// File returns the mapped body, nil when the body is inline
func (r *Response) File() []byte {
	return r.file.Bytes()
}

// Build appends the status line, headers and any inline body to buf and
// maps the file to serve.
func (r *Response) Build(buf *buffer.Buffer) {
	if r.code < StatusBadRequest {
		switch st, _ := static.Check(static.Resolve(r.root, r.path)); st {
		case static.StatusNotFound:
			r.code = StatusNotFound
		case static.StatusForbidden:
			r.code = StatusForbidden
		default:
			r.code = StatusOK
		}
	}
	if page, ok := errorPages[r.code]; ok {
		r.path = page
	}

	r.appendStatusLine(buf)
	r.appendHeaders(buf)
	r.appendContent(buf)
}

func (r *Response) appendStatusLine(buf *buffer.Buffer) {
	text, ok := statusText[r.code]
	if !ok {
		r.code = StatusBadRequest
		text = statusText[r.code]
	}
	buf.AppendString("HTTP/1.1 " + strconv.Itoa(r.code) + " " + text + "\r\n")
}

func (r *Response) appendHeaders(buf *buffer.Buffer) {
	buf.AppendString(HeaderConnection + ": ")
	if r.keepAlive {
		buf.AppendString("keep-alive\r\n")
		buf.AppendString(keepAlivePolicy)
	} else {
		buf.AppendString("close\r\n")
	}
	buf.AppendString(HeaderContentType + ": " + static.ContentType(r.path) + "\r\n")
}

func (r *Response) appendContent(buf *buffer.Buffer) {
	f, err := static.Map(static.Resolve(r.root, r.path))
	if err != nil {
		r.appendErrorContent(buf, "File NotFound!")
		return
	}
	r.file = f
	buf.AppendString(HeaderContentLength + ": " + strconv.FormatInt(f.Len(), 10) + "\r\n\r\n")
}

// appendErrorContent writes an inline HTML body when no page can be mapped
func (r *Response) appendErrorContent(buf *buffer.Buffer, message string) {
	body := bytebufferpool.Get()
	defer bytebufferpool.Put(body)

	text, ok := statusText[r.code]
	if !ok {
		text = "Bad Request"
	}
	body.WriteString("<html><title>Error</title>")
	body.WriteString("<body bgcolor=\"ffffff\">")
	body.WriteString(strconv.Itoa(r.code) + " : " + text + "\n")
	body.WriteString("<p>" + message + "</p>")
	body.WriteString("<hr><em>tinyhttpd</em></body></html>")

	buf.AppendString(HeaderContentLength + ": " + strconv.Itoa(body.Len()) + "\r\n\r\n")
	buf.Append(body.B)
}

// Unmap releases the mapped file
func (r *Response) Unmap() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}
