package http

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/searchktools/tinyhttpd/core/auth"
	"github.com/searchktools/tinyhttpd/core/buffer"
	"golang.org/x/sys/unix"
)

// ConnOptions are shared by every connection of one server
type ConnOptions struct {
	Root     string
	Verifier auth.Verifier
	Logger   zerolog.Logger
}

// Conn is one client connection. At most one task drives its buffers at a
// time; the descriptor is closed only when the last reference is released.
type Conn struct {
	fd   int
	addr string
	id   uuid.UUID
	opts *ConnOptions
	log  zerolog.Logger

	readBuf  *buffer.Buffer
	writeBuf *buffer.Buffer
	iov      [2][]byte

	req  *Request
	resp Response

	closed   atomic.Bool
	released atomic.Bool
	refs     atomic.Int32
	inflight atomic.Int32
}

// NewConn wraps an accepted descriptor. The caller owns the first reference.
func NewConn(fd int, addr string, opts *ConnOptions) *Conn {
	c := &Conn{
		fd:       fd,
		addr:     addr,
		id:       uuid.New(),
		opts:     opts,
		readBuf:  buffer.New(buffer.InitialSize),
		writeBuf: buffer.New(buffer.InitialSize),
		req:      NewRequest(),
	}
	c.log = opts.Logger.With().Str("conn", c.id.String()).Int("fd", fd).Str("peer", addr).Logger()
	c.refs.Store(1)
	return c
}

// Fd returns the socket descriptor
func (c *Conn) Fd() int {
	return c.fd
}

// Addr returns the peer address
func (c *Conn) Addr() string {
	return c.addr
}

// Logger returns the connection-scoped logger
func (c *Conn) Logger() *zerolog.Logger {
	return &c.log
}

// Retain takes a reference for a queued task
func (c *Conn) Retain() {
	c.refs.Add(1)
}

// Release drops a reference and frees the descriptor on the last one
func (c *Conn) Release() {
	if n := c.refs.Add(-1); n == 0 {
		c.Recycle()
	} else if n < 0 {
		panic("http: connection released too many times")
	}
}

// MarkClosed flags the connection closed; only the first call returns true
func (c *Conn) MarkClosed() bool {
	return c.closed.CompareAndSwap(false, true)
}

// Closed reports whether the connection has been closed
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Enter marks a task as running on the connection and reports whether
// another task was already running.
func (c *Conn) Enter() (overlap bool) {
	return c.inflight.Add(1) > 1
}

// Exit marks the running task as done
func (c *Conn) Exit() {
	c.inflight.Add(-1)
}

// Read drains the socket into the read buffer, looping until it would
// block when edgeTriggered. io.EOF reports an orderly peer shutdown.
func (c *Conn) Read(edgeTriggered bool) (int, error) {
	total := 0
	for {
		n, err := c.readBuf.ReadFrom(c.fd)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if buffer.IsWouldBlock(err) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
		if !edgeTriggered {
			return total, nil
		}
	}
}

// Process parses buffered input and, once a request is complete or
// malformed, builds the response. It reports whether a response is ready.
func (c *Conn) Process() bool {
	if c.req.State() == StateFinish {
		c.req.Reset()
	}
	if c.readBuf.ReadableBytes() <= 0 {
		return false
	}

	done, err := c.req.Parse(c.readBuf, c.opts.Verifier)
	switch {
	case err != nil:
		c.log.Debug().Err(err).Msg("parse failed")
		c.readBuf.RetrieveAll()
		c.resp.Init(c.opts.Root, c.req.Path, false, StatusBadRequest)
		c.req.Reset()
	case done:
		c.resp.Init(c.opts.Root, c.req.Path, c.req.IsKeepAlive(), StatusOK)
	default:
		return false
	}

	c.writeBuf.RetrieveAll()
	c.resp.Build(c.writeBuf)
	c.iov[0] = c.writeBuf.Peek()
	c.iov[1] = c.resp.File()
	c.log.Debug().Str("path", c.resp.Path()).Int("code", c.resp.Code()).Int("bytes", c.ToWriteBytes()).Msg("response built")
	return true
}

// Write sends the pending segments until they are empty or the socket
// refuses more. It returns the bytes written and the error that stopped it.
func (c *Conn) Write() (int, error) {
	total := 0
	for c.ToWriteBytes() > 0 {
		segs := c.pending()
		n, err := unix.Writev(c.fd, segs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, err
		}
		total += n
		c.advance(n)
	}
	return total, nil
}

func (c *Conn) pending() [][]byte {
	segs := make([][]byte, 0, 2)
	for _, s := range c.iov {
		if len(s) > 0 {
			segs = append(segs, s)
		}
	}
	return segs
}

// advance consumes n written bytes from the header segment, then the file
func (c *Conn) advance(n int) {
	if head := len(c.iov[0]); n >= head {
		c.writeBuf.RetrieveAll()
		c.iov[0] = nil
		c.iov[1] = c.iov[1][n-head:]
		return
	}
	c.writeBuf.Retrieve(n)
	c.iov[0] = c.iov[0][n:]
}

// ToWriteBytes returns the bytes still pending across both segments
func (c *Conn) ToWriteBytes() int {
	return len(c.iov[0]) + len(c.iov[1])
}

// KeepAlive reports whether the last response keeps the connection open
func (c *Conn) KeepAlive() bool {
	return c.resp.KeepAlive()
}

// Response returns the last built response
func (c *Conn) Response() *Response {
	return &c.resp
}

// Recycle releases the mapping and closes the descriptor. Safe to call
// more than once.
func (c *Conn) Recycle() error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	c.closed.Store(true)
	c.iov[0], c.iov[1] = nil, nil
	c.resp.Unmap()
	return unix.Close(c.fd)
}
