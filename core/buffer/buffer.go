// Package buffer implements the growable read/write byte cursor used by
// every socket path of the server.
//
// Layout:
//
//	| prependable | readable | writable |
//	0          readPos    writePos     len(buf)
package buffer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/searchktools/tinyhttpd/core/pools"
)

const (
	// InitialSize is the default storage size of a new Buffer
	InitialSize = 1024

	// ExtraBufferSize is the overflow block used by ReadFrom
	ExtraBufferSize = 65536
)

// ErrPrecondition marks a caller that broke a Buffer invariant
var ErrPrecondition = errors.New("buffer precondition violated")

var overflowPool = pools.NewBytePoolWithSizes([]int{ExtraBufferSize})

// Buffer is owned by exactly one connection and is not safe for concurrent use
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New creates a buffer with the given initial storage size
func New(size int) *Buffer {
	if size <= 0 {
		size = InitialSize
	}
	return &Buffer{buf: make([]byte, size)}
}

// WritableBytes returns the size of [writePos, len)
func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writePos
}

// ReadableBytes returns the size of [readPos, writePos)
func (b *Buffer) ReadableBytes() int {
	return b.writePos - b.readPos
}

// PrependableBytes returns the size of [0, readPos)
func (b *Buffer) PrependableBytes() int {
	return b.readPos
}

// Peek returns the readable region. The slice aliases the buffer and is
// valid until the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readPos:b.writePos]
}

// EnsureWritable makes room for n more bytes
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// HasWritten advances the write cursor after a direct write into the
// writable region.
func (b *Buffer) HasWritten(n int) {
	if n < 0 || n > b.WritableBytes() {
		panic(fmt.Errorf("%w: HasWritten(%d) with %d writable", ErrPrecondition, n, b.WritableBytes()))
	}
	b.writePos += n
}

// Append copies p into the buffer, growing it when needed
func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	copy(b.buf[b.writePos:], p)
	b.writePos += len(p)
}

// AppendString copies s into the buffer, growing it when needed
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	copy(b.buf[b.writePos:], s)
	b.writePos += len(s)
}

// Retrieve consumes n readable bytes
func (b *Buffer) Retrieve(n int) {
	if n < 0 || n > b.ReadableBytes() {
		panic(fmt.Errorf("%w: Retrieve(%d) with %d readable", ErrPrecondition, n, b.ReadableBytes()))
	}
	b.readPos += n
}

// RetrieveUntil consumes the first end bytes of Peek()
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end)
}

// RetrieveAll resets both cursors
func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

// RetrieveAllString returns the readable bytes as a string and resets
func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

func (b *Buffer) makeSpace(n int) {
	if b.PrependableBytes()+b.WritableBytes() >= n {
		readable := b.ReadableBytes()
		copy(b.buf, b.buf[b.readPos:b.writePos])
		b.readPos = 0
		b.writePos = readable
		return
	}

	grown := make([]byte, b.writePos+n)
	copy(grown, b.buf[:b.writePos])
	b.buf = grown
}

// ReadFrom performs one scatter read into the writable region and a pooled
// overflow block, appending whatever landed in the overflow. It returns 0
// and a nil error on orderly peer shutdown; unix.EAGAIN means would block.
func (b *Buffer) ReadFrom(fd int) (int, error) {
	extra := overflowPool.Get(ExtraBufferSize)
	defer overflowPool.Put(extra)

	writable := b.WritableBytes()
	iov := [][]byte{b.buf[b.writePos:], extra}
	if writable == 0 {
		iov = iov[1:]
	}

	n, err := unix.Readv(fd, iov)
	if err != nil {
		return 0, err
	}

	if n <= writable {
		b.writePos += n
	} else {
		b.writePos = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteTo writes the readable region once and consumes what was written
func (b *Buffer) WriteTo(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return 0, err
	}
	b.readPos += n
	return n, nil
}

// IsWouldBlock reports whether err is a transient "try again" condition
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// OverflowStats reports usage of the shared overflow blocks
func OverflowStats() pools.BytePoolStats {
	return overflowPool.Stats()
}
