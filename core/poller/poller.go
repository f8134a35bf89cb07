package poller

import "errors"

// Events is a readiness interest or observation bit set
type Events uint32

const (
	// Readable reports data (or a pending accept) on the descriptor
	Readable Events = 1 << iota
	// Writable reports free send buffer space
	Writable
	// PeerClosed reports that the peer shut down its write side
	PeerClosed
	// Hangup reports that both directions are closed
	Hangup
	// Error reports a pending socket error
	Error
	// EdgeTriggered reports readiness once per state transition
	EdgeTriggered
	// OneShot disables the descriptor after one event until Modify re-arms it
	OneShot
)

// ErrClosed is returned when the poller has been closed
var ErrClosed = errors.New("poller closed")

// Event is one ready descriptor returned by Wait
type Event struct {
	Fd     int
	Events Events
}

// Poller is the I/O multiplexing interface.
//
// Register, Modify and Deregister may be called from any goroutine; Wait
// must only be called by the reactor goroutine.
type Poller interface {
	Register(fd int, interest Events) error
	Modify(fd int, interest Events) error
	Deregister(fd int) error
	// Wait blocks up to timeoutMs milliseconds (-1 = forever). The returned
	// slice is reused by the next call.
	Wait(timeoutMs int) ([]Event, error)
	// Wake interrupts a blocked Wait
	Wake() error
	Close() error
}

// Has reports whether all bits of mask are set
func (e Events) Has(mask Events) bool {
	return e&mask == mask
}

// Any reports whether at least one bit of mask is set
func (e Events) Any(mask Events) bool {
	return e&mask != 0
}
