package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/searchktools/tinyhttpd/core/auth"
	"github.com/searchktools/tinyhttpd/core/buffer"
	"github.com/searchktools/tinyhttpd/core/http"
	"github.com/searchktools/tinyhttpd/core/observability"
	"github.com/searchktools/tinyhttpd/core/poller"
	"github.com/searchktools/tinyhttpd/core/pools"
	"github.com/searchktools/tinyhttpd/core/timer"
	"golang.org/x/sys/unix"
)

// Options configures an Engine
type Options struct {
	// Port to listen on, all interfaces; 0 picks a free port
	Port int
	// TrigMode selects edge triggering: 0 none, 1 connections,
	// 2 listener, 3 both
	TrigMode int
	// Timeout closes idle connections; 0 means DefaultTimeout, negative
	// disables the idle timer
	Timeout time.Duration
	// OptLinger makes close linger up to one second for unsent data
	OptLinger bool
	// Workers is the worker pool size; 0 means one per CPU
	Workers int
	// MaxConns bounds live connections; 0 means DefaultMaxConns
	MaxConns int
	// Root is the document root
	Root string

	Verifier auth.Verifier
	Logger   zerolog.Logger
	Monitor  *observability.Monitor
}

// Engine is the reactor: one goroutine waits on the poller, accepts,
// keeps the idle timers and owns the connection table; workers do the
// socket I/O and build responses.
type Engine struct {
	opts    Options
	log     zerolog.Logger
	monitor *observability.Monitor

	poller   poller.Poller
	timer    *timer.Heap
	workers  *pools.WorkerPool
	connOpts *http.ConnOptions

	listenFd    int
	port        int
	listenEvent poller.Events
	connEvent   poller.Events

	// Reactor goroutine only
	conns map[int]*http.Conn

	closeMu    sync.Mutex
	closeQueue []*http.Conn

	running  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}

	liveConns atomic.Int64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	overlaps  atomic.Uint64
	timers    atomic.Int64
}

// NewEngine binds the listening socket and prepares the reactor
func NewEngine(opts Options) (*Engine, error) {
	if opts.TrigMode < 0 || opts.TrigMode > 3 {
		return nil, fmt.Errorf("%w: trigger mode %d", ErrInvalidOptions, opts.TrigMode)
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidOptions, opts.Port)
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	if opts.Monitor == nil {
		opts.Monitor = observability.NewMonitor()
	}

	e := &Engine{
		opts:     opts,
		log:      opts.Logger,
		monitor:  opts.Monitor,
		timer:    timer.New(),
		conns:    make(map[int]*http.Conn, 1024),
		listenFd: -1,
		done:     make(chan struct{}),
		connOpts: &http.ConnOptions{
			Root:     opts.Root,
			Verifier: opts.Verifier,
			Logger:   opts.Logger,
		},
	}
	e.initEventMode(opts.TrigMode)

	var err error
	if e.poller, err = poller.NewPoller(); err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}
	if err := e.initSocket(); err != nil {
		e.poller.Close()
		return nil, err
	}

	e.workers = pools.NewWorkerPool(opts.Workers)
	return e, nil
}

func (e *Engine) initEventMode(mode int) {
	e.listenEvent = poller.PeerClosed
	e.connEvent = poller.OneShot | poller.PeerClosed
	switch mode {
	case 1:
		e.connEvent |= poller.EdgeTriggered
	case 2:
		e.listenEvent |= poller.EdgeTriggered
	case 3:
		e.listenEvent |= poller.EdgeTriggered
		e.connEvent |= poller.EdgeTriggered
	}
}

func (e *Engine) initSocket() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create socket: %w", err)
	}

	fail := func(op string, err error) error {
		unix.Close(fd)
		return fmt.Errorf("%s: %w", op, err)
	}

	if e.opts.OptLinger {
		// Accepted sockets inherit the linger setting
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 1}); err != nil {
			return fail("set SO_LINGER", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("set SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: e.opts.Port}); err != nil {
		return fail("bind port "+strconv.Itoa(e.opts.Port), err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fail("listen", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		e.port = in4.Port
	}

	if err := e.poller.Register(fd, e.listenEvent|poller.Readable); err != nil {
		return fail("register listener", err)
	}
	e.listenFd = fd
	return nil
}

// Port returns the bound port
func (e *Engine) Port() int {
	return e.port
}

// Addr returns the loopback address of the listener
func (e *Engine) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(e.port))
}

// Done is closed once Run has released every resource
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run drives the reactor until ctx is cancelled or Shutdown is called.
// All connections are closed before it returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	stop := context.AfterFunc(ctx, e.Shutdown)
	defer stop()
	defer e.teardown()

	e.logStartup()

	for !e.stopping.Load() {
		e.drainCloseRequests()

		timeoutMs := -1
		if e.opts.Timeout > 0 {
			timeoutMs = e.timer.NextDeadlineMillis()
		}
		e.timers.Store(int64(e.timer.Len()))

		events, err := e.poller.Wait(timeoutMs)
		if err != nil {
			if errors.Is(err, poller.ErrClosed) {
				return nil
			}
			return fmt.Errorf("poller wait: %w", err)
		}

		for _, ev := range events {
			e.handleEvent(ev)
		}
	}
	return nil
}

// Shutdown asks the reactor to stop; Run returns once teardown is done
func (e *Engine) Shutdown() {
	if !e.stopping.CompareAndSwap(false, true) {
		return
	}
	select {
	case <-e.done:
	default:
		e.poller.Wake()
	}
}

// Close stops the engine and releases the listener, the poller and the
// workers. It waits for a running Run to return; an engine that never
// ran is torn down directly and Run then returns ErrServerClosed.
func (e *Engine) Close() error {
	if e.running.CompareAndSwap(false, true) {
		e.stopping.Store(true)
		e.teardown()
		return nil
	}
	e.Shutdown()
	<-e.done
	return nil
}

func (e *Engine) logStartup() {
	mode := func(ev poller.Events) string {
		if ev.Has(poller.EdgeTriggered) {
			return "ET"
		}
		return "LT"
	}
	e.log.Info().
		Int("port", e.port).
		Bool("linger", e.opts.OptLinger).
		Str("listen_mode", mode(e.listenEvent)).
		Str("conn_mode", mode(e.connEvent)).
		Str("root", e.opts.Root).
		Int("workers", e.workers.Stats().NumWorkers).
		Int("max_conns", e.opts.MaxConns).
		Dur("timeout", e.opts.Timeout).
		Msg("server init")
}

func (e *Engine) handleEvent(ev poller.Event) {
	if ev.Fd == e.listenFd {
		e.acceptLoop()
		return
	}

	c, ok := e.conns[ev.Fd]
	if !ok {
		e.log.Debug().Int("fd", ev.Fd).Msg("event for unknown fd")
		return
	}

	switch {
	case ev.Events.Any(poller.PeerClosed | poller.Hangup | poller.Error):
		e.closeConn(c)
	case ev.Events.Has(poller.Readable):
		e.dispatch(c, e.onRead)
	case ev.Events.Has(poller.Writable):
		e.dispatch(c, e.onWrite)
	default:
		c.Logger().Warn().Uint32("events", uint32(ev.Events)).Msg("unexpected event")
	}
}

func (e *Engine) acceptLoop() {
	for {
		fd, sa, err := unix.Accept4(e.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			if !buffer.IsWouldBlock(err) {
				e.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}

		if e.liveConns.Load() >= int64(e.opts.MaxConns) {
			e.reject(fd)
			continue
		}
		e.addConn(fd, sockaddrString(sa))
	}
}

func (e *Engine) reject(fd int) {
	unix.Write(fd, []byte(busyMessage))
	unix.Close(fd)
	e.rejected.Add(1)
	e.monitor.ConnRejected()
	e.log.Warn().Int64("live", e.liveConns.Load()).Msg("clients are full")
}

func (e *Engine) addConn(fd int, addr string) {
	c := http.NewConn(fd, addr, e.connOpts)
	if err := e.poller.Register(fd, e.connEvent|poller.Readable); err != nil {
		c.Logger().Error().Err(err).Msg("register connection")
		c.Release()
		return
	}

	e.conns[fd] = c
	if e.opts.Timeout > 0 {
		e.timer.Schedule(fd, e.opts.Timeout, func() { e.closeConn(c) })
	}
	live := e.liveConns.Add(1)
	e.accepted.Add(1)
	e.monitor.ConnOpened()
	c.Logger().Info().Int64("live", live).Msg("client in")
}

// closeConn runs on the reactor goroutine. The descriptor itself is closed
// when the last task holding the connection releases it.
func (e *Engine) closeConn(c *http.Conn) {
	if !c.MarkClosed() {
		return
	}
	fd := c.Fd()
	if err := e.poller.Deregister(fd); err != nil {
		c.Logger().Debug().Err(err).Msg("deregister")
	}
	if e.conns[fd] == c {
		delete(e.conns, fd)
	}
	e.timer.Remove(fd)

	live := e.liveConns.Add(-1)
	e.monitor.ConnClosed()
	c.Logger().Info().Int64("live", live).Msg("client quit")
	c.Release()
}

// requestClose hands a close from a worker to the reactor
func (e *Engine) requestClose(c *http.Conn) {
	e.closeMu.Lock()
	e.closeQueue = append(e.closeQueue, c)
	e.closeMu.Unlock()
	e.poller.Wake()
}

func (e *Engine) drainCloseRequests() {
	e.closeMu.Lock()
	pending := e.closeQueue
	e.closeQueue = nil
	e.closeMu.Unlock()

	for _, c := range pending {
		e.closeConn(c)
	}
}

func (e *Engine) extendTime(c *http.Conn) {
	if e.opts.Timeout > 0 {
		e.timer.Adjust(c.Fd(), e.opts.Timeout)
	}
}

func (e *Engine) dispatch(c *http.Conn, task func(*http.Conn)) {
	e.extendTime(c)
	c.Retain()
	if err := e.workers.Submit(func() { task(c) }); err != nil {
		c.Release()
		e.closeConn(c)
	}
}

func (e *Engine) enter(c *http.Conn) {
	if c.Enter() {
		e.overlaps.Add(1)
		c.Logger().Error().Msg("overlapping tasks on connection")
	}
}

func (e *Engine) onRead(c *http.Conn) {
	defer c.Release()
	if c.Closed() {
		return
	}
	e.enter(c)

	if _, err := c.Read(e.connEvent.Has(poller.EdgeTriggered)); err != nil {
		c.Exit()
		if !errors.Is(err, io.EOF) {
			c.Logger().Debug().Err(err).Msg("read")
		}
		e.requestClose(c)
		return
	}
	e.process(c)
}

// process builds a response if a request is complete and re-arms the
// connection for the next step. It ends the caller's task.
func (e *Engine) process(c *http.Conn) {
	start := time.Now()
	ready := c.Process()
	if ready {
		resp := c.Response()
		e.monitor.RecordRequest(resp.Path(), resp.Code(), time.Since(start))
	}
	c.Exit()

	if ready {
		e.rearm(c, poller.Writable)
	} else {
		e.rearm(c, poller.Readable)
	}
}

func (e *Engine) onWrite(c *http.Conn) {
	defer c.Release()
	if c.Closed() {
		return
	}
	e.enter(c)

	n, err := c.Write()
	e.monitor.BytesWritten(n)

	if c.ToWriteBytes() == 0 {
		if c.KeepAlive() {
			e.process(c)
			return
		}
	} else if buffer.IsWouldBlock(err) {
		c.Exit()
		e.rearm(c, poller.Writable)
		return
	} else {
		c.Logger().Debug().Err(err).Msg("write")
	}
	c.Exit()
	e.requestClose(c)
}

func (e *Engine) rearm(c *http.Conn, ev poller.Events) {
	if c.Closed() {
		return
	}
	if err := e.poller.Modify(c.Fd(), e.connEvent|ev); err != nil {
		if !c.Closed() {
			c.Logger().Warn().Err(err).Msg("re-arm connection")
		}
		e.requestClose(c)
	}
}

func (e *Engine) teardown() {
	e.stopping.Store(true)
	for _, c := range e.conns {
		e.closeConn(c)
	}
	e.drainCloseRequests()

	// Queued tasks see closed connections and only drop their references
	e.workers.Wait()
	e.workers.Close()
	e.drainCloseRequests()

	e.timer.Clear()
	e.timers.Store(0)
	e.poller.Close()
	if e.listenFd >= 0 {
		unix.Close(e.listenFd)
		e.listenFd = -1
	}
	e.log.Info().Msg("server stopped")
	close(e.done)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
