/*
Package tinyhttpd is an event-driven static HTTP/1.1 server for Linux.

One reactor goroutine waits on epoll, accepts connections, keeps the idle
timers and owns the connection table. A fixed worker pool performs the
socket reads and writes and builds responses. Connections are armed
one-shot, so at most one worker touches a connection's buffers at a time.
Files are memory-mapped and sent with writev alongside the response header.

Quick Start

	go run ./cmd/tinyhttpd -port 1316 -root ./resources

Configuration comes from flags, a JSON file (-config) and TINYHTTPD_*
environment variables; see package config.

Modules

  - app: process wiring, signals and graceful shutdown
  - config: flags, environment and JSON configuration
  - core: the reactor (Engine)
  - core/buffer: growable read/write buffer with scatter reads
  - core/poller: epoll wrapper
  - core/timer: min-heap idle timers
  - core/pools: worker pool, byte pool, GC tuning
  - core/http: request parser, response builder, connection
  - core/static: document root lookups and file mappings
  - core/auth: BadgerDB credential store
  - core/logging: zerolog sink with async rotating files
  - core/observability: request metrics and Prometheus export
*/
package tinyhttpd
