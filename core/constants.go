package core

import (
	"errors"
	"time"
)

// Defaults applied by NewEngine to zero option values
const (
	DefaultMaxConns = 65536
	DefaultTimeout  = 60 * time.Second
	DefaultTrigMode = 3

	listenBacklog = 1024
)

// busyMessage is written to connections refused at the connection limit
const busyMessage = "Server busy!"

// Error definitions
var (
	ErrServerClosed   = errors.New("server closed")
	ErrInvalidOptions = errors.New("invalid engine options")
)
