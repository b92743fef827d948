package chat

import "errors"

// Usage and lifecycle errors shared by the relay server and client.
// Callers compare with errors.Is; fatal conditions wrap ErrSystem together
// with the underlying cause.
var (
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStarted = errors.New("already started")
	ErrTimeout        = errors.New("timeout")
	ErrNoSuchAddress  = errors.New("no such address")
	ErrPortBusy       = errors.New("port is busy")
	ErrSystem         = errors.New("system error")
)

// ErrWouldBlock is returned by a Transport that cannot make progress without
// waiting. It is never a fault.
var ErrWouldBlock = errors.New("operation would block")
