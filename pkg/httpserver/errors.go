package httpserver

import "errors"

var (
	// ErrStart wraps listener startup failures and repeated Run calls.
	ErrStart = errors.New("httpserver: server failed")

	// ErrShutdown wraps graceful shutdown failures.
	ErrShutdown = errors.New("httpserver: shutdown failed")
)
