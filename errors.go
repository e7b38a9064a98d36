package usertcp

import "github.com/pkg/errors"

// Error kinds exposed to users (spec S7). Checked with errors.Is.
var (
	// ErrAddrInUse is returned by Bind on an already-bound port.
	ErrAddrInUse = errors.New("usertcp: address already in use")
	// ErrConnAborted is returned by a stream operation whose quad is no
	// longer in the connection table.
	ErrConnAborted = errors.New("usertcp: connection aborted")
	// ErrWouldBlock is returned only by the NonBlocking method variants
	// (SPEC_FULL S6.4); the default Read/Write/Flush block instead.
	ErrWouldBlock = errors.New("usertcp: operation would block")
	// ErrUnimplemented is spec S7's fourth error kind. Both of its
	// baseline raisers (Stream.Shutdown, Listener drop with pending
	// connections) are fully implemented in this module (SPEC_FULL
	// S6.4), so nothing returns it; it is kept as a named sentinel since
	// spec S7 enumerates it as part of the error catalogue callers may
	// match on.
	ErrUnimplemented = errors.New("usertcp: not implemented")
)
