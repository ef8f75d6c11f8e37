package nbdclient

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Sentinel errors surfaced synchronously from the entry points named in
// spec.md §7's error taxonomy table. Asynchronous failures are instead
// broadcast to every outstanding request via disable and never returned
// from a function call.
var (
	// ErrBusy is returned by QueueRequest when the free list is empty.
	ErrBusy = errors.New("nbdclient: no free request slots")

	// ErrBadMagic is returned by the handshake when the greeting does not
	// start with NBDMAGIC or its second magic is neither the OLD-style nor
	// the NEW-style value.
	ErrBadMagic = errors.New("nbdclient: bad handshake magic")

	// ErrHandshakeTimeout is returned when waitRecv's select times out.
	ErrHandshakeTimeout = errors.New("nbdclient: handshake read timed out")

	// ErrPeerClosed is returned by writeSome/readSome when send/recv
	// returns 0, signalling a premature peer shutdown.
	ErrPeerClosed = errors.New("nbdclient: peer closed the connection")

	// ErrOpenNameNotFound is returned by Open when name is neither a
	// socket path, a HOST:PORT pair, nor a known fd-stash identifier.
	ErrOpenNameNotFound = errors.New("nbdclient: open name not resolvable")

	// ErrNoParent is always returned by GetParentID: this driver is a leaf.
	ErrNoParent = errors.New("nbdclient: leaf driver has no parent")

	// ErrInvalidParent is always returned by ValidateParent: this driver
	// never accepts a parent image.
	ErrInvalidParent = errors.New("nbdclient: leaf driver rejects any parent")
)

// errnoFor maps a transport-level error to the errno value delivered to
// disable and, from there, to every outstanding request's completion
// callback.
func errnoFor(err error) int {
	if errors.Is(err, ErrPeerClosed) {
		return int(unix.EIO)
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(unix.EIO)
}

// disableReason labels a disable for the metrics collector.
func disableReason(errno int) string {
	switch unix.Errno(errno) {
	case unix.EIO:
		return "eio"
	case unix.ETIMEDOUT:
		return "etimedout"
	default:
		return "other"
	}
}
