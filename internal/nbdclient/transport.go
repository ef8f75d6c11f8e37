package nbdclient

import (
	"time"

	"golang.org/x/sys/unix"
)

// cursor is the buffer-with-cursor pair spec.md §4.2 describes:
// {buffer, len, so_far}. len is implicit in len(buf).
type cursor struct {
	buf   []byte
	soFar int
}

func (q *cursor) remaining() int { return len(q.buf) - q.soFar }
func (q *cursor) done() bool     { return q.soFar >= len(q.buf) }

// writeSome attempts to send q.remaining() bytes. It returns the number of
// bytes still unsent: 0 means complete, >0 means the socket refused more
// (EAGAIN/EWOULDBLOCK — "not done", try again next writable callback). A
// non-nil error means the connection is fatally broken (including a 0-byte
// send, treated as premature peer shutdown).
func writeSome(fd int, q *cursor) (int, error) {
	if q.done() {
		return 0, nil
	}
	n, err := unix.Write(fd, q.buf[q.soFar:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return q.remaining(), nil
		}
		return q.remaining(), err
	}
	if n == 0 {
		return q.remaining(), ErrPeerClosed
	}
	q.soFar += n
	return q.remaining(), nil
}

// readSome is writeSome's symmetric counterpart over recv.
func readSome(fd int, q *cursor) (int, error) {
	if q.done() {
		return 0, nil
	}
	n, err := unix.Read(fd, q.buf[q.soFar:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return q.remaining(), nil
		}
		return q.remaining(), err
	}
	if n == 0 {
		return q.remaining(), ErrPeerClosed
	}
	q.soFar += n
	return q.remaining(), nil
}

// waitRecv is the blocking helper used only during handshake: it waits up
// to timeout for fd to become readable, then issues a single recv into buf,
// returning the number of bytes read. It distinguishes a select timeout
// (ErrHandshakeTimeout) from a peer close (0 bytes, ErrPeerClosed) from an
// outright errno failure.
func waitRecv(fd int, buf []byte, timeout time.Duration) (int, error) {
	var rfds unix.FdSet
	fdSet(&rfds, fd)
	tv := unix.NsecToTimeval(timeout.Nanoseconds())

	n, err := unix.Select(fd+1, &rfds, nil, nil, &tv)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrHandshakeTimeout
	}

	nr, err := unix.Read(fd, buf)
	if err != nil {
		return 0, err
	}
	if nr == 0 {
		return 0, ErrPeerClosed
	}
	return nr, nil
}

// waitRecvFull loops waitRecv until buf is completely filled.
func waitRecvFull(fd int, buf []byte, timeout time.Duration) error {
	got := 0
	for got < len(buf) {
		n, err := waitRecv(fd, buf[got:], timeout)
		if err != nil {
			return err
		}
		got += n
	}
	return nil
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}
