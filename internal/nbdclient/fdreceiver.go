package nbdclient

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/oriys/tapdisk-nbd/internal/logging"
)

// FDReceiverSocketPrefix is the fixed prefix spec.md §6 names for the
// fd-receiver's local socket: "<fixed_prefix><pid>".
const FDReceiverSocketPrefix = "/var/run/tapdisk-nbd-fdrecv."

// SocketPath returns the well-known fd-receiver socket path for the
// current process.
func SocketPath() string {
	return fmt.Sprintf("%s%d", FDReceiverSocketPrefix, os.Getpid())
}

// FDReceiver is a minimal, real implementation of spec.md §2's "side-channel
// fd receiver": an AF_UNIX SOCK_STREAM listener that accepts a connected
// socket handed in from a sibling process via SCM_RIGHTS ancillary data,
// paired with a newline-terminated string identifier, and stashes it via
// the supplied callback. spec.md treats this collaborator as external and
// "only referenced"; this is the supplemental, concrete counterpart to
// blktap's tapdisk-fdreceiver.c, needed so FDStash.Retrieve ever has
// anything to find outside of tests.
type FDReceiver struct {
	listener *net.UnixListener
	stash    func(fd int, id string)
}

// NewFDReceiver listens on path and stashes every (fd, id) pair it receives
// via stash.
func NewFDReceiver(path string, stash func(fd int, id string)) (*FDReceiver, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	return &FDReceiver{listener: l, stash: stash}, nil
}

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine (the fd-receiver runs independently of the engine's
// single-threaded event loop).
func (r *FDReceiver) Serve() {
	for {
		conn, err := r.listener.AcceptUnix()
		if err != nil {
			return
		}
		go r.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (r *FDReceiver) Close() error {
	return r.listener.Close()
}

func (r *FDReceiver) handleConn(conn *net.UnixConn) {
	defer conn.Close()

	handoffID := uuid.New().String()

	fd, name, err := recvFDAndName(conn)
	if err != nil {
		logging.Op().Warn("fd receiver: bad handoff", "handoff_id", handoffID, "error", err)
		return
	}
	logging.Op().Info("fd receiver: handoff accepted", "handoff_id", handoffID, "stash_id", name, "fd", fd)
	r.stash(fd, name)
}

// recvFDAndName reads one SCM_RIGHTS-bearing message: a newline-terminated
// identifier in the regular payload, and exactly one fd in the control
// message.
func recvFDAndName(conn *net.UnixConn) (int, string, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, "", err
	}

	var (
		n, oobn int
		oob     [unix.CmsgSpace(4)]byte
		buf     [256]byte
		rerr    error
	)
	ctrlErr := raw.Read(func(fdNum uintptr) bool {
		n, oobn, _, _, rerr = unix.Recvmsg(int(fdNum), buf[:], oob[:], 0)
		return true
	})
	if ctrlErr != nil {
		return -1, "", ctrlErr
	}
	if rerr != nil {
		return -1, "", rerr
	}
	if n == 0 {
		return -1, "", fmt.Errorf("nbdclient: fd receiver: empty handoff")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, "", err
	}
	var fd int = -1
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			fd = fds[0]
			break
		}
	}
	if fd == -1 {
		return -1, "", fmt.Errorf("nbdclient: fd receiver: no fd in ancillary data")
	}

	name := firstLine(buf[:n])
	return fd, name, nil
}

func firstLine(b []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(b))
	if sc.Scan() {
		return sc.Text()
	}
	return string(b)
}
