package nbdclient

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oriys/tapdisk-nbd/internal/config"
	"github.com/oriys/tapdisk-nbd/internal/logging"
	"github.com/oriys/tapdisk-nbd/internal/tracing"
)

// OpenFlags carries the bits spec.md §3 lists on the connection, notably
// the "secondary" bit.
type OpenFlags uint32

const (
	// FlagSecondary routes QueueRead to the SecondaryForwarder instead of
	// issuing an NBD READ, per spec.md §4.6 / §9. With no forwarder
	// configured, reads are issued as NBD READs regardless of the flag.
	FlagSecondary OpenFlags = 1 << 0
)

const sectorSize = 512

// ParentID stands in for spec.md §6's get_parent_id/validate_parent
// argument; this driver is always a leaf.
type ParentID string

// BlockRequest stands in for spec.md §6's req = {sector_start, sector_count,
// buffer, upstream_tag}. Complete is spec.md's td_complete_request.
type BlockRequest struct {
	SectorStart uint64
	SectorCount uint64
	Buffer      []byte
	Complete    func(errno int)
}

// SecondaryForwarder is the upstream hook spec.md §9 leaves unspecified:
// "secondary-mode forwarding is delegated to an upstream hook not further
// specified here; the core must merely honor the flag bit on reads."
type SecondaryForwarder interface {
	ForwardRead(req *BlockRequest)
}

// Driver is the narrow surface spec.md §2/§6 names: open, close, queue_read,
// queue_write, plus the leaf-driver parent-chain stubs.
type Driver interface {
	Open(ctx context.Context, name string, flags OpenFlags) error
	Close() error
	QueueRead(req *BlockRequest)
	QueueWrite(req *BlockRequest)
	GetParentID() (ParentID, error)
	ValidateParent(ParentID) error
}

// NBDDriver implements Driver against a live NBD connection.
type NBDDriver struct {
	sched Scheduler
	stash *FDStash
	cfg   config.NBDConfig

	secondary SecondaryForwarder

	conn      *Conn
	info      ExportInfo
	fd        int
	flags     OpenFlags
	fromStash bool
	stashName string
}

// NewNBDDriver constructs a driver bound to sched for event registration and
// stash for fd hand-off resolution (pass nbdclient.GlobalStash() to share
// the process-wide stash, or a fresh NewFDStash() in tests).
func NewNBDDriver(sched Scheduler, stash *FDStash, cfg config.NBDConfig, secondary SecondaryForwarder) *NBDDriver {
	return &NBDDriver{sched: sched, stash: stash, cfg: cfg, secondary: secondary, fd: -1}
}

// Info returns the export size/sector-size negotiated during Open.
func (d *NBDDriver) Info() ExportInfo { return d.info }

// Open implements spec.md §4.6's open(name, flags).
func (d *NBDDriver) Open(ctx context.Context, name string, flags OpenFlags) (err error) {
	_, span := tracing.StartSpan(ctx, "nbdclient.open", tracing.AttrExportName.String(d.cfg.ExportName))
	defer func() { tracing.EndWithError(span, err) }()

	fd, fromStash, stashName, err := resolveAndConnect(name, d.stash, d.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("nbdclient: open %q: %w", name, err)
	}

	info, err := negotiate(fd, d.cfg.ExportName, d.cfg.HandshakeTimeout)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("nbdclient: open %q: handshake: %w", name, err)
	}

	maxRequests := d.cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 64
	}
	conn := NewConn(fd, d.sched, maxRequests, fmt.Sprintf("fd%d", fd))
	if err = conn.RegisterReader(); err != nil {
		unix.Close(fd)
		return fmt.Errorf("nbdclient: open %q: register reader: %w", name, err)
	}

	d.conn = conn
	d.info = info
	d.fd = fd
	d.flags = flags
	d.fromStash = fromStash
	d.stashName = stashName

	logging.Op().Info("nbd connection opened", "name", name, "size_sectors", info.SizeSectors, "sector_size", info.SectorSize)
	return nil
}

// Close implements spec.md §4.6's close: enqueue a zero-length DISC, flip
// to blocking with a bounded write deadline (spec.md §9's open question on
// the unbounded blocking recv is resolved this way), flush synchronously,
// then either re-park the socket or close it.
func (d *NBDDriver) Close() error {
	if d.conn == nil {
		return nil
	}

	if d.conn.Dead() {
		return d.releaseFD()
	}

	// DISC never gets a reply, so onWritable clears its completion callback
	// the moment the request is sent (engine.go); there's nothing to wait on.
	if err := d.conn.QueueRequest(reqDisc, 0, 0, nil, nil); err != nil {
		logging.Op().Warn("nbd close: could not enqueue DISC", "error", err)
	}

	if err := unix.SetNonblock(d.fd, false); err != nil {
		logging.Op().Warn("nbd close: set blocking failed", "error", err)
	}
	deadline := unix.NsecToTimeval(d.cfg.CloseWriteDeadline.Nanoseconds())
	_ = unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &deadline)

	d.conn.onWritable()

	return d.releaseFD()
}

func (d *NBDDriver) releaseFD() error {
	if d.fd < 0 {
		return nil
	}
	if d.fromStash {
		d.stash.Park(d.fd, d.stashName)
	} else {
		unix.Close(d.fd)
	}
	d.fd = -1
	return nil
}

// QueueRead implements spec.md §4.6's queue_read: honors the "secondary"
// flag bit by forwarding to the next driver instead of issuing an NBD READ.
func (d *NBDDriver) QueueRead(req *BlockRequest) {
	if d.flags&FlagSecondary != 0 && d.secondary != nil {
		d.secondary.ForwardRead(req)
		return
	}
	offset := req.SectorStart * sectorSize
	length := req.SectorCount * sectorSize
	if err := d.conn.QueueRequest(reqRead, offset, uint32(length), req.Buffer, req.Complete); err != nil {
		if req.Complete != nil {
			req.Complete(int(unix.EBUSY))
		}
	}
}

// QueueWrite implements spec.md §4.6's queue_write: always an NBD WRITE.
func (d *NBDDriver) QueueWrite(req *BlockRequest) {
	offset := req.SectorStart * sectorSize
	length := req.SectorCount * sectorSize
	if err := d.conn.QueueRequest(reqWrite, offset, uint32(length), req.Buffer, req.Complete); err != nil {
		if req.Complete != nil {
			req.Complete(int(unix.EBUSY))
		}
	}
}

// GetParentID always fails: this driver is a leaf (spec.md §6).
func (d *NBDDriver) GetParentID() (ParentID, error) { return "", ErrNoParent }

// ValidateParent always fails: this driver is a leaf (spec.md §6).
func (d *NBDDriver) ValidateParent(ParentID) error { return ErrInvalidParent }

// resolveAndConnect implements spec.md §6's open-name resolution order:
// stat-is-socket → HOST:PORT → FD stash lookup.
func resolveAndConnect(name string, stash *FDStash, dialTimeout time.Duration) (fd int, fromStash bool, stashName string, err error) {
	if fi, statErr := os.Stat(name); statErr == nil && fi.Mode()&os.ModeSocket != 0 {
		fd, err = dialUnix(name, dialTimeout)
		return fd, false, "", err
	}

	if host, port, ok := splitHostPort(name); ok {
		fd, err = dialTCP(host, port, dialTimeout)
		return fd, false, "", err
	}

	if stash != nil {
		if sfd, ok := stash.Retrieve(name); ok {
			return sfd, true, name, nil
		}
	}

	return -1, false, "", ErrOpenNameNotFound
}

// splitHostPort mirrors spec.md §6's sscanf("%255[^:]:%d") resolution step:
// HOST must be a dotted-quad IPv4 address, at most 255 bytes.
func splitHostPort(name string) (host string, port int, ok bool) {
	idx := strings.LastIndex(name, ":")
	if idx <= 0 || idx == len(name)-1 {
		return "", 0, false
	}
	h := name[:idx]
	if len(h) > 255 {
		return "", 0, false
	}
	ip := net.ParseIP(h)
	if ip == nil || ip.To4() == nil {
		return "", 0, false
	}
	p, err := strconv.Atoi(name[idx+1:])
	if err != nil || p <= 0 || p > 65535 {
		return "", 0, false
	}
	return h, p, true
}

func dialUnix(path string, timeout time.Duration) (int, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return -1, err
	}
	return detachFD(conn)
}

func dialTCP(host string, port int, timeout time.Duration) (int, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return -1, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return detachFD(conn)
}

// detachFD extracts a raw, independently-owned fd from a net.Conn and
// closes the net.Conn wrapper, so the engine can drive the socket directly
// via golang.org/x/sys/unix without Go's runtime netpoller also polling it.
func detachFD(conn net.Conn) (int, error) {
	type filer interface{ File() (*os.File, error) }
	f, ok := conn.(filer)
	if !ok {
		conn.Close()
		return -1, fmt.Errorf("nbdclient: connection type %T does not support fd extraction", conn)
	}
	file, ferr := f.File()
	conn.Close()
	if ferr != nil {
		return -1, ferr
	}
	defer file.Close()
	return unix.Dup(int(file.Fd()))
}
