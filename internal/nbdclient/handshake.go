package nbdclient

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ExportInfo is the driver-info record spec.md §4.3 step 5 populates.
type ExportInfo struct {
	SizeSectors uint64
	SectorSize  uint32
}

const defaultSectorSize = 512

// negotiate runs the blocking-mode handshake dialog of spec.md §4.3 exactly
// once per connection. On success it flips fd to non-blocking and returns
// the negotiated export size. On any error the caller must close fd: the
// connection is not usable.
func negotiate(fd int, exportName string, timeout time.Duration) (ExportInfo, error) {
	var magic1 [8]byte
	if err := waitRecvFull(fd, magic1[:], timeout); err != nil {
		return ExportInfo{}, fmt.Errorf("nbdclient: handshake magic: %w", err)
	}
	if string(magic1[:]) != oldStyleMagic {
		return ExportInfo{}, ErrBadMagic
	}

	var magic2 [8]byte
	if err := waitRecvFull(fd, magic2[:], timeout); err != nil {
		return ExportInfo{}, fmt.Errorf("nbdclient: handshake discriminator: %w", err)
	}

	var info ExportInfo
	var err error
	switch {
	case binary.BigEndian.Uint64(magic2[:]) == oldStyleMagic2:
		info, err = negotiateOld(fd, timeout)
	case string(magic2[:]) == newStyleMagic2:
		info, err = negotiateNew(fd, exportName, timeout)
	default:
		return ExportInfo{}, ErrBadMagic
	}
	if err != nil {
		return ExportInfo{}, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return ExportInfo{}, fmt.Errorf("nbdclient: set nonblocking: %w", err)
	}
	return info, nil
}

// negotiateOld implements spec.md §4.3 step 3.
func negotiateOld(fd int, timeout time.Duration) (ExportInfo, error) {
	var rest [8 + 4]byte
	if err := waitRecvFull(fd, rest[:], timeout); err != nil {
		return ExportInfo{}, fmt.Errorf("nbdclient: oldstyle size/flags: %w", err)
	}
	size := binary.BigEndian.Uint64(rest[0:8])

	pad := make([]byte, oldStylePadBytes)
	if err := waitRecvFull(fd, pad, timeout); err != nil {
		return ExportInfo{}, fmt.Errorf("nbdclient: oldstyle padding: %w", err)
	}

	return ExportInfo{
		SizeSectors: size >> 9,
		SectorSize:  defaultSectorSize,
	}, nil
}

// negotiateNew implements spec.md §4.3 step 4.
func negotiateNew(fd int, exportName string, timeout time.Duration) (ExportInfo, error) {
	var gflagsBuf [2]byte
	if err := waitRecvFull(fd, gflagsBuf[:], timeout); err != nil {
		return ExportInfo{}, fmt.Errorf("nbdclient: newstyle gflags: %w", err)
	}

	cflags := make([]byte, 4)
	binary.BigEndian.PutUint32(cflags, cflagsFixedNewstyle|cflagsNoZeroes)
	if err := blockingSendAll(fd, cflags); err != nil {
		return ExportInfo{}, fmt.Errorf("nbdclient: newstyle cflags: %w", err)
	}

	optLen := uint32(len(exportName))
	opt := make([]byte, 8+4+4+len(exportName))
	copy(opt[0:8], newStyleMagic2)
	binary.BigEndian.PutUint32(opt[8:12], optExportName)
	binary.BigEndian.PutUint32(opt[12:16], optLen)
	copy(opt[16:], exportName)
	if err := blockingSendAll(fd, opt); err != nil {
		return ExportInfo{}, fmt.Errorf("nbdclient: newstyle export_name option: %w", err)
	}

	var reply [10]byte
	if err := waitRecvFull(fd, reply[:], timeout); err != nil {
		return ExportInfo{}, fmt.Errorf("nbdclient: newstyle export reply: %w", err)
	}
	size := binary.BigEndian.Uint64(reply[0:8])

	return ExportInfo{
		SizeSectors: size >> 9,
		SectorSize:  defaultSectorSize,
	}, nil
}

// blockingSendAll writes buf in full over a blocking-mode fd, looping on
// short writes (the socket is still in blocking mode at this point in the
// handshake, so EAGAIN cannot occur here).
func blockingSendAll(fd int, buf []byte) error {
	sent := 0
	for sent < len(buf) {
		n, err := unix.Write(fd, buf[sent:])
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrPeerClosed
		}
		sent += n
	}
	return nil
}
