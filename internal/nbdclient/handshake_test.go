package nbdclient

import (
	"encoding/binary"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestNegotiateOldStyle exercises spec.md §8 scenario 1: an OLD-style
// handshake advertising an 8GiB export.
func TestNegotiateOldStyle(t *testing.T) {
	a, b := socketpair(t)

	const sizeBytes = uint64(8) << 30 // 8GiB
	go func() {
		unix.Write(a, []byte(oldStyleMagic))
		var magic2 [8]byte
		binary.BigEndian.PutUint64(magic2[:], oldStyleMagic2)
		unix.Write(a, magic2[:])

		rest := make([]byte, 12)
		binary.BigEndian.PutUint64(rest[0:8], sizeBytes)
		unix.Write(a, rest)
		unix.Write(a, make([]byte, oldStylePadBytes))
	}()

	info, err := negotiate(b, "export", 2*time.Second)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if info.SizeSectors != sizeBytes>>9 {
		t.Fatalf("SizeSectors = %d, want %d", info.SizeSectors, sizeBytes>>9)
	}
	if info.SectorSize != defaultSectorSize {
		t.Fatalf("SectorSize = %d, want %d", info.SectorSize, defaultSectorSize)
	}
}

// TestNegotiateNewStyle exercises spec.md §8 scenario 2: a NEW-style
// handshake with NO_ZEROES, reading back the client's chosen export name.
func TestNegotiateNewStyle(t *testing.T) {
	a, b := socketpair(t)

	const sizeBytes = uint64(4) << 30 // 4GiB
	const exportName = "myexport"

	done := make(chan string, 1)
	go func() {
		unix.Write(a, []byte(oldStyleMagic))
		unix.Write(a, []byte(newStyleMagic2))

		var gflags [2]byte
		binary.BigEndian.PutUint16(gflags[:], gflagsFixedNewstyle|gflagsNoZeroes)
		unix.Write(a, gflags[:])

		var cflags [4]byte
		if err := waitRecvFull(a, cflags[:], 2*time.Second); err != nil {
			done <- "cflags error: " + err.Error()
			return
		}

		var hdr [16]byte
		if err := waitRecvFull(a, hdr[:], 2*time.Second); err != nil {
			done <- "header error: " + err.Error()
			return
		}
		if string(hdr[0:8]) != newStyleMagic2 {
			done <- "bad option magic"
			return
		}
		opt := binary.BigEndian.Uint32(hdr[8:12])
		optLen := binary.BigEndian.Uint32(hdr[12:16])
		if opt != optExportName {
			done <- "bad option type"
			return
		}
		name := make([]byte, optLen)
		if err := waitRecvFull(a, name, 2*time.Second); err != nil {
			done <- "name error: " + err.Error()
			return
		}

		reply := make([]byte, 10)
		binary.BigEndian.PutUint64(reply[0:8], sizeBytes)
		unix.Write(a, reply)

		done <- string(name)
	}()

	info, err := negotiate(b, exportName, 2*time.Second)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if info.SizeSectors != sizeBytes>>9 {
		t.Fatalf("SizeSectors = %d, want %d", info.SizeSectors, sizeBytes>>9)
	}

	gotName := <-done
	if gotName != exportName {
		t.Fatalf("server saw export name %q, want %q", gotName, exportName)
	}
}

func TestNegotiateBadMagicRejected(t *testing.T) {
	a, b := socketpair(t)
	go unix.Write(a, []byte("GARBAGE!"))

	_, err := negotiate(b, "export", 2*time.Second)
	if err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestNegotiateUnknownDiscriminatorRejected(t *testing.T) {
	a, b := socketpair(t)
	go func() {
		unix.Write(a, []byte(oldStyleMagic))
		unix.Write(a, []byte("ZZZZZZZZ"))
	}()

	_, err := negotiate(b, "export", 2*time.Second)
	if err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}
