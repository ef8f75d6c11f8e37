package nbdclient

import "encoding/binary"

// Wire constants from spec.md §4.1. All multi-byte integers are big-endian.
const (
	reqMagic   uint32 = 0x25609513
	replyMagic uint32 = 0x67446698

	reqHeaderSize   = 28
	replyHeaderSize = 16

	oldStyleMagic  = "NBDMAGIC"
	oldStyleMagic2 = uint64(0x00420281861253)
	newStyleMagic2 = "IHAVEOPT"

	optExportName = uint32(1)

	cflagsFixedNewstyle = uint32(1 << 0)
	cflagsNoZeroes       = uint32(1 << 1)

	gflagsFixedNewstyle = uint16(1 << 0)
	gflagsNoZeroes       = uint16(1 << 1)

	oldStylePadBytes = 124
)

// reqKind enumerates the command types spec.md §4.1 lists; all other wire
// values are rejected on reply.
type reqKind uint32

const (
	reqRead  reqKind = 0
	reqWrite reqKind = 1
	reqDisc  reqKind = 2
)

func (k reqKind) String() string {
	switch k {
	case reqRead:
		return "read"
	case reqWrite:
		return "write"
	case reqDisc:
		return "disc"
	default:
		return "unknown"
	}
}

// encodeRequestHeader fills buf (len reqHeaderSize) with a wire-format
// request header.
func encodeRequestHeader(buf []byte, kind reqKind, handle [8]byte, offset uint64, length uint32) {
	binary.BigEndian.PutUint32(buf[0:4], reqMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(kind))
	copy(buf[8:16], handle[:])
	binary.BigEndian.PutUint64(buf[16:24], offset)
	binary.BigEndian.PutUint32(buf[24:28], length)
}

// decodeReplyHeader reads the magic-less fields out of a 16-byte reply
// header. The caller is responsible for having already validated len(buf).
func decodeReplyHeader(buf []byte) (errno uint32, handle [8]byte) {
	errno = binary.BigEndian.Uint32(buf[4:8])
	copy(handle[:], buf[8:16])
	return errno, handle
}

// handleString formats the 20-bit counter value as the 8-byte handle
// spec.md §3 specifies: "td" + 5 hex digits, zero-padded to 8 bytes.
func handleString(counter uint32) [8]byte {
	const hexDigits = "0123456789abcdef"
	var h [8]byte
	h[0] = 't'
	h[1] = 'd'
	v := counter & 0xFFFFF
	for i := 6; i >= 2; i-- {
		h[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return h
}
