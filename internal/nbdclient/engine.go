package nbdclient

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oriys/tapdisk-nbd/internal/logging"
	"github.com/oriys/tapdisk-nbd/internal/metrics"
)

// connState is the explicit enum spec.md §9 asks for in place of the
// source's tri-state {0, 2, 3}; value 1 is deliberately unused so the
// numbering stays recognizable against spec.md §3/§8.
type connState int

const (
	stateLive     connState = 0
	stateDiscSent connState = 2
	stateDead     connState = 3
)

var globalHandleCounter atomic.Uint32

func nextHandle() [8]byte {
	n := globalHandleCounter.Add(1) - 1
	return handleString(n)
}

// slot is one element of the fixed-size request-slot arena spec.md §3
// describes, linked into exactly one of Conn's three intrusive lists.
type slot struct {
	inUse  bool
	kind   reqKind
	handle [8]byte

	header      [reqHeaderSize]byte
	headerSoFar int

	body      []byte
	bodySoFar int

	complete func(errno int)

	enqueuedAt time.Time

	prev, next int
}

// slotList is a doubly-linked list of slot indices into Conn.slots, per
// spec.md §9's "intrusive lists → owned arena + indices" design note.
type slotList struct {
	head, tail int
}

func newSlotList() slotList { return slotList{head: -1, tail: -1} }

func (c *Conn) listPushTail(l *slotList, idx int) {
	s := &c.slots[idx]
	s.prev = l.tail
	s.next = -1
	if l.tail == -1 {
		l.head = idx
	} else {
		c.slots[l.tail].next = idx
	}
	l.tail = idx
}

func (c *Conn) listPopHead(l *slotList) int {
	idx := l.head
	if idx == -1 {
		return -1
	}
	c.listRemove(l, idx)
	return idx
}

func (c *Conn) listRemove(l *slotList, idx int) {
	s := &c.slots[idx]
	if s.prev != -1 {
		c.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != -1 {
		c.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = -1, -1
}

func (l slotList) empty() bool { return l.head == -1 }

// Conn is the per-connection state spec.md §3 describes. All methods
// assume single-threaded, non-reentrant use: enqueue, the writer callback,
// the reader callback, and disable are never invoked while another of them
// is already executing, per spec.md §4.4's concurrency contract. Conn does
// no internal locking as a consequence.
type Conn struct {
	fd    int
	sched Scheduler

	writerEventID int
	readerEventID int

	slots   []slot
	free    slotList
	pending slotList
	sent    slotList
	nrFree  int

	currentReply       [replyHeaderSize]byte
	currentReplyCursor int
	currentReplyReq    int // -1 = unmatched

	closed connState

	label string // for metrics/log correlation, e.g. "fd7"
}

// NewConn preallocates maxRequests slots, all on the free list, matching
// spec.md §4.6 step 4 ("Initialize the engine state: all slots on free
// list, nr_free = MAX_NBD_REQS").
func NewConn(fd int, sched Scheduler, maxRequests int, label string) *Conn {
	c := &Conn{
		fd:              fd,
		sched:           sched,
		writerEventID:   -1,
		readerEventID:   -1,
		slots:           make([]slot, maxRequests),
		free:            newSlotList(),
		pending:         newSlotList(),
		sent:            newSlotList(),
		nrFree:          maxRequests,
		currentReplyReq: -1,
		closed:          stateLive,
		label:           label,
	}
	for i := range c.slots {
		c.slots[i].prev = -1
		c.slots[i].next = -1
		c.listPushTail(&c.free, i)
	}
	return c
}

// MaxRequests returns the slot pool's fixed capacity.
func (c *Conn) MaxRequests() int { return len(c.slots) }

// NrFree returns the current free-slot count. While the connection is live
// it satisfies nr_free + |pending| + |sent| == MAX_NBD_REQS; disable empties
// pending and sent without returning their slots to the free list, so the
// equality no longer holds on a dead connection that had outstanding work.
func (c *Conn) NrFree() int { return c.nrFree }

// Dead reports whether the connection has entered the terminal dead
// state (spec.md §3's closed == 3).
func (c *Conn) Dead() bool { return c.closed == stateDead }

// QueueRequest is spec.md §4.4's queue_request: it enqueues a wire request
// of the given kind, invoking complete(errno) exactly once when the
// request finishes (errno == 0 on success). A DISC gets no reply: its
// complete is dropped once the request is sent and is never invoked. It
// returns ErrBusy without invoking complete when the free list is empty.
func (c *Conn) QueueRequest(kind reqKind, offset uint64, length uint32, body []byte, complete func(errno int)) error {
	if c.nrFree == 0 {
		metrics.Global().RecordBusy()
		return ErrBusy
	}
	if c.closed == stateDead {
		if complete != nil {
			complete(int(unix.ETIMEDOUT))
		}
		return nil
	}

	idx := c.listPopHead(&c.free)
	c.nrFree--

	s := &c.slots[idx]
	s.inUse = true
	s.kind = kind
	s.handle = nextHandle()
	encodeRequestHeader(s.header[:], kind, s.handle, offset, length)
	s.headerSoFar = 0
	s.body = body
	s.bodySoFar = 0
	s.complete = complete
	s.enqueuedAt = time.Now()

	c.listPushTail(&c.pending, idx)
	metrics.Global().RecordEnqueue(kind.String())
	c.ensureWriterRegistered()
	return nil
}

// onWritable is the writer callback of spec.md §4.4, fired when the socket
// becomes writable.
func (c *Conn) onWritable() {
	for {
		idx := c.pending.head
		if idx == -1 {
			break
		}
		s := &c.slots[idx]

		if s.headerSoFar < len(s.header) {
			hq := cursor{buf: s.header[:], soFar: s.headerSoFar}
			remaining, err := writeSome(c.fd, &hq)
			s.headerSoFar = hq.soFar
			if err != nil {
				c.disable(errnoFor(err))
				return
			}
			if remaining > 0 {
				return
			}
		}

		if s.kind == reqWrite && s.bodySoFar < len(s.body) {
			bq := cursor{buf: s.body, soFar: s.bodySoFar}
			remaining, err := writeSome(c.fd, &bq)
			s.bodySoFar = bq.soFar
			if err != nil {
				c.disable(errnoFor(err))
				return
			}
			if remaining > 0 {
				return
			}
		}

		c.listRemove(&c.pending, idx)

		if s.kind == reqDisc {
			s.complete = nil
			c.listPushTail(&c.free, idx)
			c.nrFree++
			c.closed = stateDiscSent
			continue
		}

		c.listPushTail(&c.sent, idx)
		c.setInflightGauge()
	}

	c.unregisterWriter()
	if c.closed == stateDiscSent {
		c.disable(int(unix.EIO))
	}
}

// onReadable is the reader callback of spec.md §4.4, fired when the socket
// becomes readable.
func (c *Conn) onReadable() {
	for {
		if c.currentReplyReq == -1 {
			if c.currentReplyCursor < len(c.currentReply) {
				rq := cursor{buf: c.currentReply[:], soFar: c.currentReplyCursor}
				remaining, err := readSome(c.fd, &rq)
				c.currentReplyCursor = rq.soFar
				if err != nil {
					c.disable(errnoFor(err))
					return
				}
				if remaining > 0 {
					return
				}
			}

			errno, handle := decodeReplyHeader(c.currentReply[:])
			if errno != 0 {
				c.disable(int(unix.EIO))
				return
			}

			idx := c.findSentByHandle(handle)
			if idx == -1 {
				c.disable(int(unix.EIO))
				return
			}
			c.currentReplyReq = idx
		}

		idx := c.currentReplyReq
		s := &c.slots[idx]

		var finishErrno int
		disableAfter := false

		switch s.kind {
		case reqRead:
			bq := cursor{buf: s.body, soFar: s.bodySoFar}
			remaining, err := readSome(c.fd, &bq)
			s.bodySoFar = bq.soFar
			if err != nil {
				c.disable(errnoFor(err))
				return
			}
			if remaining > 0 {
				return
			}
			finishErrno = 0
		case reqWrite:
			finishErrno = 0
		default:
			finishErrno = int(unix.EIO)
			disableAfter = true
		}

		c.listRemove(&c.sent, idx)
		c.listPushTail(&c.free, idx)
		c.nrFree++
		c.setInflightGauge()

		cb := s.complete
		enqueuedAt := s.enqueuedAt
		kind := s.kind
		s.complete = nil
		s.inUse = false
		c.currentReplyCursor = 0
		c.currentReplyReq = -1

		if cb != nil {
			cb(finishErrno)
		}
		metrics.Global().RecordCompletion(kind.String(), float64(time.Since(enqueuedAt).Microseconds())/1000.0, finishErrno == 0)

		if disableAfter {
			c.disable(int(unix.EIO))
			return
		}
	}
}

// findSentByHandle linear-scans the sent list for the slot whose stored
// handle equals handle, per spec.md §4.4 ("no match ⇒ disable with EIO").
func (c *Conn) findSentByHandle(handle [8]byte) int {
	for idx := c.sent.head; idx != -1; idx = c.slots[idx].next {
		if c.slots[idx].handle == handle {
			return idx
		}
	}
	return -1
}

// disable is spec.md §4.4's connection-fatal transition: it unregisters
// both events, fails every outstanding request with errno, and marks the
// connection dead. It is idempotent.
func (c *Conn) disable(errno int) {
	if c.closed == stateDead {
		return
	}
	c.unregisterWriter()
	c.unregisterReader()

	c.failAll(&c.sent, errno)
	c.failAll(&c.pending, errno)

	c.closed = stateDead
	c.setInflightGauge()
	metrics.Global().RecordDisable(disableReason(errno))
}

func (c *Conn) failAll(l *slotList, errno int) {
	for idx := l.head; idx != -1; {
		s := &c.slots[idx]
		next := s.next
		cb := s.complete
		s.complete = nil
		s.inUse = false
		if cb != nil {
			cb(errno)
		}
		logging.Op().Info("request failed on disable",
			"handle", string(s.handle[:]), "type", s.kind.String(), "length", len(s.body), "errno", errno)
		idx = next
	}
	l.head, l.tail = -1, -1
}

func (c *Conn) ensureWriterRegistered() {
	if c.writerEventID != -1 {
		return
	}
	id, err := c.sched.RegisterEvent(EventWrite, c.fd, c.onWritable)
	if err != nil {
		c.disable(int(unix.EIO))
		return
	}
	c.writerEventID = id
}

func (c *Conn) unregisterWriter() {
	if c.writerEventID == -1 {
		return
	}
	c.sched.UnregisterEvent(c.writerEventID)
	c.writerEventID = -1
}

// RegisterReader registers the reader callback for the connection's live
// period, per spec.md §3 ("the reader callback is registered throughout
// the connection's live period").
func (c *Conn) RegisterReader() error {
	id, err := c.sched.RegisterEvent(EventRead, c.fd, c.onReadable)
	if err != nil {
		return err
	}
	c.readerEventID = id
	return nil
}

func (c *Conn) unregisterReader() {
	if c.readerEventID == -1 {
		return
	}
	c.sched.UnregisterEvent(c.readerEventID)
	c.readerEventID = -1
}

func (c *Conn) setInflightGauge() {
	metrics.Global().SetInflight(c.label, c.sentCount())
}

func (c *Conn) sentCount() int {
	n := 0
	for idx := c.sent.head; idx != -1; idx = c.slots[idx].next {
		n++
	}
	return n
}
