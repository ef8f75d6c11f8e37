package nbdclient

import (
	"encoding/binary"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fakeScheduler is a no-op Scheduler: tests drive onWritable/onReadable
// directly instead of running a real event loop.
type fakeScheduler struct {
	registered   map[int]EventMode
	nextID       int
	registerErr  error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{registered: make(map[int]EventMode)}
}

func (f *fakeScheduler) RegisterEvent(mode EventMode, fd int, cb EventCallback) (int, error) {
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	f.nextID++
	f.registered[f.nextID] = mode
	return f.nextID, nil
}

func (f *fakeScheduler) UnregisterEvent(id int) error {
	delete(f.registered, id)
	return nil
}

func invariantCheck(t *testing.T, c *Conn) {
	t.Helper()
	pendingLen := 0
	for idx := c.pending.head; idx != -1; idx = c.slots[idx].next {
		pendingLen++
	}
	sentLen := c.sentCount()
	if c.nrFree+pendingLen+sentLen != c.MaxRequests() {
		t.Fatalf("invariant broken: nrFree=%d pending=%d sent=%d max=%d",
			c.nrFree, pendingLen, sentLen, c.MaxRequests())
	}
}

func TestQueueRequestBusyAtCapacity(t *testing.T) {
	a, b := socketpair(t)
	unix.SetNonblock(a, true)
	unix.SetNonblock(b, true)
	sched := newFakeScheduler()
	c := NewConn(b, sched, 2, "test")

	for i := 0; i < 2; i++ {
		err := c.QueueRequest(reqRead, 0, 512, make([]byte, 512), func(int) {})
		if err != nil {
			t.Fatalf("QueueRequest %d: %v", i, err)
		}
	}
	invariantCheck(t, c)

	err := c.QueueRequest(reqRead, 0, 512, make([]byte, 512), func(int) {})
	if err != ErrBusy {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	_ = a
}

func TestWriterRegisteredOnlyWhilePendingNonEmpty(t *testing.T) {
	a, b := socketpair(t)
	unix.SetNonblock(a, true)
	unix.SetNonblock(b, true)
	sched := newFakeScheduler()
	c := NewConn(b, sched, 4, "test")

	done := make(chan int, 1)
	if err := c.QueueRequest(reqRead, 0, 512, make([]byte, 512), func(errno int) { done <- errno }); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}
	if c.writerEventID == -1 {
		t.Fatalf("writer should be registered while pending is non-empty")
	}

	c.onWritable()
	drainRequestHeader(t, a)

	if c.writerEventID != -1 {
		t.Fatalf("writer should be unregistered once pending drains")
	}
	invariantCheck(t, c)
}

// drainRequestHeader reads and discards one 28-byte request header from fd,
// returning the decoded handle.
func drainRequestHeader(t *testing.T, fd int) [8]byte {
	t.Helper()
	buf := make([]byte, reqHeaderSize)
	got := 0
	deadline := time.Now().Add(2 * time.Second)
	for got < len(buf) {
		n, err := unix.Read(fd, buf[got:])
		if err != nil {
			if err == unix.EAGAIN {
				if time.Now().After(deadline) {
					t.Fatalf("timed out reading request header")
				}
				time.Sleep(time.Millisecond)
				continue
			}
			t.Fatalf("read request header: %v", err)
		}
		got += n
	}
	var handle [8]byte
	copy(handle[:], buf[8:16])
	return handle
}

func sendReply(t *testing.T, fd int, errno uint32, handle [8]byte, body []byte) {
	t.Helper()
	buf := make([]byte, replyHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], replyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	copy(buf[8:16], handle[:])
	if _, err := unix.Write(fd, buf); err != nil {
		t.Fatalf("write reply header: %v", err)
	}
	if len(body) > 0 {
		if _, err := unix.Write(fd, body); err != nil {
			t.Fatalf("write reply body: %v", err)
		}
	}
}

func pumpReadable(t *testing.T, c *Conn, fd int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		before := c.NrFree()
		c.onReadable()
		if c.NrFree() != before || c.Dead() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pumpReadable: no progress before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

// TestSingleReadRoundTrip exercises spec.md §8 scenario 3: a single READ
// request completes with the data the peer sent back.
func TestSingleReadRoundTrip(t *testing.T) {
	a, b := socketpair(t)
	unix.SetNonblock(a, true)
	unix.SetNonblock(b, true)
	sched := newFakeScheduler()
	c := NewConn(b, sched, 4, "test")
	if err := c.RegisterReader(); err != nil {
		t.Fatalf("RegisterReader: %v", err)
	}

	body := make([]byte, 512)
	result := make(chan int, 1)
	if err := c.QueueRequest(reqRead, 0, 512, body, func(errno int) { result <- errno }); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}

	c.onWritable()
	handle := drainRequestHeader(t, a)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	sendReply(t, a, 0, handle, payload)

	pumpReadable(t, c, b)

	select {
	case errno := <-result:
		if errno != 0 {
			t.Fatalf("errno = %d, want 0", errno)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("completion never fired")
	}
	if string(body) != string(payload) {
		t.Fatalf("body mismatch")
	}
	invariantCheck(t, c)
}

// TestOutOfOrderReplies exercises spec.md §8 scenario 4: two in-flight READs,
// replies arrive in reverse order, and findSentByHandle matches by handle
// rather than by send order.
func TestOutOfOrderReplies(t *testing.T) {
	a, b := socketpair(t)
	unix.SetNonblock(a, true)
	unix.SetNonblock(b, true)
	sched := newFakeScheduler()
	c := NewConn(b, sched, 4, "test")
	if err := c.RegisterReader(); err != nil {
		t.Fatalf("RegisterReader: %v", err)
	}

	body1 := make([]byte, 512)
	body2 := make([]byte, 512)
	result1 := make(chan int, 1)
	result2 := make(chan int, 1)

	if err := c.QueueRequest(reqRead, 0, 512, body1, func(errno int) { result1 <- errno }); err != nil {
		t.Fatalf("QueueRequest 1: %v", err)
	}
	c.onWritable()
	handle1 := drainRequestHeader(t, a)

	if err := c.QueueRequest(reqRead, 512, 512, body2, func(errno int) { result2 <- errno }); err != nil {
		t.Fatalf("QueueRequest 2: %v", err)
	}
	c.onWritable()
	handle2 := drainRequestHeader(t, a)

	payload2 := make([]byte, 512)
	for i := range payload2 {
		payload2[i] = 0xAA
	}
	sendReply(t, a, 0, handle2, payload2)
	pumpReadable(t, c, b)

	select {
	case errno := <-result2:
		if errno != 0 {
			t.Fatalf("errno = %d, want 0", errno)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second completion never fired")
	}

	payload1 := make([]byte, 512)
	for i := range payload1 {
		payload1[i] = 0xBB
	}
	sendReply(t, a, 0, handle1, payload1)
	pumpReadable(t, c, b)

	select {
	case errno := <-result1:
		if errno != 0 {
			t.Fatalf("errno = %d, want 0", errno)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first completion never fired")
	}

	if string(body2) != string(payload2) || string(body1) != string(payload1) {
		t.Fatalf("body mismatch after out-of-order replies")
	}
	invariantCheck(t, c)
}

// TestPeerClosesMidReply exercises spec.md §8 scenario 5: the peer closes
// the socket partway through a reply; every outstanding request is failed
// exactly once and the connection goes dead.
func TestPeerClosesMidReply(t *testing.T) {
	a, b := socketpair(t)
	unix.SetNonblock(a, true)
	unix.SetNonblock(b, true)
	sched := newFakeScheduler()
	c := NewConn(b, sched, 4, "test")
	if err := c.RegisterReader(); err != nil {
		t.Fatalf("RegisterReader: %v", err)
	}

	result := make(chan int, 1)
	if err := c.QueueRequest(reqRead, 0, 512, make([]byte, 512), func(errno int) { result <- errno }); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}
	c.onWritable()
	drainRequestHeader(t, a)

	// Short, partial reply header, then close.
	unix.Write(a, []byte{0x67, 0x44})
	unix.Close(a)

	pumpReadable(t, c, b)

	select {
	case errno := <-result:
		if errno == 0 {
			t.Fatalf("expected non-zero errno on peer close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("completion never fired on peer close")
	}
	if !c.Dead() {
		t.Fatalf("connection should be dead after peer close")
	}
}

// TestDiscOnClose exercises spec.md §8 scenario 6: a zero-length DISC
// request is freed (not moved to sent) once flushed, and the connection
// transitions to dead immediately afterward.
func TestDiscOnClose(t *testing.T) {
	a, b := socketpair(t)
	unix.SetNonblock(a, true)
	unix.SetNonblock(b, true)
	sched := newFakeScheduler()
	c := NewConn(b, sched, 4, "test")

	if err := c.QueueRequest(reqDisc, 0, 0, nil, nil); err != nil {
		t.Fatalf("QueueRequest DISC: %v", err)
	}

	c.onWritable()
	drainRequestHeader(t, a)

	if !c.Dead() {
		t.Fatalf("connection should be dead once DISC is flushed")
	}
	if c.sentCount() != 0 {
		t.Fatalf("DISC must not land on the sent list")
	}
	invariantCheck(t, c)
}

func TestDisableFailsEveryOutstandingRequestExactlyOnce(t *testing.T) {
	_, b := socketpair(t)
	unix.SetNonblock(b, true)
	sched := newFakeScheduler()
	c := NewConn(b, sched, 4, "test")

	var calls int
	complete := func(int) { calls++ }
	if err := c.QueueRequest(reqRead, 0, 512, make([]byte, 512), complete); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}
	if err := c.QueueRequest(reqWrite, 512, 512, make([]byte, 512), complete); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}

	c.disable(int(unix.EIO))
	c.disable(int(unix.EIO)) // idempotent

	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if !c.Dead() {
		t.Fatalf("expected dead after disable")
	}
}
