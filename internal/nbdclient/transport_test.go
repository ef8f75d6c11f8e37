package nbdclient

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestCursorDoneIsNoop(t *testing.T) {
	q := &cursor{buf: make([]byte, 4), soFar: 4}
	if !q.done() {
		t.Fatalf("expected done")
	}
	if rem, err := writeSome(-1, q); rem != 0 || err != nil {
		t.Fatalf("writeSome on done cursor should be a no-op, got rem=%d err=%v", rem, err)
	}
	if rem, err := readSome(-1, q); rem != 0 || err != nil {
		t.Fatalf("readSome on done cursor should be a no-op, got rem=%d err=%v", rem, err)
	}
}

func TestWriteSomeThenReadSomeRoundTrip(t *testing.T) {
	a, b := socketpair(t)
	unix.SetNonblock(a, true)
	unix.SetNonblock(b, true)

	payload := []byte("hello nbd")
	wq := &cursor{buf: payload}
	for !wq.done() {
		rem, err := writeSome(a, wq)
		if err != nil {
			t.Fatalf("writeSome: %v", err)
		}
		if rem > 0 {
			time.Sleep(time.Millisecond)
		}
	}

	rbuf := make([]byte, len(payload))
	rq := &cursor{buf: rbuf}
	deadline := time.Now().Add(2 * time.Second)
	for !rq.done() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out reading")
		}
		_, err := readSome(b, rq)
		if err != nil {
			t.Fatalf("readSome: %v", err)
		}
	}
	if string(rbuf) != string(payload) {
		t.Fatalf("got %q, want %q", rbuf, payload)
	}
}

func TestReadSomePeerClosed(t *testing.T) {
	a, b := socketpair(t)
	unix.SetNonblock(b, true)
	unix.Close(a)

	rq := &cursor{buf: make([]byte, 4)}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := readSome(b, rq)
		if err == ErrPeerClosed {
			return
		}
		if err != nil {
			t.Fatalf("readSome: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ErrPeerClosed before timeout")
		}
	}
}

func TestWaitRecvTimeout(t *testing.T) {
	_, b := socketpair(t)
	_, err := waitRecv(b, make([]byte, 4), 20*time.Millisecond)
	if err != ErrHandshakeTimeout {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
}

func TestWaitRecvFullAssemblesShortWrites(t *testing.T) {
	a, b := socketpair(t)

	want := []byte("0123456789")
	go func() {
		for _, c := range want {
			unix.Write(a, []byte{c})
			time.Sleep(time.Millisecond)
		}
	}()

	got := make([]byte, len(want))
	if err := waitRecvFull(b, got, 2*time.Second); err != nil {
		t.Fatalf("waitRecvFull: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}
