package nbdclient

import (
	"testing"

	"golang.org/x/sys/unix"
)

func pipeFD(t *testing.T) int {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	unix.Close(fds[1])
	return fds[0]
}

func TestFDStashStashAndRetrieve(t *testing.T) {
	s := NewFDStash()
	fd := pipeFD(t)

	s.Stash(fd, "session-a")
	got, ok := s.Retrieve("session-a")
	if !ok {
		t.Fatalf("expected retrieve hit")
	}
	if got != fd {
		t.Fatalf("got fd %d, want %d", got, fd)
	}
	unix.Close(fd)

	if _, ok := s.Retrieve("session-a"); ok {
		t.Fatalf("second retrieve should miss, slot was consumed")
	}
}

func TestFDStashRetrieveMiss(t *testing.T) {
	s := NewFDStash()
	if _, ok := s.Retrieve("nope"); ok {
		t.Fatalf("expected miss on empty stash")
	}
}

func TestFDStashReplaceOverReject(t *testing.T) {
	s := NewFDStash()
	first := pipeFD(t)
	second := pipeFD(t)

	s.Stash(first, "dup")
	s.Stash(second, "dup") // replaces; first is closed by Stash

	got, ok := s.Retrieve("dup")
	if !ok {
		t.Fatalf("expected retrieve hit")
	}
	if got != second {
		t.Fatalf("got fd %d, want replacement fd %d", got, second)
	}
	unix.Close(second)

	// first should already be closed; closing it again should fail.
	if err := unix.Close(first); err == nil {
		t.Fatalf("expected first fd to already be closed by the replace")
	}
}

func TestFDStashDropsWhenFull(t *testing.T) {
	s := NewFDStash()
	for i := 0; i < fdStashCapacity; i++ {
		fd := pipeFD(t)
		s.Stash(fd, string(rune('a'+i)))
	}

	overflow := pipeFD(t)
	s.Stash(overflow, "overflow")

	if _, ok := s.Retrieve("overflow"); ok {
		t.Fatalf("overflow id should not have been stashed")
	}
	// overflow fd was closed by Stash; closing again should error.
	if err := unix.Close(overflow); err == nil {
		t.Fatalf("expected overflow fd to already be closed")
	}
}

func TestFDStashTruncatesLongIDs(t *testing.T) {
	s := NewFDStash()
	fd := pipeFD(t)
	longID := ""
	for i := 0; i < fdStashIDMaxLen+20; i++ {
		longID += "x"
	}
	s.Stash(fd, longID)

	got, ok := s.Retrieve(longID)
	if !ok {
		t.Fatalf("expected retrieve hit with truncated id")
	}
	unix.Close(got)
}
