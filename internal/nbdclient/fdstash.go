package nbdclient

import (
	"sync"

	"github.com/oriys/tapdisk-nbd/internal/logging"
	"golang.org/x/sys/unix"
)

const fdStashCapacity = 10
const fdStashIDMaxLen = 39

type stashSlot struct {
	id string
	fd int // -1 = empty
}

// FDStash is the fixed-capacity table mapping string identifier to
// connected socket, spec.md §4.5: populated by the external fd-receiver,
// drained by Open, and refilled by Close when a connection arrived via the
// stash rather than a direct dial.
type FDStash struct {
	mu    sync.Mutex
	slots [fdStashCapacity]stashSlot
}

// NewFDStash returns an empty stash.
func NewFDStash() *FDStash {
	s := &FDStash{}
	for i := range s.slots {
		s.slots[i].fd = -1
	}
	return s
}

var globalStash = NewFDStash()

// GlobalStash returns the process-wide FD stash singleton spec.md §5
// describes ("the FD stash is process-wide").
func GlobalStash() *FDStash { return globalStash }

// Stash stores fd under id, per spec.md §4.5's replace-over-reject
// collision policy: prefer the slot already holding id, else the first
// empty slot; if the chosen slot already holds an fd, it is closed
// unconditionally before being overwritten. If no slot qualifies (table
// full and id absent), fd is closed and the attempt logged.
func (s *FDStash) Stash(fd int, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(id)
	if idx == -1 {
		idx = s.findEmptyLocked()
	}
	if idx == -1 {
		logging.Op().Warn("fd stash full, dropping fd", "id", id)
		unix.Close(fd)
		return
	}
	if s.slots[idx].fd != -1 {
		unix.Close(s.slots[idx].fd)
	}
	s.slots[idx] = stashSlot{id: truncateID(id), fd: fd}
}

// Retrieve takes the fd stored under id, if any, marking the slot empty.
// It returns (-1, false) on a miss.
func (s *FDStash) Retrieve(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(id)
	if idx == -1 {
		return -1, false
	}
	fd := s.slots[idx].fd
	s.slots[idx] = stashSlot{fd: -1}
	return fd, true
}

// Park hands fd back to the stash under id instead of closing it, so a
// future Open(id) can reuse it. Equivalent to Stash.
func (s *FDStash) Park(fd int, id string) {
	s.Stash(fd, id)
}

func (s *FDStash) findLocked(id string) int {
	id = truncateID(id)
	for i := range s.slots {
		if s.slots[i].fd != -1 && s.slots[i].id == id {
			return i
		}
	}
	return -1
}

func (s *FDStash) findEmptyLocked() int {
	for i := range s.slots {
		if s.slots[i].fd == -1 {
			return i
		}
	}
	return -1
}

func truncateID(id string) string {
	if len(id) > fdStashIDMaxLen {
		return id[:fdStashIDMaxLen]
	}
	return id
}
