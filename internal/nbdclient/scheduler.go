package nbdclient

// EventMode selects which readiness condition a Scheduler registration
// watches for, per spec.md §6.
type EventMode int

const (
	EventRead EventMode = iota
	EventWrite
)

func (m EventMode) String() string {
	if m == EventWrite {
		return "write"
	}
	return "read"
}

// EventCallback is invoked by the scheduler when the registered fd becomes
// ready. The engine's writer/reader callbacks are wrapped as EventCallbacks.
type EventCallback func()

// Scheduler is the external event-loop collaborator spec.md §1 places out
// of scope and §6 specifies the shape of: "register a callback when fd is
// readable/writable". The engine and driver facade depend only on this
// interface; internal/epollsched supplies a concrete implementation.
type Scheduler interface {
	// RegisterEvent arranges for cb to be invoked when fd satisfies mode.
	// It returns an opaque event id to later pass to UnregisterEvent.
	RegisterEvent(mode EventMode, fd int, cb EventCallback) (int, error)

	// UnregisterEvent cancels a previously registered callback. Passing an
	// id that is not currently registered is a no-op.
	UnregisterEvent(id int) error
}
