// Package introspection defines the abstract hypervisor/VMI primitives this
// project consumes as an external collaborator. Nothing in
// this package talks to a real hypervisor; concrete backends live in
// introspection/kvmi (Linux, a real KVMI control-socket client) and
// introspection/mock (a deterministic in-memory VM used by tests and on
// platforms without KVMI).
package introspection

import "context"

// Right names a memory access right a SLAT trap can be armed against.
type Right uint8

const (
	RightRead    Right = 1 << 0
	RightWrite   Right = 1 << 1
	RightExecute Right = 1 << 2
)

// Has reports whether mask includes r.
func (mask Right) Has(r Right) bool { return mask&r != 0 }

// VCPU identifies one virtual CPU of the monitored VM.
type VCPU uint32

// GVA and GPA are guest-virtual and guest-physical addresses.
type GVA uint64
type GPA uint64

// PID is a guest process identifier.
type PID uint64

// EventKind discriminates the three event types this project needs.
type EventKind int

const (
	EventMemoryAccess EventKind = iota
	EventProcessCreate
	EventProcessExit
)

// Event is a single notification delivered by the hypervisor. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind
	VCPU VCPU

	// Populated for EventMemoryAccess; CR3 also accompanies
	// EventProcessCreate/EventProcessExit to identify the process's
	// address space.
	GPA    GPA
	Access Right // the right that was violated
	RIP    uint64
	CR3    uint64 // address space control register
	GLA    GVA    // guest-linear address that faulted, when known

	// Populated for EventProcessCreate/EventProcessExit.
	PID          PID
	ParentPID    PID
	ExitCode     int64
	ProcDescAddr uint64 // kernel-virtual address of the new process's descriptor, EventProcessCreate only
}

// EventResponse tells the driver what to do with the vCPU that produced a
// memory-access event, once the callback in trap.Controller has finished
// inspecting it.
type EventResponse int

const (
	// ResponseResume lets the vCPU continue without alteration (used for
	// events the state machine decided not to act on).
	ResponseResume EventResponse = iota

	// ResponseSingleStep asks the driver to temporarily grant the
	// offending right, single-step exactly one instruction, then
	// re-arm the trap before resuming.
	ResponseSingleStep
)

// Driver is the full set of hypervisor/VMI primitives this project needs.
// A Driver implementation owns pausing/resuming vCPUs; callers must not
// assume the VM is paused except while inside a callback registered via
// OnEvent.
type Driver interface {
	// ReadVirtual reads n bytes at gva in the address space of pid.
	// Returns as many bytes as could be read and ErrShortRead if fewer
	// than n were available.
	ReadVirtual(ctx context.Context, pid PID, gva GVA, n int) ([]byte, error)

	// ReadPhysical reads n bytes at the guest-physical address gpa.
	ReadPhysical(ctx context.Context, gpa GPA, n int) ([]byte, error)

	// TranslateRoot returns the physical address of the top-level page
	// table for the address space whose control register is cr3.
	TranslateRoot(ctx context.Context, cr3 uint64) (GPA, error)

	// ArmTrap installs a SLAT trap on gpa for the rights in mask. Must be
	// idempotent per (gpa, right): arming an already-armed right is a
	// no-op. Returns ErrNotMapped if gpa is not currently backed by a
	// frame in SLAT.
	ArmTrap(gpa GPA, mask Right) error

	// RemoveTrap removes the traps named by mask from gpa. Idempotent.
	RemoveTrap(gpa GPA, mask Right) error

	// OnEvent registers the single dispatch callback invoked for every
	// event. The callback's return value is only consulted for
	// EventMemoryAccess events, and tells the driver whether to resume
	// the vCPU as-is or single-step first.
	OnEvent(cb func(Event) EventResponse)

	// Pause and Resume control the whole VM. The CLI calls Resume once
	// after setup and never calls Pause; the VAD walk and segment reads of
	// a dump run while only the faulting vCPU is paused by event delivery.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Close releases the connection to the hypervisor. It does not disarm
	// traps; trap.Controller.DisarmAll does that during shutdown.
	Close() error
}

// ErrNotMapped and ErrShortRead are sentinel errors Driver implementations
// return for the corresponding §7 failure kinds.
type notMappedError struct{}

func (notMappedError) Error() string { return "introspection: address not mapped" }

var ErrNotMapped error = notMappedError{}

type shortReadError struct{}

func (shortReadError) Error() string { return "introspection: short read" }

var ErrShortRead error = shortReadError{}
