// Package mock implements introspection.Driver as a deterministic
// in-memory VM: it lets the core engine build and be tested on a machine
// with no real backend (here: no KVMI-capable hypervisor), and gives
// tests a scriptable, repeatable stand-in for the hypervisor.
package mock

import (
	"context"
	"sync"

	"github.com/jnesss/vmi-unpack/introspection"
)

const pageSize = 4096

// page holds one guest-physical frame's bytes plus the trap rights
// currently armed on it.
type page struct {
	bytes [pageSize]byte
	armed introspection.Right
}

// AddressSpace is one process's view of guest memory for the mock VM: the
// CR3 value that identifies it and a page table mapping virtual page number
// to a physical frame. VAD trees are not modeled here; tests write VAD
// nodes into mapped frames like any other guest data.
type AddressSpace struct {
	CR3   uint64
	Pages map[uint64]introspection.GPA // virtual page number -> frame
}

// VM is a scripted, in-memory stand-in for a real hypervisor.
type VM struct {
	mu sync.Mutex

	frames map[introspection.GPA]*page
	spaces map[introspection.PID]*AddressSpace

	callback func(introspection.Event) introspection.EventResponse

	paused bool
}

// New returns an empty VM with no mapped memory.
func New() *VM {
	return &VM{
		frames: make(map[introspection.GPA]*page),
		spaces: make(map[introspection.PID]*AddressSpace),
	}
}

// MapPage backs virtual page vpn of pid's address space with guest-physical
// frame gpa, allocating the frame's backing bytes if this is the first
// time gpa is used. cr3 identifies the address space to later-arriving
// Events (so tests can synthesize a fault and have it resolve to the right
// PID via CR3, matching how a real hypervisor event carries CR3 not PID).
func (vm *VM) MapPage(pid introspection.PID, cr3 uint64, vpn uint64, gpa introspection.GPA) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	space, ok := vm.spaces[pid]
	if !ok {
		space = &AddressSpace{CR3: cr3, Pages: make(map[uint64]introspection.GPA)}
		vm.spaces[pid] = space
	}
	space.Pages[vpn] = gpa

	if _, ok := vm.frames[gpa]; !ok {
		vm.frames[gpa] = &page{}
	}
}

// WriteBytes writes data into guest-physical frame gpa at the given byte
// offset, as if the guest itself had performed the write. It does not
// synthesize a memory-access event; call Inject for that.
func (vm *VM) WriteBytes(gpa introspection.GPA, offset int, data []byte) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	f, ok := vm.frames[gpa]
	if !ok {
		f = &page{}
		vm.frames[gpa] = f
	}
	copy(f.bytes[offset:], data)
}

// Inject delivers ev to the registered callback synchronously and returns
// the callback's response. No instruction is single-stepped and the
// frame's armed mask is not changed by the response; only ArmTrap and
// RemoveTrap calls made by the callback alter it.
func (vm *VM) Inject(ev introspection.Event) introspection.EventResponse {
	vm.mu.Lock()
	cb := vm.callback
	vm.mu.Unlock()
	if cb == nil {
		return introspection.ResponseResume
	}
	return cb(ev)
}

func (vm *VM) ReadVirtual(ctx context.Context, pid introspection.PID, gva introspection.GVA, n int) ([]byte, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	space, ok := vm.spaces[pid]
	if !ok {
		return nil, introspection.ErrNotMapped
	}
	vpn := uint64(gva) / pageSize
	offset := int(uint64(gva) % pageSize)

	out := make([]byte, 0, n)
	for len(out) < n {
		gpa, ok := space.Pages[vpn]
		if !ok {
			return out, introspection.ErrShortRead
		}
		f, ok := vm.frames[gpa]
		if !ok {
			return out, introspection.ErrShortRead
		}
		avail := pageSize - offset
		want := n - len(out)
		if want < avail {
			avail = want
		}
		out = append(out, f.bytes[offset:offset+avail]...)
		vpn++
		offset = 0
	}
	return out, nil
}

// ReadPhysical decomposes gpa into a page-aligned frame key and an
// intra-page offset, the same way real guest-physical memory is addressed;
// frame keys registered via MapPage/WriteBytes are expected to be
// page-aligned.
func (vm *VM) ReadPhysical(ctx context.Context, gpa introspection.GPA, n int) ([]byte, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	frameKey := introspection.GPA(uint64(gpa) &^ (pageSize - 1))
	offset := int(uint64(gpa) % pageSize)

	f, ok := vm.frames[frameKey]
	if !ok {
		return nil, introspection.ErrNotMapped
	}
	if offset+n > pageSize {
		n = pageSize - offset
	}
	out := make([]byte, n)
	copy(out, f.bytes[offset:offset+n])
	return out, nil
}

func (vm *VM) TranslateRoot(ctx context.Context, cr3 uint64) (introspection.GPA, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, space := range vm.spaces {
		if space.CR3 == cr3 {
			// The mock has no real page tables; callers that need a
			// literal walk use paging.Mirror against ReadPhysical with
			// frames the test wired up directly via MapPage.
			return introspection.GPA(cr3), nil
		}
	}
	return 0, introspection.ErrNotMapped
}

func (vm *VM) ArmTrap(gpa introspection.GPA, mask introspection.Right) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	f, ok := vm.frames[gpa]
	if !ok {
		return introspection.ErrNotMapped
	}
	f.armed |= mask
	return nil
}

func (vm *VM) RemoveTrap(gpa introspection.GPA, mask introspection.Right) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	f, ok := vm.frames[gpa]
	if !ok {
		return nil
	}
	f.armed &^= mask
	return nil
}

func (vm *VM) Armed(gpa introspection.GPA) introspection.Right {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	f, ok := vm.frames[gpa]
	if !ok {
		return 0
	}
	return f.armed
}

func (vm *VM) OnEvent(cb func(introspection.Event) introspection.EventResponse) {
	vm.mu.Lock()
	vm.callback = cb
	vm.mu.Unlock()
}

func (vm *VM) Pause(ctx context.Context) error {
	vm.mu.Lock()
	vm.paused = true
	vm.mu.Unlock()
	return nil
}

func (vm *VM) Resume(ctx context.Context) error {
	vm.mu.Lock()
	vm.paused = false
	vm.mu.Unlock()
	return nil
}

func (vm *VM) Close() error { return nil }
