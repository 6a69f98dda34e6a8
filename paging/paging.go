// Package paging implements the Paging Mirror: a shadow of the guest's
// 4-level page tables for each monitored process, resolving guest-virtual
// to guest-physical addresses and tracking per-page metadata. The mirror
// is authoritative for "which frame backs this page right now"; callers
// must never substitute a cached translation for a fresh walk on the
// fault path, because packers routinely remap.
package paging

import (
	"context"
	"sync"

	"github.com/jnesss/vmi-unpack/introspection"
)

const (
	pageShift   = 12
	pageSize    = 1 << pageShift
	entryBits   = 9
	entryMask   = (1 << entryBits) - 1
	entrySize   = 8
	presentBit  = 1 << 0
	writableBit = 1 << 1
	userBit     = 1 << 2
	largeBit    = 1 << 7
	noExecBit   = 1 << 63
)

// Category classifies a page for the W→X state machine.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryCode
	CategoryData
	CategoryHeap
	CategoryStack
	CategoryLibrary
)

// WXState is the per-page W→X lifecycle state.
type WXState int

const (
	StateClean WXState = iota
	StateWritten
	StatePendingExec
	StateDumped
)

// MP is a Monitored Process: a guest PID, its top-level page-table root,
// and a reference to its VAD tree root. Built by the process tracker,
// consumed by every other component.
type MP struct {
	PID          introspection.PID
	ProcDescAddr uint64 // kernel-virtual address of the process descriptor
	CR3          uint64 // physical address of the top-level page table
	VADRoot      uint64 // kernel-virtual address of the VAD tree root
	ParentPID    introspection.PID
	ImageName    string

	mu   sync.Mutex
	live bool
}

// NewMP constructs an MP in the live state.
func NewMP(pid introspection.PID, procDescAddr, cr3, vadRoot uint64, parent introspection.PID, imageName string) *MP {
	return &MP{PID: pid, ProcDescAddr: procDescAddr, CR3: cr3, VADRoot: vadRoot, ParentPID: parent, ImageName: imageName, live: true}
}

// Live reports whether the process is still considered present.
func (mp *MP) Live() bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.live
}

// MarkExited transitions the MP to dead; Mirror.Release should follow.
func (mp *MP) MarkExited() {
	mp.mu.Lock()
	mp.live = false
	mp.mu.Unlock()
}

// PageRecord is keyed by (MP, virtual page number).
type PageRecord struct {
	VPN        uint64
	Frame      introspection.GPA
	Category   Category
	State      WXState
	Generation uint64
}

// Translation is the result of a page-table walk. GPA is the exact
// byte-resolved physical address; FrameBase is the page- (or large-page-)
// aligned frame address SLAT traps actually operate on.
type Translation struct {
	GPA        introspection.GPA
	PageSize   uint64
	Present    bool
	Writable   bool
	Executable bool
}

// FrameBase returns the SLAT-trap-granular frame address backing this
// translation: GPA rounded down to a multiple of PageSize.
func (t Translation) FrameBase() introspection.GPA {
	return introspection.GPA(uint64(t.GPA) &^ (t.PageSize - 1))
}

// FaultKind names the access that produced a fault, for RecordFault.
type FaultKind int

const (
	FaultRead FaultKind = iota
	FaultWrite
	FaultExecute
)

// Mirror is the Paging Mirror. One Mirror serves every monitored process;
// per-process state lives in a nested map so a single mutex protects the
// whole PR map, matching the event loop's single-threaded serialization:
// a single mutex over the PR map is sufficient.
type Mirror struct {
	driver introspection.Driver

	mu      sync.Mutex
	records map[introspection.PID]map[uint64]*PageRecord
}

// New builds a Mirror.
func New(driver introspection.Driver) (*Mirror, error) {
	return &Mirror{
		driver:  driver,
		records: make(map[introspection.PID]map[uint64]*PageRecord),
	}, nil
}

// Resolve walks the four-level guest page tables rooted at mp.CR3 and
// returns the leaf mapping for gva. This is the one path that must always
// see the guest's current page tables; packers routinely remap, so nothing
// may substitute a stale translation for a fresh walk here.
func (m *Mirror) Resolve(ctx context.Context, mp *MP, gva introspection.GVA) (Translation, error) {
	v := uint64(gva)
	pml4Index := (v >> 39) & entryMask
	pdptIndex := (v >> 30) & entryMask
	pdIndex := (v >> 21) & entryMask
	ptIndex := (v >> 12) & entryMask

	pml4Entry, err := m.readEntry(ctx, introspection.GPA(mp.CR3), pml4Index)
	if err != nil {
		return Translation{}, err
	}
	if !present(pml4Entry) {
		return Translation{}, introspection.ErrNotMapped
	}

	pdptEntry, err := m.readEntry(ctx, frameOf(pml4Entry), pdptIndex)
	if err != nil {
		return Translation{}, err
	}
	if !present(pdptEntry) {
		return Translation{}, introspection.ErrNotMapped
	}
	if pdptEntry&largeBit != 0 {
		// 1 GiB large page; short-circuit.
		base := frameOf(pdptEntry)
		offset := v & ((1 << 30) - 1)
		return translationFromEntry(pdptEntry, introspection.GPA(uint64(base)+offset), 1<<30), nil
	}

	pdEntry, err := m.readEntry(ctx, frameOf(pdptEntry), pdIndex)
	if err != nil {
		return Translation{}, err
	}
	if !present(pdEntry) {
		return Translation{}, introspection.ErrNotMapped
	}
	if pdEntry&largeBit != 0 {
		// 2 MiB large page; short-circuit.
		base := frameOf(pdEntry)
		offset := v & ((1 << 21) - 1)
		return translationFromEntry(pdEntry, introspection.GPA(uint64(base)+offset), 1<<21), nil
	}

	ptEntry, err := m.readEntry(ctx, frameOf(pdEntry), ptIndex)
	if err != nil {
		return Translation{}, err
	}
	if !present(ptEntry) {
		return Translation{}, introspection.ErrNotMapped
	}

	base := frameOf(ptEntry)
	offset := v & (pageSize - 1)
	return translationFromEntry(ptEntry, introspection.GPA(uint64(base)+offset), pageSize), nil
}

func (m *Mirror) readEntry(ctx context.Context, tableGPA introspection.GPA, index uint64) (uint64, error) {
	raw, err := m.driver.ReadPhysical(ctx, introspection.GPA(uint64(tableGPA)+index*entrySize), entrySize)
	if err != nil {
		return 0, err
	}
	if len(raw) < entrySize {
		return 0, introspection.ErrShortRead
	}
	var entry uint64
	for i := 7; i >= 0; i-- {
		entry = entry<<8 | uint64(raw[i])
	}
	return entry, nil
}

func present(entry uint64) bool { return entry&presentBit != 0 }

// frameOf extracts the physical-address field (bits 12-51) of a page-table
// entry, discarding the low flag bits and the high NX/protection-key/ignored
// bits.
func frameOf(entry uint64) introspection.GPA {
	const physAddrMask = 0x000F_FFFF_FFFF_F000
	return introspection.GPA(entry & physAddrMask)
}

func translationFromEntry(entry uint64, gpa introspection.GPA, size uint64) Translation {
	return Translation{
		GPA:        gpa,
		PageSize:   size,
		Present:    present(entry),
		Writable:   entry&writableBit != 0,
		Executable: entry&noExecBit == 0,
	}
}

// vpnOf returns the virtual page number containing gva.
func vpnOf(gva introspection.GVA) uint64 { return uint64(gva) >> pageShift }

// recordFor returns (creating if absent) the PageRecord for (pid, vpn).
// Caller must hold m.mu.
func (m *Mirror) recordFor(pid introspection.PID, vpn uint64) *PageRecord {
	perProc, ok := m.records[pid]
	if !ok {
		perProc = make(map[uint64]*PageRecord)
		m.records[pid] = perProc
	}
	pr, ok := perProc[vpn]
	if !ok {
		pr = &PageRecord{VPN: vpn}
		perProc[vpn] = pr
	}
	return pr
}

// RecordFault updates the PageRecord for the page containing gva,
// reconciling its backing frame against a fresh walk and bumping the
// generation counter on write faults. Demand-paging faults (kind observed
// but the page was not yet present) leave state untouched; callers
// distinguish that case by checking Translation.Present before calling
// RecordFault at all, since RecordFault always assumes the page is now
// resolvable.
func (m *Mirror) RecordFault(ctx context.Context, mp *MP, gva introspection.GVA, kind FaultKind) (*PageRecord, error) {
	t, err := m.Resolve(ctx, mp, gva)
	if err != nil {
		return nil, err
	}

	vpn := vpnOf(gva)

	m.mu.Lock()
	defer m.mu.Unlock()

	pr := m.recordFor(mp.PID, vpn)
	pr.Frame = t.FrameBase()
	if kind == FaultWrite {
		pr.Generation++
	}

	return pr, nil
}

// Get returns the PageRecord for (pid, vpn) if one has been observed.
func (m *Mirror) Get(pid introspection.PID, vpn uint64) (*PageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perProc, ok := m.records[pid]
	if !ok {
		return nil, false
	}
	pr, ok := perProc[vpn]
	return pr, ok
}

// SetCategory and SetState are used by classify and wx respectively; kept
// here so every mutation of a PageRecord goes through the single mutex
// that serializes the PR map.
func (m *Mirror) SetCategory(pid introspection.PID, vpn uint64, cat Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFor(pid, vpn).Category = cat
}

func (m *Mirror) SetState(pid introspection.PID, vpn uint64, s WXState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFor(pid, vpn).State = s
}

// Release drops every PageRecord belonging to pid, called when the process
// tracker observes exit.
func (m *Mirror) Release(pid introspection.PID) {
	m.mu.Lock()
	delete(m.records, pid)
	m.mu.Unlock()
}

// WithLock runs fn while holding the PR map mutex, letting wx perform a
// read-modify-write transition atomically without a second lock type.
func (m *Mirror) WithLock(pid introspection.PID, vpn uint64, fn func(pr *PageRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.recordFor(pid, vpn))
}
