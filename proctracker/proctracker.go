// Package proctracker implements the Process Tracker: resolving the
// target process by PID or image name, optionally following its
// children, and maintaining the live set of Monitored Processes. The
// same thread-safe add/get/remove map shape as a host-side process
// table, but keyed by guest PID and by address-space control register
// instead of a host PID, and populated from guest-kernel reads instead
// of /proc.
package proctracker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/jnesss/vmi-unpack/introspection"
	"github.com/jnesss/vmi-unpack/paging"
	"github.com/jnesss/vmi-unpack/profile"
)

// Tracker maintains the set of Monitored Processes.
type Tracker struct {
	driver  introspection.Driver
	profile *profile.Profile
	mirror  *paging.Mirror

	targetPID      introspection.PID
	targetName     string
	followChildren bool

	mu     sync.RWMutex
	byPID  map[introspection.PID]*paging.MP
	byCR3  map[uint64]*paging.MP // keyed by the raw CR3 register value events report
	pidCR3 map[introspection.PID]uint64 // remembers each pid's raw CR3 key, for exit cleanup
}

// New builds a Tracker. Exactly one of targetPID/targetName should be
// non-zero (config.Config.Validate enforces this upstream).
func New(driver introspection.Driver, prof *profile.Profile, mirror *paging.Mirror, targetPID uint64, targetName string, followChildren bool) *Tracker {
	return &Tracker{
		driver:         driver,
		profile:        prof,
		mirror:         mirror,
		targetPID:      introspection.PID(targetPID),
		targetName:     targetName,
		followChildren: followChildren,
		byPID:          make(map[introspection.PID]*paging.MP),
		byCR3:          make(map[uint64]*paging.MP),
		pidCR3:         make(map[introspection.PID]uint64),
	}
}

// Lookup resolves the Monitored Process owning the address space identified
// by the raw CR3 register value an event reports. Its signature matches
// wx.ProcessLookup so a Tracker's method value can be assigned directly.
func (t *Tracker) Lookup(cr3 uint64) (*paging.MP, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mp, ok := t.byCR3[cr3]
	return mp, ok
}

// Get returns the Monitored Process for pid, if tracked.
func (t *Tracker) Get(pid introspection.PID) (*paging.MP, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mp, ok := t.byPID[pid]
	return mp, ok
}

// List returns every currently tracked Monitored Process.
func (t *Tracker) List() []*paging.MP {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*paging.MP, 0, len(t.byPID))
	for _, mp := range t.byPID {
		out = append(out, mp)
	}
	return out
}

// ScanActive performs the Process Tracker's once-at-startup walk of the
// guest kernel's active-process list, so a target that is already running
// when vmi-unpack attaches is enlisted immediately rather than waiting for
// a process-creation event that, for an already-running process, will
// never come. Call once, before resuming the VM; HandleCreate covers every
// process created afterward.
func (t *Tracker) ScanActive(ctx context.Context) error {
	head := t.profile.Process.ProcessListHead
	if head == 0 {
		return nil
	}

	cur, err := t.readPointer(ctx, head)
	if err != nil {
		return fmt.Errorf("proctracker: read active-process list head: %w", err)
	}

	for cur != 0 && cur != head {
		procDescAddr := cur - t.profile.Process.ActiveProcessLinks
		t.enlistExisting(ctx, procDescAddr)

		next, err := t.readPointer(ctx, cur)
		if err != nil {
			log.Printf("proctracker: active-process list unreadable at %#x, stopping startup scan: %v", cur, err)
			break
		}
		cur = next
	}
	return nil
}

// enlistExisting matches and, if it qualifies, tracks one process found
// during ScanActive's list walk. Unlike HandleCreate, no creation event
// carries its CR3 and parent PID: the page-table root is read straight out
// of the process descriptor (the same value a live memory-access event's
// CR3 field would carry), and the parent is unknown, so an already-running
// process can never itself satisfy a FollowChildren match here — only its
// own future children can, once they fault and reach HandleCreate.
func (t *Tracker) enlistExisting(ctx context.Context, procDescAddr uint64) {
	pidRaw, err := t.readPointer(ctx, procDescAddr+t.profile.Process.PID)
	if err != nil {
		log.Printf("proctracker: failed to read pid at %#x during startup scan: %v", procDescAddr, err)
		return
	}
	pid := introspection.PID(pidRaw)

	if _, already := t.Get(pid); already {
		return
	}

	imageName, err := t.readImageName(ctx, procDescAddr)
	if err != nil {
		log.Printf("proctracker: failed to read image name for pid %d during startup scan: %v", pid, err)
	}

	if !t.matches(pid, 0, imageName) {
		return
	}

	vadRoot, err := t.readPointer(ctx, procDescAddr+t.profile.Process.VADRoot)
	if err != nil {
		log.Printf("proctracker: failed to read VAD root for pid %d during startup scan: %v", pid, err)
	}

	topLevelPT, err := t.readPointer(ctx, procDescAddr+t.profile.Process.TopLevelPT)
	if err != nil {
		log.Printf("proctracker: failed to read page table root for pid %d during startup scan: %v", pid, err)
		return
	}

	mp := paging.NewMP(pid, procDescAddr, topLevelPT, vadRoot, 0, imageName)

	t.mu.Lock()
	t.byPID[pid] = mp
	t.byCR3[topLevelPT] = mp
	t.pidCR3[pid] = topLevelPT
	t.mu.Unlock()

	log.Printf("proctracker: enlisted already-running pid=%d image=%q from startup scan", pid, imageName)
}

// HandleCreate implements the ProcessCreate half of wx.Engine's
// ProcessEvents dependency: it decides whether the new process matches the
// target (by PID, by image name, or by having a tracked parent when
// FollowChildren is set) and, if so, starts tracking it.
func (t *Tracker) HandleCreate(ctx context.Context, ev introspection.Event) {
	if t.shouldSkip(ev) {
		return
	}

	imageName, err := t.readImageName(ctx, ev.ProcDescAddr)
	if err != nil {
		log.Printf("proctracker: failed to read image name for pid %d: %v", ev.PID, err)
	}

	if !t.matches(ev.PID, ev.ParentPID, imageName) {
		return
	}

	vadRoot, err := t.readPointer(ctx, ev.ProcDescAddr+t.profile.Process.VADRoot)
	if err != nil {
		log.Printf("proctracker: failed to read VAD root for pid %d: %v", ev.PID, err)
	}

	rootGPA, err := t.driver.TranslateRoot(ctx, ev.CR3)
	if err != nil {
		log.Printf("proctracker: failed to translate CR3 for pid %d: %v", ev.PID, err)
		return
	}

	mp := paging.NewMP(ev.PID, ev.ProcDescAddr, uint64(rootGPA), vadRoot, ev.ParentPID, imageName)

	t.mu.Lock()
	t.byPID[ev.PID] = mp
	t.byCR3[ev.CR3] = mp
	t.pidCR3[ev.PID] = ev.CR3
	t.mu.Unlock()

	log.Printf("proctracker: tracking pid=%d image=%q parent=%d", ev.PID, imageName, ev.ParentPID)
}

// HandleExit implements the ProcessExit half of ProcessEvents: it marks the
// MP dead and releases its Paging Mirror state.
func (t *Tracker) HandleExit(ctx context.Context, ev introspection.Event) {
	t.mu.Lock()
	mp, ok := t.byPID[ev.PID]
	if ok {
		delete(t.byPID, ev.PID)
		delete(t.byCR3, t.pidCR3[ev.PID])
		delete(t.pidCR3, ev.PID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	mp.MarkExited()
	t.mirror.Release(ev.PID)
	log.Printf("proctracker: pid=%d exited (code=%d), released", ev.PID, ev.ExitCode)
}

// shouldSkip filters out events this tracker can never care about before
// doing any guest memory reads.
func (t *Tracker) shouldSkip(ev introspection.Event) bool {
	if _, already := t.Get(ev.PID); already {
		return true
	}
	if t.targetPID == 0 && t.targetName == "" {
		return true
	}
	return false
}

// matches decides whether a newly created process should be tracked: an
// exact PID match, a case-insensitive image-name match, or, when
// FollowChildren is set, having an already-tracked parent.
func (t *Tracker) matches(pid, parent introspection.PID, imageName string) bool {
	if t.targetPID != 0 && pid == t.targetPID {
		return true
	}
	if t.targetName != "" && strings.EqualFold(imageName, t.targetName) {
		return true
	}
	if t.followChildren {
		if _, ok := t.Get(parent); ok {
			return true
		}
	}
	return false
}

func (t *Tracker) readImageName(ctx context.Context, procDescAddr uint64) (string, error) {
	if procDescAddr == 0 {
		return "", fmt.Errorf("proctracker: nil process descriptor")
	}
	const maxImageNameLen = 15 // guest kernels store a fixed-size short name here
	raw, err := t.driver.ReadVirtual(ctx, 0, introspection.GVA(procDescAddr+t.profile.Process.ImageName), maxImageNameLen)
	if err != nil && err != introspection.ErrShortRead {
		return "", err
	}
	if i := indexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw), nil
}

func (t *Tracker) readPointer(ctx context.Context, kernelAddr uint64) (uint64, error) {
	raw, err := t.driver.ReadVirtual(ctx, 0, introspection.GVA(kernelAddr), 8)
	if err != nil {
		return 0, err
	}
	if len(raw) < 8 {
		return 0, introspection.ErrShortRead
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	return v, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
