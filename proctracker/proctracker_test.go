package proctracker

import (
	"context"
	"testing"

	"github.com/jnesss/vmi-unpack/introspection"
	"github.com/jnesss/vmi-unpack/introspection/mock"
	"github.com/jnesss/vmi-unpack/paging"
	"github.com/jnesss/vmi-unpack/profile"
)

func testProfile() *profile.Profile {
	return &profile.Profile{
		Process: profile.ProcessOffsets{
			PID:        0,
			TopLevelPT: 8,
			VADRoot:    16,
			ImageName:  24,
		},
	}
}

// seedProcess writes a minimal process descriptor at descAddr into the
// mock VM's kernel (pid 0) address space, the way a real guest's EPROCESS
// would be read. registerCR3Space is separate because TranslateRoot
// consults a distinct address-space registration, not the descriptor.
func seedProcess(t *testing.T, vm *mock.VM, descAddr uint64, imageName string, vadRoot uint64) {
	t.Helper()
	frame := introspection.GPA(descAddr &^ 0xFFF)
	offset := int(descAddr % 4096)
	vm.MapPage(introspection.PID(0), 0, descAddr>>12, frame)

	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(vadRoot >> (8 * i))
	}
	vm.WriteBytes(frame, offset+16, buf)

	nameBytes := append([]byte(imageName), 0)
	vm.WriteBytes(frame, offset+24, nameBytes)
}

// registerCR3Space makes TranslateRoot resolve cr3, as a real driver would
// once the guest has actually switched to the new process's page tables.
// It is keyed by an otherwise-unused pid slot so it does not collide with
// the kernel (pid 0) descriptor mappings seedProcess installs.
func registerCR3Space(vm *mock.VM, pid introspection.PID, cr3 uint64) {
	vm.MapPage(pid, cr3, 0, introspection.GPA(cr3))
}

func newTestTracker(t *testing.T, vm *mock.VM, targetPID uint64, targetName string, followChildren bool) *Tracker {
	t.Helper()
	mirror, err := paging.New(vm)
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	return New(vm, testProfile(), mirror, targetPID, targetName, followChildren)
}

func TestHandleCreateTracksByPID(t *testing.T) {
	vm := mock.New()
	seedProcess(t, vm, 0x50000, "unpackme.exe", 0x9000)
	registerCR3Space(vm, introspection.PID(100), 0x1000)

	tr := newTestTracker(t, vm, 100, "", false)
	tr.HandleCreate(context.Background(), introspection.Event{
		Kind: introspection.EventProcessCreate, PID: introspection.PID(100),
		ParentPID: 1, CR3: 0x1000, ProcDescAddr: 0x50000,
	})

	mp, ok := tr.Get(introspection.PID(100))
	if !ok {
		t.Fatal("expected pid 100 to be tracked")
	}
	if mp.ImageName != "unpackme.exe" {
		t.Fatalf("image name = %q, want unpackme.exe", mp.ImageName)
	}
	if mp.VADRoot != 0x9000 {
		t.Fatalf("vad root = %#x, want 0x9000", mp.VADRoot)
	}

	looked, ok := tr.Lookup(0x1000)
	if !ok || looked.PID != introspection.PID(100) {
		t.Fatalf("Lookup(0x1000) = %+v, %v", looked, ok)
	}
}

func TestHandleCreateMatchesByImageNameCaseInsensitive(t *testing.T) {
	vm := mock.New()
	seedProcess(t, vm, 0x50000, "Sample.EXE", 0)
	registerCR3Space(vm, introspection.PID(55), 0x2000)

	tr := newTestTracker(t, vm, 0, "sample.exe", false)
	tr.HandleCreate(context.Background(), introspection.Event{
		Kind: introspection.EventProcessCreate, PID: introspection.PID(55), CR3: 0x2000, ProcDescAddr: 0x50000,
	})

	if _, ok := tr.Get(introspection.PID(55)); !ok {
		t.Fatal("expected pid 55 to be tracked by case-insensitive image name match")
	}
}

func TestHandleCreateIgnoresUnrelatedProcess(t *testing.T) {
	vm := mock.New()
	seedProcess(t, vm, 0x50000, "notepad.exe", 0)
	registerCR3Space(vm, introspection.PID(9), 0x3000)

	tr := newTestTracker(t, vm, 0, "sample.exe", false)
	tr.HandleCreate(context.Background(), introspection.Event{
		Kind: introspection.EventProcessCreate, PID: introspection.PID(9), CR3: 0x3000, ProcDescAddr: 0x50000,
	})

	if _, ok := tr.Get(introspection.PID(9)); ok {
		t.Fatal("expected unrelated process to be ignored")
	}
}

func TestHandleCreateFollowsChildren(t *testing.T) {
	vm := mock.New()
	seedProcess(t, vm, 0x50000, "sample.exe", 0)
	seedProcess(t, vm, 0x60000, "child.exe", 0)
	registerCR3Space(vm, introspection.PID(1), 0x1000)
	registerCR3Space(vm, introspection.PID(2), 0x4000)

	tr := newTestTracker(t, vm, 0, "sample.exe", true)
	tr.HandleCreate(context.Background(), introspection.Event{
		Kind: introspection.EventProcessCreate, PID: introspection.PID(1), CR3: 0x1000, ProcDescAddr: 0x50000,
	})
	tr.HandleCreate(context.Background(), introspection.Event{
		Kind: introspection.EventProcessCreate, PID: introspection.PID(2), ParentPID: 1, CR3: 0x4000, ProcDescAddr: 0x60000,
	})

	if _, ok := tr.Get(introspection.PID(2)); !ok {
		t.Fatal("expected child of tracked process to be tracked when FollowChildren is set")
	}
}

func TestHandleCreateDoesNotFollowChildrenWhenDisabled(t *testing.T) {
	vm := mock.New()
	seedProcess(t, vm, 0x50000, "sample.exe", 0)
	seedProcess(t, vm, 0x60000, "child.exe", 0)
	registerCR3Space(vm, introspection.PID(1), 0x1000)
	registerCR3Space(vm, introspection.PID(2), 0x4000)

	tr := newTestTracker(t, vm, 0, "sample.exe", false)
	tr.HandleCreate(context.Background(), introspection.Event{
		Kind: introspection.EventProcessCreate, PID: introspection.PID(1), CR3: 0x1000, ProcDescAddr: 0x50000,
	})
	tr.HandleCreate(context.Background(), introspection.Event{
		Kind: introspection.EventProcessCreate, PID: introspection.PID(2), ParentPID: 1, CR3: 0x4000, ProcDescAddr: 0x60000,
	})

	if _, ok := tr.Get(introspection.PID(2)); ok {
		t.Fatal("expected child process not to be tracked when FollowChildren is disabled")
	}
}

func TestHandleExitReleasesMirrorStateAndCR3Lookup(t *testing.T) {
	vm := mock.New()
	seedProcess(t, vm, 0x50000, "sample.exe", 0)
	registerCR3Space(vm, introspection.PID(100), 0x1000)

	mirror, err := paging.New(vm)
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	tr := New(vm, testProfile(), mirror, 100, "", false)
	tr.HandleCreate(context.Background(), introspection.Event{
		Kind: introspection.EventProcessCreate, PID: introspection.PID(100), CR3: 0x1000, ProcDescAddr: 0x50000,
	})

	if _, ok := tr.Get(introspection.PID(100)); !ok {
		t.Fatal("expected pid 100 to be tracked before exit")
	}
	mirror.WithLock(introspection.PID(100), 1, func(pr *paging.PageRecord) {
		pr.State = paging.StateWritten
	})

	tr.HandleExit(context.Background(), introspection.Event{
		Kind: introspection.EventProcessExit, PID: introspection.PID(100), ExitCode: 0,
	})

	if _, ok := tr.Get(introspection.PID(100)); ok {
		t.Fatal("expected pid 100 to be untracked after exit")
	}
	if _, ok := tr.Lookup(0x1000); ok {
		t.Fatal("expected CR3 lookup to be cleared after exit")
	}
	if _, ok := mirror.Get(introspection.PID(100), 1); ok {
		t.Fatal("expected Mirror state to be released after exit")
	}
}

func putU64(vm *mock.VM, gpa introspection.GPA, offset int, v uint64) {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	vm.WriteBytes(gpa, offset, buf)
}

// TestScanActiveEnlistsAlreadyRunningTarget builds a one-node circular
// active-process list (head.Flink -> node, node.Flink -> head) and checks
// that ScanActive enlists a target that was already running before the
// tracker ever saw a process-creation event for it.
func TestScanActiveEnlistsAlreadyRunningTarget(t *testing.T) {
	vm := mock.New()

	const head = 0x70000
	const descAddr = 0x50000
	const linksOffset = 40
	const linksAddr = descAddr + linksOffset

	frame := introspection.GPA(descAddr &^ 0xFFF)
	vm.MapPage(introspection.PID(0), 0, descAddr>>12, frame)
	headFrame := introspection.GPA(head &^ 0xFFF)
	vm.MapPage(introspection.PID(0), 0, head>>12, headFrame)

	putU64(vm, frame, 0, 100)    // pid
	putU64(vm, frame, 8, 0x1000) // top-level page table root
	putU64(vm, frame, 16, 0x9000) // vad root
	vm.WriteBytes(frame, 24, append([]byte("sample.exe"), 0))
	putU64(vm, frame, linksOffset, head) // this node's Flink -> head (loop closes)

	putU64(vm, headFrame, int(head%4096), linksAddr) // head.Flink -> this node's links

	prof := &profile.Profile{
		Process: profile.ProcessOffsets{
			PID: 0, TopLevelPT: 8, VADRoot: 16, ImageName: 24,
			ActiveProcessLinks: linksOffset,
			ProcessListHead:    head,
		},
	}

	mirror, err := paging.New(vm)
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	tr := New(vm, prof, mirror, 100, "", false)

	if err := tr.ScanActive(context.Background()); err != nil {
		t.Fatalf("ScanActive: %v", err)
	}

	mp, ok := tr.Get(introspection.PID(100))
	if !ok {
		t.Fatal("expected already-running pid 100 to be enlisted by ScanActive")
	}
	if mp.ImageName != "sample.exe" {
		t.Fatalf("image name = %q, want sample.exe", mp.ImageName)
	}
	if mp.VADRoot != 0x9000 {
		t.Fatalf("vad root = %#x, want 0x9000", mp.VADRoot)
	}

	looked, ok := tr.Lookup(0x1000)
	if !ok || looked.PID != introspection.PID(100) {
		t.Fatalf("Lookup(0x1000) after ScanActive = %+v, %v", looked, ok)
	}
}

func TestHandleCreateSkipsAlreadyTrackedPID(t *testing.T) {
	vm := mock.New()
	seedProcess(t, vm, 0x50000, "sample.exe", 0)
	registerCR3Space(vm, introspection.PID(100), 0x1000)

	tr := newTestTracker(t, vm, 100, "", false)
	ev := introspection.Event{Kind: introspection.EventProcessCreate, PID: introspection.PID(100), CR3: 0x1000, ProcDescAddr: 0x50000}
	tr.HandleCreate(context.Background(), ev)
	tr.HandleCreate(context.Background(), ev)

	if got := len(tr.List()); got != 1 {
		t.Fatalf("tracked process count = %d, want 1 (second create should be skipped)", got)
	}
}
