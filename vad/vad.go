// Package vad implements the VAD Walker: an in-order traversal of a
// monitored process's Virtual Address Descriptor tree that extracts
// segment ranges, flags and backing filenames.
//
// The traversal is an explicit iterative walk with a worklist rather
// than recursion, and the per-node callback is a Visitor capability
// rather than a bare function pointer, so the walker is reusable by
// non-dumping consumers such as tests.
package vad

import (
	"context"
	"log"

	"github.com/jnesss/vmi-unpack/bitfield"
	"github.com/jnesss/vmi-unpack/introspection"
	"github.com/jnesss/vmi-unpack/paging"
	"github.com/jnesss/vmi-unpack/profile"
)

// VADType is the guest kernel's classification of one VAD node.
type VADType int

const (
	VADTypePrivate VADType = iota
	VADTypeMapped
	VADTypeImage
)

// Segment is one Memory Segment extracted from a VAD node.
type Segment struct {
	Base      introspection.GVA
	Size      uint64 // requested size, end-base
	VADType   VADType
	IsPrivate bool
	Protection uint64
	Filename  string

	// Buffer and BufferLen are populated only when the walk is asked to
	// read segment contents (WalkAndRead); BufferLen may be less than
	// Size if part of the segment was unreadable.
	Buffer    []byte
	BufferLen int
}

// Visitor is invoked once per VAD node in ascending base-address order.
// Returning stop=true ends the traversal early (FindSegment uses this to
// stop at the first containing segment).
type Visitor interface {
	Visit(seg Segment) (stop bool)
}

// VisitorFunc adapts a function literal to the Visitor interface.
type VisitorFunc func(seg Segment) bool

func (f VisitorFunc) Visit(seg Segment) bool { return f(seg) }

// Walker performs VAD traversals for a given Profile and a reader of raw
// guest-kernel memory.
type Walker struct {
	driver  introspection.Driver
	profile *profile.Profile

	// SegCountMax bounds the number of segments a single walk returns.
	// Beyond the cap further nodes are dropped with a warning, not an
	// error.
	SegCountMax int
}

// New builds a Walker. Kernel structure reads go through driver's
// ReadVirtual with PID 0, the convention this project uses for
// kernel-address-space reads.
func New(driver introspection.Driver, prof *profile.Profile, segCountMax int) *Walker {
	if segCountMax <= 0 {
		segCountMax = 1024
	}
	return &Walker{driver: driver, profile: prof, SegCountMax: segCountMax}
}

// worklistEntry is one pending node in the iterative in-order traversal.
// state tracks which half of the in-order visit (descend left, visit self,
// descend right) remains for this node, the standard explicit-stack
// simulation of a recursive in-order walk.
type worklistEntry struct {
	addr  uint64
	state int // 0 = not yet descended left, 1 = left done, visit now
}

// Walk traverses the VAD tree rooted at mp.VADRoot and invokes v.Visit for
// each node in ascending base-address order, without reading segment
// contents. Use WalkAndRead to also capture bytes.
func (w *Walker) Walk(ctx context.Context, mp *paging.MP, v Visitor) error {
	return w.walk(ctx, mp, v, false)
}

// WalkAndRead behaves like Walk but also reads each segment's bytes via
// the driver (end minus base bytes, read from the owning process's
// address space), shrinking Segment.BufferLen when fewer bytes were
// readable.
func (w *Walker) WalkAndRead(ctx context.Context, mp *paging.MP, v Visitor) error {
	return w.walk(ctx, mp, v, true)
}

func (w *Walker) walk(ctx context.Context, mp *paging.MP, v Visitor, read bool) error {
	if mp.VADRoot == 0 {
		return nil
	}

	worklist := []worklistEntry{{addr: mp.VADRoot, state: 0}}
	count := 0

	for len(worklist) > 0 {
		if count >= w.SegCountMax {
			log.Printf("vad: segment cap (%d) reached for pid %d; dropping remaining VADs", w.SegCountMax, mp.PID)
			return nil
		}

		top := len(worklist) - 1
		entry := worklist[top]

		if entry.state == 0 {
			// First visit: push this node back as "left done", then push
			// its left child (if readable) on top so it is processed first.
			// This is the explicit-stack equivalent of descending into the
			// left subtree before visiting the node itself.
			worklist[top].state = 1

			left, err := w.readPointer(ctx, entry.addr+w.profile.VADNode.LeftChild)
			if err != nil {
				log.Printf("vad: left child of %#x unreadable, skipping subtree: %v", entry.addr, err)
				continue
			}
			if left != 0 {
				worklist = append(worklist, worklistEntry{addr: left, state: 0})
			}
			continue
		}

		// Second visit: this node's left subtree is done (or was
		// skipped); visit the node, then queue its right subtree.
		worklist = worklist[:top]

		seg, ok, err := w.readSegment(ctx, mp, entry.addr, read)
		if err != nil {
			log.Printf("vad: node %#x unreadable, skipping: %v", entry.addr, err)
		} else if ok {
			count++
			if v.Visit(seg) {
				return nil
			}
		}

		right, err := w.readPointer(ctx, entry.addr+w.profile.VADNode.RightChild)
		if err != nil {
			log.Printf("vad: right child of %#x unreadable, skipping subtree: %v", entry.addr, err)
			continue
		}
		if right != 0 {
			worklist = append(worklist, worklistEntry{addr: right, state: 0})
		}
	}

	return nil
}

func (w *Walker) readPointer(ctx context.Context, kernelAddr uint64) (uint64, error) {
	raw, err := w.driver.ReadVirtual(ctx, 0, introspection.GVA(kernelAddr), 8)
	if err != nil {
		return 0, err
	}
	if len(raw) < 8 {
		return 0, introspection.ErrShortRead
	}
	return leUint64(raw), nil
}

// readSegment reads one VAD node's fields and, if requested, its backing
// bytes. ok is false for a node whose starting or ending VPN is zero.
func (w *Walker) readSegment(ctx context.Context, mp *paging.MP, node uint64, read bool) (Segment, bool, error) {
	startVPN, err := w.readPointer(ctx, node+w.profile.VADNode.StartingVPN)
	if err != nil {
		return Segment{}, false, err
	}
	endVPN, err := w.readPointer(ctx, node+w.profile.VADNode.EndingVPN)
	if err != nil {
		return Segment{}, false, err
	}
	if startVPN == 0 || endVPN == 0 {
		return Segment{}, false, nil
	}

	base := startVPN << 12
	end := endVPN << 12
	if end <= base {
		return Segment{}, false, nil
	}
	size := end - base

	flagsRaw, err := w.readPointer(ctx, node+w.profile.VADNode.Flags)
	if err != nil {
		return Segment{}, false, err
	}
	flags := bitfield.Word(flagsRaw)

	seg := Segment{
		Base:       introspection.GVA(base),
		Size:       size,
		VADType:    VADType(flags.Get(w.profile.FlagsRanges.VADType)),
		IsPrivate:  flags.Get(w.profile.FlagsRanges.IsPrivate) != 0,
		Protection: flags.Get(w.profile.FlagsRanges.Protection),
	}

	if name, err := w.readFilename(ctx, node); err != nil {
		log.Printf("vad: filename for node %#x unavailable: %v", node, err)
	} else {
		seg.Filename = name
	}

	if read {
		buf, n, err := w.readSegmentBytes(ctx, mp, introspection.GVA(base), size)
		if err != nil {
			log.Printf("vad: short read for segment %#x (%d/%d bytes): %v", base, n, size, err)
		}
		seg.Buffer = buf
		seg.BufferLen = n
	}

	return seg, true, nil
}

// readSegmentBytes reads up to size bytes at base from mp's address space.
// Per Design Notes §9 Open Question 3, a short read retains the original
// buffer and records its length separately rather than reallocating.
func (w *Walker) readSegmentBytes(ctx context.Context, mp *paging.MP, base introspection.GVA, size uint64) ([]byte, int, error) {
	buf, err := w.driver.ReadVirtual(ctx, mp.PID, base, int(size))
	if err == introspection.ErrShortRead {
		return buf, len(buf), err
	}
	if err != nil {
		return nil, 0, err
	}
	return buf, len(buf), nil
}

// readFilename resolves the optional backing filename for node: control
// area -> file object -> filename, masking the low three bits of the
// file-object pointer since it is an EX_FAST_REF.
func (w *Walker) readFilename(ctx context.Context, node uint64) (string, error) {
	controlArea, err := w.readPointer(ctx, node+w.profile.VADNode.ControlArea)
	if err != nil || controlArea == 0 {
		return "", err
	}

	fileObjectRaw, err := w.readPointer(ctx, controlArea+w.profile.ControlArea.FileObject)
	if err != nil || fileObjectRaw == 0 {
		return "", err
	}
	fileObject := fileObjectRaw &^ 0x7 // EX_FAST_REF low 3 bits are a tag

	filenamePtr, err := w.readPointer(ctx, fileObject+w.profile.FileObject.FileName)
	if err != nil || filenamePtr == 0 {
		return "", err
	}

	return w.readUnicodeString(ctx, filenamePtr)
}

// readUnicodeString reads a kernel UNICODE_STRING: a uint16 length, a
// uint16 max length, then a pointer to UTF-16LE data.
func (w *Walker) readUnicodeString(ctx context.Context, addr uint64) (string, error) {
	hdr, err := w.driver.ReadVirtual(ctx, 0, introspection.GVA(addr), 16)
	if err != nil || len(hdr) < 16 {
		return "", err
	}
	length := int(leUint16(hdr[0:2]))
	bufPtr := leUint64(hdr[8:16])
	if length == 0 || bufPtr == 0 {
		return "", nil
	}

	raw, err := w.driver.ReadVirtual(ctx, 0, introspection.GVA(bufPtr), length)
	if err != nil && err != introspection.ErrShortRead {
		return "", err
	}
	return utf16LEToString(raw), nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func utf16LEToString(b []byte) string {
	n := len(b) / 2
	runes := make([]uint16, n)
	for i := 0; i < n; i++ {
		runes[i] = leUint16(b[i*2 : i*2+2])
	}
	return decodeUTF16(runes)
}

// decodeUTF16 is a minimal UTF-16LE decoder for guest paths, written here
// rather than pulling in a text-encoding dependency for this one call site.
// Surrogate pairs are combined into one rune; an unpaired surrogate becomes
// the replacement character.
func decodeUTF16(runes []uint16) string {
	out := make([]rune, 0, len(runes))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r >= 0xD800 && r <= 0xDBFF && i+1 < len(runes) {
			r2 := runes[i+1]
			if r2 >= 0xDC00 && r2 <= 0xDFFF {
				combined := (rune(r-0xD800) << 10) | rune(r2-0xDC00) + 0x10000
				out = append(out, combined)
				i++
				continue
			}
		}
		out = append(out, rune(r))
	}
	return string(out)
}

// FindSegment walks mp's VAD tree looking for the node whose [Base,
// Base+Size) range contains gva, stopping as soon as it is found. The
// classifier calls this on the fault path, so it deliberately reuses
// Walk's early-exit Visitor rather than collecting every segment.
func (w *Walker) FindSegment(ctx context.Context, mp *paging.MP, gva introspection.GVA) (*Segment, error) {
	var found *Segment
	target := uint64(gva)

	err := w.Walk(ctx, mp, VisitorFunc(func(seg Segment) bool {
		base := uint64(seg.Base)
		if target >= base && target < base+seg.Size {
			found = &seg
			return true
		}
		return false
	}))
	if err != nil {
		return nil, err
	}
	return found, nil
}
