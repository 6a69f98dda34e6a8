// Package classify implements the Page Classifier: given a VAD node and
// a page's protection, decide which category drives the W→X state
// machine's instrumentation filter.
package classify

import (
	"strings"

	"github.com/jnesss/vmi-unpack/paging"
	"github.com/jnesss/vmi-unpack/vad"
)

// Filter controls which categories participate in the W→X machine. By
// default LIBRARY, HEAP and STACK are suppressed; only CODE and UNKNOWN
// pages are instrumented unless a flag overrides that.
type Filter struct {
	IncludeLibrary bool
	IncludeHeap    bool
	IncludeStack   bool
}

// Classify applies the ordered rules below to seg (the VAD segment
// containing the faulting address) and the page's current protection
// bits, returning the category.
//
// Rules, first match wins:
//  1. backing file present and within the image region -> LIBRARY
//  2. stack-like protection or VAD marked stack -> STACK
//  3. private, non-image VAD -> HEAP
//  4. image VAD and executable page -> CODE
//  5. otherwise -> DATA, or UNKNOWN if no VAD was found
func Classify(seg *vad.Segment, executable bool) paging.Category {
	if seg == nil {
		return paging.CategoryUnknown
	}

	if seg.Filename != "" && seg.VADType == vad.VADTypeImage {
		return paging.CategoryLibrary
	}

	if isStackLike(seg) {
		return paging.CategoryStack
	}

	if seg.IsPrivate && seg.VADType != vad.VADTypeImage {
		return paging.CategoryHeap
	}

	if seg.VADType == vad.VADTypeImage && executable {
		return paging.CategoryCode
	}

	return paging.CategoryData
}

// isStackLike recognizes the convention used by the profile's protection
// encoding and by common thread-stack naming: a private VAD whose
// filename (when the guest OS labels auto-grown regions) contains "stack"
// is treated the same as an explicit stack protection flag. Real guest
// kernels do not always name stack VADs, so this is a heuristic layered on
// top of the protection check, never a replacement for it.
func isStackLike(seg *vad.Segment) bool {
	const stackProtectionFlag = 0x20 // profile-defined "guard/stack" bit
	if seg.Protection&stackProtectionFlag != 0 {
		return true
	}
	return seg.IsPrivate && strings.Contains(strings.ToLower(seg.Filename), "stack")
}

// Instrument reports whether pages classified as cat should participate in
// the W→X state machine under f. CODE and UNKNOWN always participate;
// LIBRARY/HEAP/STACK only do when explicitly included.
func (f Filter) Instrument(cat paging.Category) bool {
	switch cat {
	case paging.CategoryCode, paging.CategoryUnknown:
		return true
	case paging.CategoryLibrary:
		return f.IncludeLibrary
	case paging.CategoryHeap:
		return f.IncludeHeap
	case paging.CategoryStack:
		return f.IncludeStack
	default:
		return false
	}
}
