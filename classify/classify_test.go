package classify

import (
	"testing"

	"github.com/jnesss/vmi-unpack/paging"
	"github.com/jnesss/vmi-unpack/vad"
)

func TestClassifyUnknownWithoutSegment(t *testing.T) {
	if got := Classify(nil, true); got != paging.CategoryUnknown {
		t.Fatalf("got %v, want CategoryUnknown", got)
	}
}

func TestClassifyLibrary(t *testing.T) {
	seg := &vad.Segment{VADType: vad.VADTypeImage, Filename: `C:\Windows\System32\kernel32.dll`}
	if got := Classify(seg, true); got != paging.CategoryLibrary {
		t.Fatalf("got %v, want CategoryLibrary", got)
	}
}

func TestClassifyStackByProtectionFlag(t *testing.T) {
	seg := &vad.Segment{VADType: vad.VADTypePrivate, IsPrivate: true, Protection: 0x20}
	if got := Classify(seg, false); got != paging.CategoryStack {
		t.Fatalf("got %v, want CategoryStack", got)
	}
}

func TestClassifyHeap(t *testing.T) {
	seg := &vad.Segment{VADType: vad.VADTypePrivate, IsPrivate: true}
	if got := Classify(seg, false); got != paging.CategoryHeap {
		t.Fatalf("got %v, want CategoryHeap", got)
	}
}

func TestClassifyCode(t *testing.T) {
	seg := &vad.Segment{VADType: vad.VADTypeImage, IsPrivate: false}
	if got := Classify(seg, true); got != paging.CategoryCode {
		t.Fatalf("got %v, want CategoryCode", got)
	}
}

func TestClassifyDataFallback(t *testing.T) {
	seg := &vad.Segment{VADType: vad.VADTypeMapped, IsPrivate: false}
	if got := Classify(seg, false); got != paging.CategoryData {
		t.Fatalf("got %v, want CategoryData", got)
	}
}

func TestFilterInstrument(t *testing.T) {
	f := Filter{}
	cases := []struct {
		cat  paging.Category
		want bool
	}{
		{paging.CategoryCode, true},
		{paging.CategoryUnknown, true},
		{paging.CategoryLibrary, false},
		{paging.CategoryHeap, false},
		{paging.CategoryStack, false},
	}
	for _, c := range cases {
		if got := f.Instrument(c.cat); got != c.want {
			t.Errorf("Instrument(%v) = %v, want %v", c.cat, got, c.want)
		}
	}

	allIncluded := Filter{IncludeLibrary: true, IncludeHeap: true, IncludeStack: true}
	for _, cat := range []paging.Category{paging.CategoryLibrary, paging.CategoryHeap, paging.CategoryStack} {
		if !allIncluded.Instrument(cat) {
			t.Errorf("Instrument(%v) with override = false, want true", cat)
		}
	}
}
