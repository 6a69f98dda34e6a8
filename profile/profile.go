// Package profile loads the read-only kernel-structure offset mapping that
// drives every introspection read in this project. The profile is produced
// out of band (Volatility/Rekall-style symbol extraction) and is consumed
// here as a plain JSON file; this package never derives offsets itself.
package profile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jnesss/vmi-unpack/bitfield"
)

// Profile is the immutable mapping from symbolic kernel-structure field
// names to byte offsets and, for packed flag words, bit ranges. It is
// loaded once at startup and never mutated afterward.
type Profile struct {
	Process      ProcessOffsets      `json:"process"`
	VADNode      VADNodeOffsets      `json:"vad_node"`
	ControlArea  ControlAreaOffsets  `json:"control_area"`
	FileObject   FileObjectOffsets   `json:"file_object"`
	FlagsRanges  FlagsRanges         `json:"flags_ranges"`
}

// ProcessOffsets locates fields inside the process-descriptor structure
// (EPROCESS on Windows).
type ProcessOffsets struct {
	PID         uint64 `json:"pid"`
	TopLevelPT  uint64 `json:"top_level_pt_root"`
	VADRoot     uint64 `json:"vad_root"`
	ImageName   uint64 `json:"image_file_name"`

	// ActiveProcessLinks is the offset of the doubly linked LIST_ENTRY
	// embedded in the process descriptor that threads every live process
	// onto the kernel's active-process list. ProcessListHead is the
	// kernel-virtual address of that list's head sentinel (a global
	// kernel symbol, not a per-structure offset, but carried here since
	// the Process Tracker's one-time startup walk needs it and this is
	// the only profile section concerned with process descriptors).
	ActiveProcessLinks uint64 `json:"active_process_links"`
	ProcessListHead    uint64 `json:"process_list_head"`
}

// VADNodeOffsets locates fields inside one VAD tree node (MMVAD).
type VADNodeOffsets struct {
	LeftChild    uint64 `json:"left_child"`
	RightChild   uint64 `json:"right_child"`
	StartingVPN  uint64 `json:"starting_vpn"`
	EndingVPN    uint64 `json:"ending_vpn"`
	Flags        uint64 `json:"flags"`
	ControlArea  uint64 `json:"control_area"`
}

// ControlAreaOffsets locates fields inside a CONTROL_AREA structure.
type ControlAreaOffsets struct {
	FileObject uint64 `json:"file_object"`
}

// FileObjectOffsets locates fields inside a FILE_OBJECT structure.
type FileObjectOffsets struct {
	FileName uint64 `json:"file_name"`
}

// FlagsRanges gives the bit ranges packed into VADNodeOffsets.Flags.
type FlagsRanges struct {
	VADType    bitfield.Range `json:"vad_type"`
	IsPrivate  bitfield.Range `json:"is_private"`
	Protection bitfield.Range `json:"protection"`
}

// Load reads and validates a profile from path.
func Load(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}

	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}

	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("profile: %s: %w", path, err)
	}

	return &p, nil
}

func (p *Profile) validate() error {
	for _, r := range []bitfield.Range{
		p.FlagsRanges.VADType,
		p.FlagsRanges.IsPrivate,
		p.FlagsRanges.Protection,
	} {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}
