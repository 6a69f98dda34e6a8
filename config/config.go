// Package config holds the immutable configuration threaded through every
// component constructor. The source this project is modeled on relies on
// process-wide mutable strings for the VM name, profile path and output
// directory (Design Notes §9); this package replaces that with one value
// built once in main and passed down explicitly.
package config

import "time"

// Config is built once at startup and never mutated afterward. Every
// component that needs a setting takes it as a constructor argument, not
// by reaching into a global.
type Config struct {
	// VMName is the name of the target VM as known to the hypervisor.
	VMName string

	// ProfilePath is the filesystem path to the kernel-structure offset
	// profile (see package profile).
	ProfilePath string

	// OutputDir is where Dump Queue artifacts (.dump/.map) and the store
	// index database are written.
	OutputDir string

	// TargetPID selects the monitored process by PID. Mutually exclusive
	// with TargetName; exactly one must be set.
	TargetPID uint64

	// TargetName selects the monitored process by image name when
	// TargetPID is zero.
	TargetName string

	// FollowChildren enlists child processes created by the target.
	FollowChildren bool

	// IncludeLibrary, IncludeHeap, IncludeStack override the classifier's
	// default suppression of those categories.
	IncludeLibrary bool
	IncludeHeap    bool
	IncludeStack   bool

	// PolicyRulesDir, if non-empty, enables policy-driven filtering loaded
	// from Sigma-style YAML rule files in this directory (see package
	// policy). Empty disables policy filtering entirely.
	PolicyRulesDir string

	// SegmentCountMax bounds the number of VAD segments captured per Dump
	// Job.
	SegmentCountMax int

	// DumpQueueDepth bounds the Dump Queue's backpressure buffer.
	DumpQueueDepth int

	// WebListenAddr, if non-empty, starts the read-only status server.
	WebListenAddr string

	// ShutdownGrace bounds how long the event loop waits for the Dump
	// Queue to drain during a clean shutdown.
	ShutdownGrace time.Duration
}

// DefaultSegmentCountMax is the illustrative default segment cap.
const DefaultSegmentCountMax = 1024

// Validate checks the invariants the CLI surface requires: exactly one of
// TargetPID/TargetName, and a non-empty VM name, profile path and output
// directory.
func (c *Config) Validate() error {
	if c.VMName == "" {
		return errRequired("vm name")
	}
	if c.ProfilePath == "" {
		return errRequired("profile path")
	}
	if c.OutputDir == "" {
		return errRequired("output directory")
	}
	if (c.TargetPID == 0) == (c.TargetName == "") {
		return errExactlyOneTarget
	}
	if c.SegmentCountMax <= 0 {
		c.SegmentCountMax = DefaultSegmentCountMax
	}
	if c.DumpQueueDepth <= 0 {
		c.DumpQueueDepth = 16
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

func errRequired(field string) error {
	return configError(field + " is required")
}

const errExactlyOneTarget = configError("exactly one of target PID or target name must be set")
