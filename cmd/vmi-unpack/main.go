package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jnesss/vmi-unpack/classify"
	"github.com/jnesss/vmi-unpack/config"
	"github.com/jnesss/vmi-unpack/dump"
	"github.com/jnesss/vmi-unpack/introspection"
	"github.com/jnesss/vmi-unpack/introspection/kvmi"
	"github.com/jnesss/vmi-unpack/introspection/mock"
	"github.com/jnesss/vmi-unpack/paging"
	"github.com/jnesss/vmi-unpack/policy"
	"github.com/jnesss/vmi-unpack/proctracker"
	"github.com/jnesss/vmi-unpack/profile"
	"github.com/jnesss/vmi-unpack/store"
	"github.com/jnesss/vmi-unpack/trap"
	"github.com/jnesss/vmi-unpack/vad"
	"github.com/jnesss/vmi-unpack/webui"
	"github.com/jnesss/vmi-unpack/wx"
)

func main() {
	var (
		vmName      = flag.String("vm-name", "", "name of the target VM as known to the hypervisor")
		vmSocket    = flag.String("kvmi-socket", "", "path to the KVMI control socket (omit to run against a scripted mock VM)")
		profilePath = flag.String("profile", "", "path to the guest kernel-structure profile JSON")
		outputDir   = flag.String("output", "./dumps", "directory to write Dump Job artifacts and the index database")
		targetPID   = flag.Uint64("pid", 0, "guest PID to monitor")
		targetName  = flag.String("name", "", "guest image name to monitor (mutually exclusive with -pid)")
		followChildren = flag.Bool("follow-children", false, "also monitor processes created by the target")
		includeLibrary = flag.Bool("include-library", false, "instrument LIBRARY-classified pages")
		includeHeap    = flag.Bool("include-heap", false, "instrument HEAP-classified pages")
		includeStack   = flag.Bool("include-stack", false, "instrument STACK-classified pages")
		policyRulesDir = flag.String("policy-rules", "", "directory of Sigma rules that veto instrumentation (empty disables policy)")
		segCountMax    = flag.Int("seg-count-max", config.DefaultSegmentCountMax, "maximum VAD segments captured per Dump Job")
		queueDepth     = flag.Int("queue-depth", 64, "Dump Queue backpressure depth")
		webListenAddr  = flag.String("web-listen", "", "address for the read-only status server (empty disables it)")
	)
	flag.Parse()

	cfg := &config.Config{
		VMName:          *vmName,
		ProfilePath:     *profilePath,
		OutputDir:       *outputDir,
		TargetPID:       *targetPID,
		TargetName:      *targetName,
		FollowChildren:  *followChildren,
		IncludeLibrary:  *includeLibrary,
		IncludeHeap:     *includeHeap,
		IncludeStack:    *includeStack,
		PolicyRulesDir:  *policyRulesDir,
		SegmentCountMax: *segCountMax,
		DumpQueueDepth:  *queueDepth,
		WebListenAddr:   *webListenAddr,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "vmi-unpack: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *vmSocket); err != nil {
		fmt.Fprintf(os.Stderr, "vmi-unpack: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, vmSocket string) error {
	prof, err := profile.Load(cfg.ProfilePath)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	driver, closeDriver, err := dialDriver(vmSocket)
	if err != nil {
		return fmt.Errorf("connect to hypervisor: %w", err)
	}
	defer closeDriver()

	records, err := store.Open(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer records.Close()

	mirror, err := paging.New(driver)
	if err != nil {
		return fmt.Errorf("build paging mirror: %w", err)
	}

	tracker := proctracker.New(driver, prof, mirror, cfg.TargetPID, cfg.TargetName, cfg.FollowChildren)
	walker := vad.New(driver, prof, cfg.SegmentCountMax)
	traps := trap.New(driver)

	engine := &wx.Engine{
		Mirror:      mirror,
		Traps:       traps,
		Walker:      walker,
		Filter:      classify.Filter{IncludeLibrary: cfg.IncludeLibrary, IncludeHeap: cfg.IncludeHeap, IncludeStack: cfg.IncludeStack},
		Lookup:      tracker.Lookup,
		Generations: records,
		Tracker:     tracker,
	}

	if cfg.PolicyRulesDir != "" {
		checker, err := policy.NewChecker(cfg.PolicyRulesDir, records)
		if err != nil {
			return fmt.Errorf("load policy rules: %w", err)
		}
		defer checker.Close()
		engine.Policy = checker
	}

	// The queue's persisted handler both finalizes the W->X state machine's
	// DUMPED transition and indexes the completed job, so both run on the
	// single consumer goroutine, never on the event loop.
	queue, err := dump.NewQueue(cfg.OutputDir, cfg.DumpQueueDepth, func(job *dump.Job) {
		engine.OnPersisted(job)
		if err := records.InsertDumpJob(store.DumpJobRecord{
			Sequence:     job.Sequence,
			PID:          uint64(job.PID),
			RIP:          job.RIP,
			TriggerGVA:   uint64(job.TriggerGVA),
			SegmentCount: len(job.Segments),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "vmi-unpack: failed to index dump job seq=%d: %v\n", job.Sequence, err)
		}
	})
	if err != nil {
		return fmt.Errorf("build dump queue: %w", err)
	}
	engine.Queue = queue

	traps.OnEvent(engine.Handle)
	go queue.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracker.ScanActive(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "vmi-unpack: startup process scan: %v\n", err)
	}

	if cfg.WebListenAddr != "" {
		ui := webui.New(records, tracker, cfg.WebListenAddr)
		go func() {
			if err := ui.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "vmi-unpack: web UI error: %v\n", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	if err := driver.Resume(ctx); err != nil {
		return fmt.Errorf("resume VM: %w", err)
	}

	<-sig
	fmt.Println("vmi-unpack: shutting down")
	cancel()

	traps.DisarmAll()

	drained := make(chan struct{})
	go func() {
		queue.Shutdown()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.ShutdownGrace):
		fmt.Fprintln(os.Stderr, "vmi-unpack: dump queue did not drain within the shutdown grace period")
	}

	return nil
}

// dialDriver connects to a real KVMI socket when one is given, otherwise
// starts an empty scripted mock VM, useful for demos and for exercising
// the engine on a platform with no hypervisor at all.
func dialDriver(vmSocket string) (introspection.Driver, func(), error) {
	if vmSocket == "" {
		vm := mock.New()
		return vm, func() {}, nil
	}

	d, err := kvmi.Dial(vmSocket)
	if err != nil {
		return nil, nil, err
	}
	var driver introspection.Driver = d
	return driver, func() { driver.Close() }, nil
}
