// Package wx implements the W→X State Machine: the per-page
// CLEAN -> WRITTEN -> PENDING_EXEC -> DUMPED transition table that
// decides when a monitored page's evolution looks like a packer unpacking
// itself, and drives the resulting Dump Job through the queue.
package wx

import (
	"context"
	"log"

	"github.com/jnesss/vmi-unpack/classify"
	"github.com/jnesss/vmi-unpack/dump"
	"github.com/jnesss/vmi-unpack/introspection"
	"github.com/jnesss/vmi-unpack/paging"
	"github.com/jnesss/vmi-unpack/trap"
	"github.com/jnesss/vmi-unpack/vad"
)

// ProcessLookup resolves the Monitored Process owning an address space,
// keyed by the CR3 value an event reports. Injected rather than imported
// directly so this package does not depend on proctracker.
type ProcessLookup func(cr3 uint64) (*paging.MP, bool)

// PolicyChecker vetoes instrumentation of specific processes by policy
// rule. Injected so this package does not depend on policy or store.
type PolicyChecker interface {
	// Veto reports whether mp should be excluded from the W→X machine, and
	// if so, the rule name to record alongside the Policy Match.
	Veto(ctx context.Context, mp *paging.MP) (veto bool, rule string)
}

// GenerationRecorder mirrors generation bumps into a durable store,
// best-effort: it must never block the event loop on a write failure.
type GenerationRecorder interface {
	RecordGeneration(pid, vpn, generation uint64)
}

// ProcessEvents handles the two lifecycle events the driver reports outside
// the memory-access path. Injected so this package does not depend on
// proctracker directly.
type ProcessEvents interface {
	HandleCreate(ctx context.Context, ev introspection.Event)
	HandleExit(ctx context.Context, ev introspection.Event)
}

// Engine wires the Paging Mirror, Trap Controller, Page Classifier and VAD
// Walker together into the state machine's transition table, and produces
// Dump Jobs onto a Queue.
type Engine struct {
	Mirror    *paging.Mirror
	Traps     *trap.Controller
	Walker    *vad.Walker
	Filter    classify.Filter
	Queue       *dump.Queue
	Lookup      ProcessLookup
	Policy      PolicyChecker
	Generations GenerationRecorder
	Tracker     ProcessEvents
}

// Handle is registered as the Trap Controller's Handler. It implements the
// full per-fault decision: resolve, classify, gate by filter/policy, apply
// the transition table, and trigger a dump when the table calls for one.
func (e *Engine) Handle(ctx context.Context, ev introspection.Event) introspection.EventResponse {
	switch ev.Kind {
	case introspection.EventProcessCreate:
		if e.Tracker != nil {
			e.Tracker.HandleCreate(ctx, ev)
		}
		return introspection.ResponseResume
	case introspection.EventProcessExit:
		if e.Tracker != nil {
			e.Tracker.HandleExit(ctx, ev)
		}
		return introspection.ResponseResume
	}

	mp, ok := e.Lookup(ev.CR3)
	if !ok {
		// Not one of ours; never happens once traps are scoped to
		// monitored address spaces, but a stray event must never panic
		// the event loop.
		return introspection.ResponseResume
	}
	if !mp.Live() {
		return introspection.ResponseResume
	}

	gva := ev.GLA
	if gva == 0 {
		log.Printf("wx: event for pid %d has no linear address, ignoring", mp.PID)
		return introspection.ResponseResume
	}

	switch {
	case ev.Access.Has(introspection.RightWrite):
		return e.handleWrite(ctx, mp, gva)
	case ev.Access.Has(introspection.RightExecute):
		return e.handleExecute(ctx, mp, gva, ev.RIP)
	default:
		return introspection.ResponseResume
	}
}

func (e *Engine) handleWrite(ctx context.Context, mp *paging.MP, gva introspection.GVA) introspection.EventResponse {
	t, err := e.Mirror.Resolve(ctx, mp, gva)
	if err != nil || !t.Present {
		// Demand-paging gap, not a real write observation; let the guest
		// fault normally and do not touch machine state.
		return introspection.ResponseSingleStep
	}

	pr, err := e.Mirror.RecordFault(ctx, mp, gva, paging.FaultWrite)
	if err != nil {
		log.Printf("wx: record write fault pid=%d gva=%#x: %v", mp.PID, gva, err)
		return introspection.ResponseSingleStep
	}

	cat := e.classify(ctx, mp, gva, t.Executable)
	e.Mirror.SetCategory(mp.PID, pr.VPN, cat)

	if !e.Filter.Instrument(cat) || e.vetoed(ctx, mp) {
		return introspection.ResponseSingleStep
	}

	e.Mirror.WithLock(mp.PID, pr.VPN, func(rec *paging.PageRecord) {
		rec.State = paging.StateWritten
	})

	if e.Generations != nil {
		e.Generations.RecordGeneration(uint64(mp.PID), pr.VPN, pr.Generation)
	}

	if err := e.Traps.Arm(pr.Frame, introspection.RightExecute); err != nil {
		log.Printf("wx: arm execute trap pid=%d frame=%#x: %v", mp.PID, pr.Frame, err)
	}

	return introspection.ResponseSingleStep
}

func (e *Engine) handleExecute(ctx context.Context, mp *paging.MP, gva introspection.GVA, rip uint64) introspection.EventResponse {
	pr, err := e.Mirror.RecordFault(ctx, mp, gva, paging.FaultExecute)
	if err != nil {
		log.Printf("wx: record execute fault pid=%d gva=%#x: %v", mp.PID, gva, err)
		return introspection.ResponseSingleStep
	}

	var trigger bool
	e.Mirror.WithLock(mp.PID, pr.VPN, func(rec *paging.PageRecord) {
		if rec.State == paging.StateWritten {
			rec.State = paging.StatePendingExec
			trigger = true
		}
	})

	if trigger {
		e.triggerDump(ctx, mp, gva, rip, pr.VPN, pr.Frame)
	}

	return introspection.ResponseSingleStep
}

func (e *Engine) classify(ctx context.Context, mp *paging.MP, gva introspection.GVA, executable bool) paging.Category {
	seg, err := e.Walker.FindSegment(ctx, mp, gva)
	if err != nil {
		log.Printf("wx: VAD lookup pid=%d gva=%#x: %v", mp.PID, gva, err)
		return paging.CategoryUnknown
	}
	return classify.Classify(seg, executable)
}

func (e *Engine) vetoed(ctx context.Context, mp *paging.MP) bool {
	if e.Policy == nil {
		return false
	}
	veto, rule := e.Policy.Veto(ctx, mp)
	if veto {
		log.Printf("wx: policy %q vetoes instrumentation of pid=%d image=%q", rule, mp.PID, mp.ImageName)
	}
	return veto
}

// triggerDump walks and reads the process's full segment set and enqueues
// the resulting Dump Job. Finalizing PENDING_EXEC -> DUMPED happens
// asynchronously once the queue reports the job persisted (see
// Engine.OnPersisted), not here.
func (e *Engine) triggerDump(ctx context.Context, mp *paging.MP, gva introspection.GVA, rip uint64, triggerVPN uint64, triggerFrame introspection.GPA) {
	seq := e.Queue.NextSequence()
	job := &dump.Job{Sequence: seq, PID: mp.PID, RIP: rip, TriggerGVA: gva}

	collector := vad.VisitorFunc(func(seg vad.Segment) bool {
		job.Segments = append(job.Segments, dump.Segment{
			VirtualBase: seg.Base,
			Size:        seg.BufferLen,
			Protection:  seg.Protection,
			VADType:     seg.VADType,
			IsPrivate:   seg.IsPrivate,
			Filename:    seg.Filename,
			Buffer:      seg.Buffer[:seg.BufferLen],
		})
		return false
	})

	if err := e.Walker.WalkAndRead(ctx, mp, collector); err != nil {
		log.Printf("wx: VAD walk for dump job seq=%d pid=%d: %v", seq, mp.PID, err)
	}

	log.Printf("wx: triggering dump job seq=%d pid=%d rip=%#x segments=%d", seq, mp.PID, rip, len(job.Segments))
	e.Queue.Enqueue(job)
}

// OnPersisted finalizes the PENDING_EXEC -> DUMPED transition once job has
// actually been written to disk; wire this as the Queue's PersistedHandler.
func (e *Engine) OnPersisted(job *dump.Job) {
	vpn := uint64(job.TriggerGVA) >> 12
	e.Mirror.WithLock(job.PID, vpn, func(rec *paging.PageRecord) {
		if rec.State == paging.StatePendingExec {
			rec.State = paging.StateDumped
		}
	})
	if gpa, ok := e.Mirror.Get(job.PID, vpn); ok {
		if err := e.Traps.Disarm(gpa.Frame, introspection.RightExecute); err != nil {
			log.Printf("wx: disarm execute trap after dump pid=%d frame=%#x: %v", job.PID, gpa.Frame, err)
		}
	}
}
