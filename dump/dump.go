// Package dump implements the Dump Queue: a bounded producer/consumer of
// Dump Jobs, persisted to disk as paired .dump/.map files with strictly
// increasing, zero-padded sequence numbers.
package dump

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jnesss/vmi-unpack/introspection"
	"github.com/jnesss/vmi-unpack/vad"
)

// Segment is one persisted Memory Segment within a Job. Offset within the
// .dump file is computed at persist time, not stored here.
type Segment struct {
	VirtualBase introspection.GVA
	Size        int
	Protection  uint64
	VADType     vad.VADType
	IsPrivate   bool
	Filename    string
	Buffer      []byte
}

// Job is one Dump Job: one triggered W→X snapshot.
type Job struct {
	Sequence  uint32
	PID       introspection.PID
	RIP       uint64
	TriggerGVA introspection.GVA
	Segments  []Segment
}

// mapRecord is the JSON shape written to the .map side-car file.
type mapRecord struct {
	Offset      int64             `json:"offset"`
	VirtualBase introspection.GVA `json:"virtual_base"`
	Size        int               `json:"size"`
	Protection  uint64            `json:"protection"`
	VADType     vad.VADType       `json:"vadtype"`
	IsPrivate   bool              `json:"isprivate"`
	Filename    string            `json:"filename,omitempty"`
	RIP         uint64            `json:"rip"`
}

// PersistedHandler is invoked after a Job has been written to disk,
// letting the W→X state machine finalize the PENDING_EXEC -> DUMPED
// transition only once the artifact genuinely exists.
type PersistedHandler func(job *Job)

// Queue is the bounded producer/consumer FIFO. Enqueue blocks when full;
// the calling vCPU is paused inside the trap callback at that point, so
// blocking here safely pauses the guest rather than dropping data.
type Queue struct {
	ch chan *Job

	outputDir string
	nextSeq   uint32 // assigned by the producer, strictly increasing

	persisted PersistedHandler

	wg      sync.WaitGroup
	closed  atomic.Bool
	drained chan struct{}
}

// NewQueue creates a Queue with the given backpressure depth, writing
// artifacts under outputDir.
func NewQueue(outputDir string, depth int, persisted PersistedHandler) (*Queue, error) {
	if depth <= 0 {
		depth = 1
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("dump: create output dir: %w", err)
	}
	q := &Queue{
		ch:        make(chan *Job, depth),
		outputDir: outputDir,
		persisted: persisted,
		drained:   make(chan struct{}),
	}
	return q, nil
}

// NextSequence assigns the next strictly increasing sequence number to a
// Job. Must be called by the single producer (the event loop) before
// Enqueue, so sequence numbers reflect trigger order even though
// persistence happens asynchronously.
func (q *Queue) NextSequence() uint32 {
	return atomic.AddUint32(&q.nextSeq, 1) - 1
}

// Enqueue blocks until the job is accepted or the queue has been closed.
func (q *Queue) Enqueue(job *Job) {
	if q.closed.Load() {
		log.Printf("dump: enqueue after shutdown, dropping job seq=%d", job.Sequence)
		return
	}
	q.ch <- job
}

// Run is the single consumer loop; call it on its own goroutine. It
// returns once the channel is closed and drained.
func (q *Queue) Run() {
	defer close(q.drained)
	for job := range q.ch {
		if err := q.persist(job); err != nil {
			// Output write failure is logged per job and never blocks the
			// event loop indefinitely; the event loop is not even on this
			// goroutine.
			log.Printf("dump: failed to persist job seq=%d pid=%d: %v", job.Sequence, job.PID, err)
			continue
		}
		if q.persisted != nil {
			q.persisted(job)
		}
	}
}

// Shutdown stops accepting new jobs and waits (up to the caller's
// context/timeout, enforced by the caller) for the consumer to drain the
// channel.
func (q *Queue) Shutdown() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
	<-q.drained
}

func (q *Queue) persist(job *Job) error {
	dumpPath := filepath.Join(q.outputDir, fmt.Sprintf("%04d.%d.dump", job.Sequence, job.PID))
	f, err := os.Create(dumpPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", dumpPath, err)
	}
	defer f.Close()

	var offset int64
	records := make([]mapRecord, 0, len(job.Segments))
	for _, seg := range job.Segments {
		if _, err := f.Write(seg.Buffer); err != nil {
			return fmt.Errorf("write %s: %w", dumpPath, err)
		}
		records = append(records, mapRecord{
			Offset:      offset,
			VirtualBase: seg.VirtualBase,
			Size:        seg.Size,
			Protection:  seg.Protection,
			VADType:     seg.VADType,
			IsPrivate:   seg.IsPrivate,
			Filename:    seg.Filename,
			RIP:         job.RIP,
		})
		offset += int64(len(seg.Buffer))
	}

	if len(job.Segments) > 1 {
		mapPath := filepath.Join(q.outputDir, fmt.Sprintf("%04d.%d.map", job.Sequence, job.PID))
		raw, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal map for %s: %w", mapPath, err)
		}
		if err := os.WriteFile(mapPath, raw, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", mapPath, err)
		}
	}

	return nil
}
