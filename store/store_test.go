package store

import (
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndListDumpJobs(t *testing.T) {
	db := openTestDB(t)

	for i := uint32(0); i < 3; i++ {
		rec := DumpJobRecord{
			Sequence:     i,
			PID:          100,
			RIP:          0x1000 + uint64(i),
			TriggerGVA:   0x2000,
			SegmentCount: 1,
			Timestamp:    time.Now(),
		}
		if err := db.InsertDumpJob(rec); err != nil {
			t.Fatalf("InsertDumpJob(%d): %v", i, err)
		}
	}

	recs, err := db.ListDumpJobs(10)
	if err != nil {
		t.Fatalf("ListDumpJobs: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	// newest first
	if recs[0].Sequence != 2 {
		t.Fatalf("recs[0].Sequence = %d, want 2", recs[0].Sequence)
	}
}

func TestListDumpJobsRespectsLimit(t *testing.T) {
	db := openTestDB(t)

	for i := uint32(0); i < 5; i++ {
		if err := db.InsertDumpJob(DumpJobRecord{Sequence: i, PID: 1}); err != nil {
			t.Fatalf("InsertDumpJob(%d): %v", i, err)
		}
	}

	recs, err := db.ListDumpJobs(2)
	if err != nil {
		t.Fatalf("ListDumpJobs: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
}

func TestRecordGenerationIsBestEffort(t *testing.T) {
	db := openTestDB(t)
	// RecordGeneration has no error return; it must not panic even though
	// it swallows failures internally.
	db.RecordGeneration(1, 0x1000, 1)
	db.RecordGeneration(1, 0x1000, 2)
}

func TestInsertAndListPolicyMatches(t *testing.T) {
	db := openTestDB(t)

	if err := db.InsertPolicyMatch(PolicyMatchRecord{PID: 7, ImageName: "badtool.exe", RuleName: "Known packer sample"}); err != nil {
		t.Fatalf("InsertPolicyMatch: %v", err)
	}

	recs, err := db.ListPolicyMatches(10)
	if err != nil {
		t.Fatalf("ListPolicyMatches: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].ImageName != "badtool.exe" || recs[0].RuleName != "Known packer sample" {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
}

func TestOpenIsReusableAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open (first): %v", err)
	}
	if err := db1.InsertDumpJob(DumpJobRecord{Sequence: 1, PID: 1}); err != nil {
		t.Fatalf("InsertDumpJob: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	defer db2.Close()

	recs, err := db2.ListDumpJobs(10)
	if err != nil {
		t.Fatalf("ListDumpJobs: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records after reopen, want 1", len(recs))
	}
}
