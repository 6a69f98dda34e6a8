package webui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jnesss/vmi-unpack/introspection"
	"github.com/jnesss/vmi-unpack/paging"
	"github.com/jnesss/vmi-unpack/store"
)

type stubTracker struct {
	procs []*paging.MP
}

func (s stubTracker) List() []*paging.MP { return s.procs }

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleProcessesReturnsTrackedList(t *testing.T) {
	mp := paging.NewMP(introspection.PID(10), 0, 0, 0, 0, "sample.exe")
	s := New(nil, stubTracker{procs: []*paging.MP{mp}}, ":0")

	rec := doGet(t, s, "/api/processes")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var out []processView
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 || out[0].PID != 10 || out[0].ImageName != "sample.exe" {
		t.Fatalf("unexpected process view: %+v", out)
	}
	if !out[0].Live {
		t.Fatal("expected freshly created MP to report Live=true")
	}
}

func TestHandleProcessesWithNilTrackerReturnsEmptyList(t *testing.T) {
	s := New(nil, nil, ":0")

	rec := doGet(t, s, "/api/processes")
	var out []processView
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("got %d processes, want 0", len(out))
	}
}

func TestHandleDumpsWithNilStoreReturnsEmptyList(t *testing.T) {
	s := New(nil, nil, ":0")

	rec := doGet(t, s, "/api/dumps")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out []store.DumpJobRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("got %d dumps, want 0", len(out))
	}
}

func TestHandleDumpsReturnsRecordedJobs(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()
	if err := db.InsertDumpJob(store.DumpJobRecord{Sequence: 3, PID: 99, SegmentCount: 2}); err != nil {
		t.Fatalf("InsertDumpJob: %v", err)
	}

	s := New(db, nil, ":0")
	rec := doGet(t, s, "/api/dumps")

	var out []store.DumpJobRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 || out[0].Sequence != 3 || out[0].PID != 99 {
		t.Fatalf("unexpected dump records: %+v", out)
	}
}

func TestHandlePolicyMatchesWithNilStoreReturnsEmptyList(t *testing.T) {
	s := New(nil, nil, ":0")

	rec := doGet(t, s, "/api/policy-matches")
	var out []store.PolicyMatchRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("got %d policy matches, want 0", len(out))
	}
}

func TestHandlePolicyMatchesReturnsRecordedMatches(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()
	if err := db.InsertPolicyMatch(store.PolicyMatchRecord{PID: 5, ImageName: "badtool.exe", RuleName: "Known packer sample"}); err != nil {
		t.Fatalf("InsertPolicyMatch: %v", err)
	}

	s := New(db, nil, ":0")
	rec := doGet(t, s, "/api/policy-matches")

	var out []store.PolicyMatchRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 || out[0].RuleName != "Known packer sample" {
		t.Fatalf("unexpected policy match records: %+v", out)
	}
}
