// Package webui implements a minimal read-only status server over the
// store and process tracker, plain net/http with no framework, trimmed
// to what this project's operator needs: a live process list and recent
// dump/policy history.
package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jnesss/vmi-unpack/paging"
	"github.com/jnesss/vmi-unpack/store"
)

// ProcessList is the minimal view webui needs from the process tracker.
// Defined here rather than imported so this package does not depend on
// proctracker directly.
type ProcessList interface {
	List() []*paging.MP
}

// Server is the read-only status server.
type Server struct {
	records    *store.DB
	tracker    ProcessList
	listenAddr string

	mux *http.ServeMux
}

// New builds a Server. records or tracker may be nil; the corresponding
// routes then report an empty result instead of failing.
func New(records *store.DB, tracker ProcessList, listenAddr string) *Server {
	s := &Server{records: records, tracker: tracker, listenAddr: listenAddr, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/processes", s.debug(s.handleProcesses))
	s.mux.HandleFunc("/api/dumps", s.debug(s.handleDumps))
	s.mux.HandleFunc("/api/policy-matches", s.debug(s.handlePolicyMatches))
	return s
}

func (s *Server) debug(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Printf("webui: [%s] %s %s", time.Now().Format("15:04:05"), r.Method, r.URL.Path)
		h(w, r)
	}
}

// Start runs the server until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.listenAddr, Handler: s.mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("webui: shutdown error: %v", err)
		}
	}()

	log.Printf("webui: listening on %s", s.listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webui: serve: %w", err)
	}
	return nil
}

type processView struct {
	PID       uint64 `json:"pid"`
	ParentPID uint64 `json:"parent_pid"`
	ImageName string `json:"image_name"`
	Live      bool   `json:"live"`
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	var out []processView
	if s.tracker != nil {
		for _, mp := range s.tracker.List() {
			out = append(out, processView{
				PID:       uint64(mp.PID),
				ParentPID: uint64(mp.ParentPID),
				ImageName: mp.ImageName,
				Live:      mp.Live(),
			})
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleDumps(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeJSON(w, []store.DumpJobRecord{})
		return
	}
	jobs, err := s.records.ListDumpJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, jobs)
}

func (s *Server) handlePolicyMatches(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeJSON(w, []store.PolicyMatchRecord{})
		return
	}
	matches, err := s.records.ListPolicyMatches(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, matches)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("webui: failed to encode response: %v", err)
	}
}
