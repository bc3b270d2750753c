// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api implements the thin HTTP/SSE front door: job
// submission, the per-run SSE progress stream, and report retrieval. The
// core (queue, scheduler, orchestrator) does all the real work; this
// package is deliberately a narrow adapter over it, the way the spec's own
// data flow diagram draws "HTTP handler -> Queue.enqueue(job)" as a single
// arrow.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	tsimerrors "grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/logging"
	"grimm.is/tsim/internal/orchestrator"
	"grimm.is/tsim/internal/progress"
	"grimm.is/tsim/internal/runstore"
	"grimm.is/tsim/internal/scheduler"
)

var log = logging.WithComponent("api")

// Server wires the HTTP surface to the queue and on-disk run state. It
// owns no goroutines of its own beyond the net/http server itself; the
// scheduler's leader loop runs independently.
type Server struct {
	router  *mux.Router
	queue   *scheduler.Queue
	dataDir string
}

// NewServer builds a Server and registers every route.
func NewServer(queue *scheduler.Queue, dataDir string) *Server {
	s := &Server{router: mux.NewRouter(), queue: queue, dataDir: dataDir}
	s.registerRoutes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.createJobHandler).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{run_id}/progress", s.progressHandler).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{run_id}/report", s.reportHandler).Methods(http.MethodGet)
}

// createJobRequest mirrors the job-submission fields verbatim.
type createJobRequest struct {
	SourceIP         string                    `json:"source_ip"`
	SourcePort       int                       `json:"source_port,omitempty"`
	DestIP           string                    `json:"dest_ip"`
	PortProtocolList []orchestrator.PortProto  `json:"port_protocol_list"`
	AnalysisMode     string                    `json:"analysis_mode"`
	Trace            *pathplanTrace            `json:"trace,omitempty"`
}

// pathplanTrace is the user-supplied trace JSON shape. Only its router list
// is read, to seed the scheduler job's RouterSet; it is not passed to the
// orchestrator, which still runs path discovery.
type pathplanTrace struct {
	Routers []string `json:"routers"`
}

type createJobResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, tsimerrors.Wrapf(err, tsimerrors.KindValidation, "decode request body"))
		return
	}

	mode, err := validateJobRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	runID := uuid.NewString()
	job := scheduler.Job{
		RunID:      runID,
		Mode:       mode,
		EnqueuedAt: time.Now(),
		Ports:      req.PortProtocolList,
		Params: orchestrator.Job{
			RunID:      runID,
			SourceIP:   req.SourceIP,
			SourcePort: req.SourcePort,
			DestIP:     req.DestIP,
			Ports:      req.PortProtocolList,
			Mode:       string(mode),
		},
	}
	if req.Trace != nil {
		job.RouterSet = req.Trace.Routers
	}

	if err := s.queue.Enqueue(job); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	log.Info("job enqueued", "run_id", runID, "mode", mode)
	writeJSON(w, http.StatusAccepted, createJobResponse{RunID: runID})
}

func validateJobRequest(req createJobRequest) (scheduler.Mode, error) {
	if net.ParseIP(req.SourceIP) == nil {
		return "", tsimerrors.Errorf(tsimerrors.KindValidation, "source_ip %q is not a valid IP", req.SourceIP)
	}
	if net.ParseIP(req.DestIP) == nil {
		return "", tsimerrors.Errorf(tsimerrors.KindValidation, "dest_ip %q is not a valid IP", req.DestIP)
	}
	if len(req.PortProtocolList) == 0 {
		return "", tsimerrors.New(tsimerrors.KindValidation, "port_protocol_list must not be empty")
	}
	for _, pp := range req.PortProtocolList {
		if pp.Proto != "tcp" && pp.Proto != "udp" {
			return "", tsimerrors.Errorf(tsimerrors.KindValidation, "unsupported protocol %q", pp.Proto)
		}
		if pp.Port <= 0 || pp.Port > 65535 {
			return "", tsimerrors.Errorf(tsimerrors.KindValidation, "port %d out of range", pp.Port)
		}
	}
	switch scheduler.Mode(req.AnalysisMode) {
	case scheduler.ModeQuick, scheduler.ModeDetailed:
		return scheduler.Mode(req.AnalysisMode), nil
	default:
		return "", tsimerrors.Errorf(tsimerrors.KindValidation, "unknown analysis_mode %q", req.AnalysisMode)
	}
}

// progressHandler streams the run's JSONL progress log as SSE.
func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, tsimerrors.New(tsimerrors.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	err := progress.Follow(r.Context(), s.dataDir, runID, func(ev progress.Event) bool {
		line, merr := json.Marshal(ev)
		if merr != nil {
			return true
		}
		w.Write([]byte("data: "))
		w.Write(line)
		w.Write([]byte("\n\n"))
		flusher.Flush()
		return true
	})
	if err != nil {
		log.Warn("progress stream ended", "run_id", runID, "err", err)
	}
}

// reportHandler serves the merged Report JSON, read back from
// <data_dir>/runs/<run_id>/report.json once the orchestrator has written it.
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	data, err := runstore.Read(s.dataDir, runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type apiError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
