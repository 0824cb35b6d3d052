package broker

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nevindra/conduit"
	"github.com/nevindra/conduit/storage"
)

// Server is the HTTP transport veneer over a Broker (spec §6). It maps
// each endpoint 1:1 onto a Broker method; none of the scheduling logic
// lives here.
type Server struct {
	broker *Broker
	router *mux.Router
}

// NewServer builds a Server wired to broker.
func NewServer(b *Broker) *Server {
	s := &Server{broker: b, router: mux.NewRouter()}
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/worker/register", s.handleRegisterWorker).Methods(http.MethodPost)
	s.router.HandleFunc("/worker/keep-alive", s.handleKeepAlive).Methods(http.MethodPost)
	s.router.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	s.router.HandleFunc("/workflows", s.handleWorkflows).Methods(http.MethodGet)
	s.router.HandleFunc("/workflow/dispatch", s.handleDispatch).Methods(http.MethodPost)
	s.router.HandleFunc("/workflow/step", s.handleGetStep).Methods(http.MethodGet)
	s.router.HandleFunc("/workflow/step", s.handleReportStep).Methods(http.MethodPost)
	s.router.HandleFunc("/repository/register", s.handleRegisterRepository).Methods(http.MethodPost)
	s.router.HandleFunc("/repository", s.handleRepository).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": http.StatusText(status), "detail": err.Error()})
}

// statusForError maps a core error kind to its HTTP status, per spec §6:
// "Errors use 4xx with {error, detail}." An error of no recognized kind,
// such as a storage failure, maps to 500.
func statusForError(err error) int {
	var schemaConflict *conduit.SchemaConflictError
	var inputValidation *conduit.InputValidationError
	var lease *conduit.LeaseError
	var graph *conduit.GraphConstructionError
	switch {
	case errors.As(err, &schemaConflict):
		return http.StatusConflict
	case errors.As(err, &inputValidation):
		return http.StatusBadRequest
	case errors.As(err, &lease):
		return http.StatusConflict
	case errors.As(err, &graph):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var schemas []conduit.WorkflowSchema
	if err := json.NewDecoder(r.Body).Decode(&schemas); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.broker.RegisterWorker(r.Context(), schemas)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.broker.KeepAlive(r.Context(), body.WorkerID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Workers())
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Schemas())
}

// dispatchRequest is the wire form of `{workflow, inputs}` (spec §6): the
// workflow identity pair plus the workflow_inputs bag.
type dispatchRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Version    int            `json:"version"`
	Inputs     map[string]any `json:"inputs"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	instanceID, err := s.broker.Dispatch(r.Context(), req.WorkflowID, req.Version, conduit.Inputs(req.Inputs))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, instanceID)
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing worker_id"))
		return
	}
	assignment, err := s.broker.GetStep(r.Context(), workerID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if assignment == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleReportStep(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing worker_id"))
		return
	}
	var report StepReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.broker.ReportStep(r.Context(), workerID, report); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterRepository(w http.ResponseWriter, r *http.Request) {
	var info RepositoryInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.broker.RegisterRepository(r.Context(), info); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRepository(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing name"))
		return
	}
	info, err := s.broker.Repository(r.Context(), name)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
