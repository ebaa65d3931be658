package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/action"
	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
	"github.com/Richardson2512/testlattice-backend-sub001/dispatcher"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/presence"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
	"github.com/Richardson2512/testlattice-backend-sub001/store"
)

// Server exposes the control plane over HTTP and WebSocket.
type Server struct {
	runs     *run.Service
	actions  *action.Service
	registry *presence.Registry
	dispatch *dispatcher.Dispatcher
	backend  store.Store
	metrics  *Metrics
	logger   *slog.Logger

	// baseCtx outlives individual requests; viewer sockets are bound to
	// it, not to the upgrade request's context.
	baseCtx context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBaseContext binds viewer socket lifetimes to ctx.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// NewServer wires the HTTP surface over the control-plane services.
func NewServer(
	runs *run.Service,
	actions *action.Service,
	registry *presence.Registry,
	dispatch *dispatcher.Dispatcher,
	backend store.Store,
	opts ...Option,
) *Server {
	s := &Server{
		runs:     runs,
		actions:  actions,
		registry: registry,
		dispatch: dispatch,
		backend:  backend,
		logger:   slog.Default(),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = NewMetrics(registry)
	return s
}

// Handler builds the chi router with all control-plane routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))
	r.Use(s.metrics.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/live", s.handleLive)
		r.Get("/", s.handleGetRun)
		r.Post("/dispatch", s.handleDispatch)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/approve", s.handleApprove)
		r.Post("/cancel", s.handleCancel)
		r.Post("/actions", s.handleEnqueueAction)
		r.Post("/actions/drain", s.handleDrainActions)
		r.Post("/status", s.handleReportStatus)
		r.Post("/steps", s.handleReportStep)
		r.Post("/stuck", s.handleReportStuck)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/poll", s.handlePollJobs)
		r.Post("/{jobID}/complete", s.handleCompleteJob)
		r.Post("/{jobID}/fail", s.handleFailJob)
	})

	return r
}

// ── viewer channel ──

// handleLive upgrades the request to a WebSocket, negotiates the wire
// format from the format query parameter, and attaches the viewer to
// the run's broadcast channel.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, lattice.ErrRunNotFound)
		return
	}
	codec := GetCodec(r.URL.Query().Get("format"))

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	sock := newSocket(conn, codec)
	handle := s.registry.Attach(s.baseCtx, runID, sock)
	s.logger.Info("viewer attached",
		slog.String("run_id", runID.String()),
		slog.String("viewer_id", handle.Record.ViewerID.String()),
		slog.String("codec", codec.Name()),
	)

	if sendErr := sock.SendEvent(broadcast.NewEvent(broadcast.KindConnected, runID.String(), map[string]string{
		"viewer_id": handle.Record.ViewerID.String(),
	})); sendErr != nil {
		s.detach(handle, sock)
		return
	}

	go s.readLoop(runID, handle, sock, conn)
}

func (s *Server) detach(handle *presence.Handle, sock *wsSocket) {
	s.registry.Detach(s.baseCtx, handle)
	_ = sock.Close() //nolint:errcheck // already tearing down
}

// readLoop consumes inbound frames until the socket dies. A malformed
// frame earns its sender an error event; only a transport error ends
// the session.
func (s *Server) readLoop(runID id.RunID, handle *presence.Handle, sock *wsSocket, conn net.Conn) {
	defer s.detach(handle, sock)

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		frame, err := sock.codec.DecodeFrame(data)
		if err != nil {
			s.metrics.MalformedFrame()
			sock.sendError(runID.String(), "malformed frame")
			continue
		}
		if err := frame.Validate(); err != nil {
			s.metrics.MalformedFrame()
			sock.sendError(runID.String(), err.Error())
			continue
		}
		s.handleFrame(runID, sock, frame)
	}
}

func (s *Server) handleFrame(runID id.RunID, sock *wsSocket, frame *Frame) {
	ctx := s.baseCtx
	s.metrics.Frame(string(frame.Type))

	switch frame.Type {
	case FramePause:
		if _, err := s.runs.Pause(ctx, runID); err != nil {
			sock.sendError(runID.String(), err.Error())
		}
	case FrameResume:
		if _, err := s.runs.Resume(ctx, runID); err != nil {
			sock.sendError(runID.String(), err.Error())
		}
	case FrameManualAction:
		if _, err := s.actions.Enqueue(ctx, runID, action.Kind(frame.Kind), frame.Selector, frame.Value); err != nil {
			sock.sendError(runID.String(), err.Error())
		}
	case FramePing:
		_ = sock.SendEvent(broadcast.NewEvent(broadcast.KindPong, runID.String(), nil)) //nolint:errcheck // reply is best-effort
	}
}

// ── run control ──

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, lattice.ErrRunNotFound)
		return
	}
	rn, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rn)
}

// handleDispatch submits a pending run's browser matrix to the job
// queues and flips the run to queued. An exhausted broker forces the
// run to failed before the error is surfaced; nothing was queued, so
// leaving it pending would strand it until the reaper.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, lattice.ErrRunNotFound)
		return
	}
	rn, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dispatch.Submit(r.Context(), rn); err != nil {
		if errors.Is(err, lattice.ErrBrokerUnavailable) {
			if _, failErr := s.runs.Fail(r.Context(), runID, "queue submission failed: broker unavailable"); failErr != nil {
				s.logger.Error("failing run after submit failure",
					slog.String("run_id", runID.String()),
					slog.String("error", failErr.Error()),
				)
			}
		}
		s.writeError(w, err)
		return
	}
	updated, err := s.runs.ReportStatus(r.Context(), runID, run.StatusQueued)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, updated)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.runControl(w, r, s.runs.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.runControl(w, r, s.runs.Resume)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.runControl(w, r, s.runs.Approve)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.runControl(w, r, s.runs.Cancel)
}

func (s *Server) runControl(w http.ResponseWriter, r *http.Request, op func(context.Context, id.RunID) (*run.Run, error)) {
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, lattice.ErrRunNotFound)
		return
	}
	rn, err := op(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rn)
}

// ── manual actions ──

type enqueueActionRequest struct {
	Kind     string `json:"kind"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

func (s *Server) handleEnqueueAction(w http.ResponseWriter, r *http.Request) {
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, lattice.ErrRunNotFound)
		return
	}
	var req enqueueActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	act, err := s.actions.Enqueue(r.Context(), runID, action.Kind(req.Kind), req.Selector, req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, act)
}

func (s *Server) handleDrainActions(w http.ResponseWriter, r *http.Request) {
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, lattice.ErrRunNotFound)
		return
	}
	acts, err := s.actions.Drain(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if acts == nil {
		acts = []*action.Action{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"actions": acts})
}

// ── worker reporting ──

type reportStatusRequest struct {
	Status run.Status `json:"status"`
}

func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, lattice.ErrRunNotFound)
		return
	}
	var req reportStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	rn, err := s.runs.ReportStatus(r.Context(), runID, req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rn)
}

type reportStepRequest struct {
	Step   int             `json:"step"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

func (s *Server) handleReportStep(w http.ResponseWriter, r *http.Request) {
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, lattice.ErrRunNotFound)
		return
	}
	var req reportStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := s.runs.ReportStep(r.Context(), runID, req.Step, req.Detail); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reportStuckRequest struct {
	Detail json.RawMessage `json:"detail,omitempty"`
}

func (s *Server) handleReportStuck(w http.ResponseWriter, r *http.Request) {
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, lattice.ErrRunNotFound)
		return
	}
	var req reportStuckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	rn, err := s.runs.ReportStuck(r.Context(), runID, req.Detail)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rn)
}

// ── worker pull ──

type pollJobsRequest struct {
	Queue string `json:"queue"`
	Limit int    `json:"limit"`
}

func (s *Server) handlePollJobs(w http.ResponseWriter, r *http.Request) {
	var req pollJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Queue == "" {
		req.Queue = dispatcher.QueueRuns
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}
	jobs, err := s.dispatch.Dequeue(r.Context(), req.Queue, req.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*dispatcher.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.dispatch.Complete(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

type failJobRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleFailJob(w http.ResponseWriter, r *http.Request) {
	var req failJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	j, err := s.dispatch.Fail(r.Context(), chi.URLParam(r, "jobID"), req.Error)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

// ── observability ──

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatsResponse is the control plane's operational snapshot.
type StatsResponse struct {
	LocalConnections  int   `json:"local_connections"`
	GlobalConnections int64 `json:"global_connections"`
	ActiveRuns        int64 `json:"active_runs"`
	QueuedJobs        int64 `json:"queued_jobs"`
	QueuedGuestJobs   int64 `json:"queued_guest_jobs"`
}

// handleStats reports local connection counts from the registry and
// fleet-wide counts from the shared store. Store outages degrade the
// global numbers to zero rather than failing the endpoint.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatsResponse{LocalConnections: s.registry.LocalCount()}

	if n, err := s.backend.CountPresence(ctx); err == nil {
		resp.GlobalConnections = n
	} else {
		s.logger.Warn("global connection count unavailable", slog.String("error", err.Error()))
	}
	if n, err := s.backend.CountPresenceRuns(ctx); err == nil {
		resp.ActiveRuns = n
	}
	if n, err := s.dispatch.Pending(ctx, dispatcher.QueueRuns); err == nil {
		resp.QueuedJobs = n
	}
	if n, err := s.dispatch.Pending(ctx, dispatcher.QueueGuest); err == nil {
		resp.QueuedGuestJobs = n
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ── helpers ──

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lattice.ErrRunNotFound),
		errors.Is(err, lattice.ErrJobNotFound),
		errors.Is(err, lattice.ErrViewerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lattice.ErrNotAllowed),
		errors.Is(err, lattice.ErrJobAlreadyExists),
		errors.Is(err, lattice.ErrRunTerminal):
		status = http.StatusConflict
	case errors.Is(err, lattice.ErrBrokerUnavailable):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
