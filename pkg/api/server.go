// Package api serves the control-plane HTTP API: deployments, instances,
// nodes, metrics, and rollouts, with Kubernetes-style verbs. Bodies are
// the persisted deployment specification format; error kinds map onto
// HTTP status codes.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/events"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/manager"
	"github.com/warpgrid/warpgrid/pkg/membership"
	"github.com/warpgrid/warpgrid/pkg/metrics"
	"github.com/warpgrid/warpgrid/pkg/source"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// Server is the control-plane HTTP API.
type Server struct {
	cluster    *manager.Manager
	membership *membership.Manager
	rollouts   *rolloutTracker
	logger     zerolog.Logger
}

// NewServer creates the API server.
func NewServer(cluster *manager.Manager, member *membership.Manager) *Server {
	return &Server{
		cluster:    cluster,
		membership: member,
		rollouts:   newRolloutTracker(cluster),
		logger:     log.WithComponent("api"),
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/namespaces/{namespace}/deployments", func(r chi.Router) {
			r.Get("/", s.handleListDeployments)
			r.Post("/", s.handleCreateDeployment)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetDeployment)
				r.Put("/", s.handleUpdateDeployment)
				r.Delete("/", s.handleDeleteDeployment)
				r.Get("/instances", s.handleDeploymentInstances)
				r.Get("/metrics", s.handleDeploymentMetrics)
				r.Post("/rollout", s.handleRollout)
			})
		})

		r.Get("/instances", s.handleListInstances)
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Get("/{id}", s.handleGetNode)
			r.Delete("/{id}", s.handleRemoveNode)
			r.Post("/{id}/drain", s.handleDrainNode)
		})

		r.Post("/raft/join", s.handleRaftJoin)
		r.Get("/raft/stats", s.handleRaftStats)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// requireLeader rejects writes on followers with a redirect hint.
func (s *Server) requireLeader(w http.ResponseWriter) bool {
	if s.cluster.IsLeader() {
		return true
	}
	writeError(w, errdefs.Unavailablef("not the leader; redirect to %s", s.cluster.LeaderAddr()))
	return false
}

// ── Deployments ───────────────────────────────────────────────────

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	all, err := s.cluster.ListDeployments()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*types.DeploymentSpec, 0)
	for _, d := range all {
		if d.Namespace == namespace {
			out = append(out, d)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// validateSpec runs structural validation plus the source-URI and
// cron-schedule checks performed at admission time.
func validateSpec(spec *types.DeploymentSpec) error {
	if err := spec.Validate(); err != nil {
		return errdefs.InvalidArgumentf("%v", err)
	}
	if _, err := source.Parse(spec.Source); err != nil {
		return err
	}
	if spec.Trigger.Type == types.TriggerCron {
		if _, err := cron.ParseStandard(spec.Trigger.Schedule); err != nil {
			return errdefs.InvalidArgumentf("bad cron schedule %q: %v", spec.Trigger.Schedule, err)
		}
	}
	if spec.Health != nil {
		for _, d := range []string{spec.Health.Interval, spec.Health.Timeout} {
			if _, err := time.ParseDuration(d); err != nil {
				return errdefs.InvalidArgumentf("bad duration %q in health config", d)
			}
		}
	}
	return nil
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	namespace := chi.URLParam(r, "namespace")

	var spec types.DeploymentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, errdefs.InvalidArgumentf("bad deployment spec: %v", err))
		return
	}
	spec.Namespace = namespace
	if spec.ID == "" {
		spec.ID = spec.Key()
	}
	if err := validateSpec(&spec); err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.cluster.GetDeployment(spec.Key()); err == nil {
		writeError(w, errdefs.Conflictf("deployment %s already exists", spec.Key()))
		return
	}

	now := time.Now().Unix()
	spec.CreatedAt = now
	spec.UpdatedAt = now

	if err := s.cluster.PutDeployment(&spec); err != nil {
		writeError(w, err)
		return
	}
	s.cluster.PublishEvent(&events.Event{
		Type:     events.EventDeploymentCreated,
		Message:  "deployment " + spec.Key() + " created",
		Metadata: map[string]string{"deployment_id": spec.Key()},
	})
	writeJSON(w, http.StatusCreated, &spec)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	key := types.DeploymentKey(chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))
	spec, err := s.cluster.GetDeployment(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleUpdateDeployment(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	key := types.DeploymentKey(chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))

	existing, err := s.cluster.GetDeployment(key)
	if err != nil {
		writeError(w, err)
		return
	}

	var spec types.DeploymentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, errdefs.InvalidArgumentf("bad deployment spec: %v", err))
		return
	}
	spec.Namespace = existing.Namespace
	spec.Name = existing.Name
	spec.ID = existing.ID
	spec.CreatedAt = existing.CreatedAt
	spec.UpdatedAt = time.Now().Unix()
	if err := validateSpec(&spec); err != nil {
		writeError(w, err)
		return
	}

	if err := s.cluster.PutDeployment(&spec); err != nil {
		writeError(w, err)
		return
	}
	s.cluster.PublishEvent(&events.Event{
		Type:     events.EventDeploymentUpdated,
		Message:  "deployment " + key + " updated",
		Metadata: map[string]string{"deployment_id": key},
	})
	writeJSON(w, http.StatusOK, &spec)
}

func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	key := types.DeploymentKey(chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))

	if _, err := s.cluster.GetDeployment(key); err != nil {
		writeError(w, err)
		return
	}

	// Undeploy removes the spec and every instance record.
	instances, err := s.cluster.ListInstancesByDeployment(key)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, inst := range instances {
		if err := s.cluster.DeleteInstance(inst.Key()); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.cluster.DeleteDeployment(key); err != nil {
		writeError(w, err)
		return
	}

	s.cluster.PublishEvent(&events.Event{
		Type:     events.EventDeploymentDeleted,
		Message:  "deployment " + key + " deleted",
		Metadata: map[string]string{"deployment_id": key},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeploymentInstances(w http.ResponseWriter, r *http.Request) {
	key := types.DeploymentKey(chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))
	instances, err := s.cluster.ListInstancesByDeployment(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleDeploymentMetrics(w http.ResponseWriter, r *http.Request) {
	key := types.DeploymentKey(chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))
	snaps, err := s.cluster.Store().ListMetricsByDeployment(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// ── Instances & nodes ─────────────────────────────────────────────

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.cluster.ListInstances()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	members, err := s.membership.ListMembers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	member, err := s.membership.GetMember(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	existed, err := s.membership.Leave(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !existed {
		writeError(w, errdefs.NotFoundf("node %s", chi.URLParam(r, "id")))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDrainNode(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	id := chi.URLParam(r, "id")
	node, err := s.cluster.GetNode(id)
	if err != nil {
		writeError(w, err)
		return
	}
	node.Draining = true
	if err := s.cluster.PutNode(node); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// ── Raft ──────────────────────────────────────────────────────────

type raftJoinRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

func (s *Server) handleRaftJoin(w http.ResponseWriter, r *http.Request) {
	var req raftJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.InvalidArgumentf("bad raft join request: %v", err))
		return
	}
	if err := s.cluster.AddVoter(req.NodeID, req.Address); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRaftStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cluster.Stats())
}

// ── Events ────────────────────────────────────────────────────────

// handleEvents streams cluster events as NDJSON until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errdefs.InvalidArgumentf("streaming unsupported"))
		return
	}

	sub := s.cluster.EventBroker().Subscribe()
	defer s.cluster.EventBroker().Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub:
			if !open {
				return
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), errorBody{Error: err.Error()})
}
