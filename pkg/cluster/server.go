package cluster

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/membership"
	"github.com/warpgrid/warpgrid/pkg/scheduler"
)

// Server answers cluster RPCs on the control plane.
type Server struct {
	membership *membership.Manager
	scheduler  *scheduler.Scheduler
	logger     zerolog.Logger
}

// NewServer creates a cluster RPC server. scheduler may be nil (no
// commands are delivered then).
func NewServer(member *membership.Manager, sched *scheduler.Scheduler) *Server {
	return &Server{
		membership: member,
		scheduler:  sched,
		logger:     log.WithComponent("cluster"),
	}
}

// Routes mounts the cluster RPC endpoints on a chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/join", s.handleJoin)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Post("/leave", s.handleLeave)
	r.Get("/members", s.handleMembers)
	return r
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.InvalidArgumentf("bad join request: %v", err))
		return
	}
	if req.Address == "" || req.Port == 0 {
		writeError(w, errdefs.InvalidArgumentf("join requires address and port"))
		return
	}

	nodeID, err := s.membership.Join(req.Address, req.Port, req.Labels, req.CapacityMemoryBytes, req.CapacityCPUWeight)
	if err != nil {
		writeError(w, err)
		return
	}

	members, err := s.membership.ListMembers()
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info().Str("node_id", nodeID).Int("members", len(members)).Msg("node joined via RPC")
	writeJSON(w, http.StatusOK, JoinResponse{
		NodeID:                nodeID,
		Members:               members,
		HeartbeatIntervalSecs: uint32(s.membership.HeartbeatInterval().Seconds()),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.InvalidArgumentf("bad heartbeat request: %v", err))
		return
	}

	acknowledged, err := s.membership.Heartbeat(req.NodeID, req.UsedMemoryBytes, req.UsedCPUWeight)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := HeartbeatResponse{Acknowledged: acknowledged}
	if acknowledged && s.scheduler != nil {
		for _, cmd := range s.scheduler.PendingCommands(req.NodeID) {
			resp.Commands = append(resp.Commands, Command{
				NodeID:      cmd.NodeID,
				CommandType: cmd.CommandType,
				PayloadJSON: cmd.PayloadJSON,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.InvalidArgumentf("bad leave request: %v", err))
		return
	}

	success, err := s.membership.Leave(req.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LeaveResponse{Success: success})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.membership.ListMembers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MembersResponse{Members: members})
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
