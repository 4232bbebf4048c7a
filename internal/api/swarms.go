package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/neurolov/swarmd/internal/domain"
)

// swarmRequest carries the caller's identity and declared capability.
// gpuScore is the member's compute power.
type swarmRequest struct {
	WalletAddress string  `json:"walletAddress"`
	GPUScore      float64 `json:"gpuScore"`
	Hardware      string  `json:"hardware,omitempty"`
}

func (req swarmRequest) identity(r *http.Request) string {
	if req.WalletAddress != "" {
		return req.WalletAddress
	}
	return r.Header.Get(actorHeader)
}

func (s *Server) handleListSwarms(w http.ResponseWriter, r *http.Request) {
	status := domain.SwarmStatus(r.URL.Query().Get("status"))
	swarms, err := s.svc.Swarms.ListSwarms(r.Context(), status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if swarms == nil {
		swarms = []domain.Swarm{}
	}
	writeJSON(w, http.StatusOK, swarms)
}

func (s *Server) handleGetSwarm(w http.ResponseWriter, r *http.Request) {
	sw, err := s.svc.Swarms.GetSwarm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleCreateSwarm(w http.ResponseWriter, r *http.Request) {
	var req swarmRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	sw, err := s.svc.Swarms.CreateSwarm(r.Context(), req.identity(r), req.GPUScore, req.Hardware)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.bind(req.identity(r), sw.ID)
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleJoinSwarm(w http.ResponseWriter, r *http.Request) {
	var req swarmRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	sw, err := s.svc.Swarms.JoinSwarm(r.Context(), chi.URLParam(r, "id"), req.identity(r), req.GPUScore, req.Hardware)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.bind(req.identity(r), sw.ID)
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleLeaveSwarm(w http.ResponseWriter, r *http.Request) {
	var req swarmRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	id := req.identity(r)
	if id == "" {
		s.writeDomainError(w, r, fmt.Errorf("%w: walletAddress is required", domain.ErrValidation))
		return
	}
	sw, err := s.svc.Swarms.LeaveSwarm(r.Context(), chi.URLParam(r, "id"), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.bind(id, "")
	writeJSON(w, http.StatusOK, sw)
}

// bind keeps a live session's swarm in step with REST membership changes.
func (s *Server) bind(identity, swarmID string) {
	if s.svc.Registry != nil {
		s.svc.Registry.Bind(identity, swarmID)
	}
}
