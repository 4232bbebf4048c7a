package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/neurolov/swarmd/internal/domain"
)

// ─── Request Types ──────────────────────────────────────────────────────────

// createTaskRequest accepts either a full payload object or the flat
// {type, data} form.
type createTaskRequest struct {
	WalletAddress string               `json:"walletAddress"`
	Payload       *domain.Payload      `json:"payload,omitempty"`
	Type          string               `json:"type,omitempty"`
	Data          json.RawMessage      `json:"data,omitempty"`
	Requirements  *domain.Requirements `json:"requirements,omitempty"`
	Reward        int64                `json:"reward"`
}

func (req createTaskRequest) payload() domain.Payload {
	if req.Payload != nil {
		return *req.Payload
	}
	p := domain.Payload{Type: req.Type, Data: req.Data, Requirements: req.Requirements}
	if p.Type == "" {
		p.Type = domain.ComputeInference
	}
	return p
}

type assignTaskRequest struct {
	SwarmID string `json:"swarmId"`
}

type completeTaskRequest struct {
	Result        json.RawMessage `json:"result"`
	ComputeProof  string          `json:"computeProof"`
	WalletAddress string          `json:"walletAddress"`
}

type completeTaskResponse struct {
	Task          *domain.Task `json:"task"`
	SettlementRef string       `json:"settlementRef"`
}

// ─── Handlers ───────────────────────────────────────────────────────────────

// handleListTasks lists available tasks. ?status= selects another status.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := domain.TaskStatus(r.URL.Query().Get("status"))

	if status == "" || status == domain.TaskAvailable {
		seq, err := s.svc.Scheduler.Available(ctx)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		tasks := slices.Collect(seq)
		if tasks == nil {
			tasks = []domain.Task{}
		}
		writeJSON(w, http.StatusOK, tasks)
		return
	}

	if !status.Valid() {
		s.writeDomainError(w, r, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeDomainError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrValidation))
			return
		}
		limit = n
	}
	tasks, err := s.svc.Scheduler.ListTasks(ctx, status, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Scheduler.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	requester := req.WalletAddress
	if requester == "" {
		requester = r.Header.Get(actorHeader)
	}
	t, err := s.svc.Scheduler.CreateTask(r.Context(), requester, req.payload(), req.Reward)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req assignTaskRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if req.SwarmID == "" {
		s.writeDomainError(w, r, fmt.Errorf("%w: swarmId is required", domain.ErrValidation))
		return
	}
	t, err := s.svc.Scheduler.Assign(r.Context(), chi.URLParam(r, "id"), req.SwarmID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Scheduler.AssignBestFit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleCompleteTask verifies and records a result. A settlement failure
// still reports the completed task alongside the error.
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	t, ref, err := s.svc.Scheduler.Complete(r.Context(), chi.URLParam(r, "id"),
		req.Result, req.ComputeProof, req.WalletAddress)
	if err != nil {
		if domain.KindOf(err) == domain.KindSettlement && t != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"task": t,
				"error": map[string]any{
					"kind":    domain.KindSettlement,
					"message": err.Error(),
				},
			})
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completeTaskResponse{Task: t, SettlementRef: ref})
}

func (s *Server) handleRequeueTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Scheduler.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
