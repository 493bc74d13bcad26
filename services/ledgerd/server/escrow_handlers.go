package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"agentmarket/services/ledgerd/escrow"
)

type executeRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var spec escrow.ServiceSpec
	if err := s.decode(w, r, &spec); err != nil {
		respondError(w, r, err)
		return
	}
	spec.OwnerAgentID = identity(r).AgentID
	service, err := s.directory.Register(r.Context(), spec)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newServiceView(service))
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.directory.ListByOwner(r.Context(), identity(r).AgentID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]serviceView, 0, len(services))
	for i := range services {
		views = append(views, newServiceView(&services[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": views})
}

// handleSetServiceActive lets the owner pause or resume a service. Other
// callers see the service as missing.
func (s *Server) handleSetServiceActive(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req activeRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Active == nil {
		respondError(w, r, fmt.Errorf("%w: active is required", errBadRequest))
		return
	}
	service, err := s.directory.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !canRead(identity(r), service.OwnerAgentID) {
		respondError(w, r, escrow.ErrServiceNotFound)
		return
	}
	service, err = s.directory.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newServiceView(service))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	serviceID, err := parseID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req executeRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	exec, err := s.executor.Execute(r.Context(), escrow.ExecuteRequest{
		Requester: identity(r).AgentID,
		ServiceID: serviceID,
		Payload:   req.Payload,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionView(exec))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	exec, err := s.executor.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !canRead(identity(r), exec.RequesterAgentID, exec.OwnerAgentID) {
		respondError(w, r, escrow.ErrExecutionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionView(exec))
}
