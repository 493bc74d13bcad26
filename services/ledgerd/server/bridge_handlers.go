package server

import (
	"net/http"

	"agentmarket/services/ledgerd/bridge"
	"agentmarket/services/ledgerd/models"
)

type createTransferRequest struct {
	Kind           models.TransferKind `json:"kind"`
	Coin           string              `json:"coin"`
	Amount         int64               `json:"amount"`
	ToInstanceID   string              `json:"to_instance_id"`
	ToAgentID      string              `json:"to_agent_id"`
	DestinationRef string              `json:"destination_ref"`
	ExternalRef    string              `json:"external_ref"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	transfer, created, err := s.bridge.Create(r.Context(), bridge.CreateRequest{
		Kind:           req.Kind,
		FromAgentID:    identity(r).AgentID,
		Coin:           req.Coin,
		Amount:         req.Amount,
		ToInstanceID:   req.ToInstanceID,
		ToAgentID:      req.ToAgentID,
		DestinationRef: req.DestinationRef,
		ExternalRef:    req.ExternalRef,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, newTransferView(transfer))
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	transfer, err := s.bridge.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !canRead(identity(r), transfer.FromAgentID) {
		respondError(w, r, bridge.ErrTransferNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newTransferView(transfer))
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.bridge.ListPending(r.Context(), parseLimit(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]transferView, 0, len(transfers))
	for i := range transfers {
		views = append(views, newTransferView(&transfers[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": views})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	transfer, err := s.bridge.Settle(r.Context(), id, identity(r).AgentID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransferView(transfer))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req rejectRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	transfer, err := s.bridge.Reject(r.Context(), id, req.Reason, identity(r).AgentID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransferView(transfer))
}
