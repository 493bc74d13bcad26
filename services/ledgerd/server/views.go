package server

import (
	"time"

	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/models"
)

type entryView struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	Coin        string            `json:"coin"`
	Type        models.EntryType  `json:"type"`
	AmountCents int64             `json:"amount_cents"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ExternalRef string            `json:"external_ref,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func newEntryView(e *models.LedgerEntry) *entryView {
	if e == nil {
		return nil
	}
	view := &entryView{
		ID:          e.UUID.String(),
		AgentID:     e.AgentID,
		Coin:        e.Coin,
		Type:        e.Type,
		AmountCents: e.AmountCents,
		Metadata:    e.Metadata,
		CreatedAt:   e.CreatedAt,
	}
	if e.ExternalRef != nil {
		view.ExternalRef = *e.ExternalRef
	}
	return view
}

type resultView struct {
	Entry        *entryView `json:"entry"`
	Counter      *entryView `json:"counter,omitempty"`
	BalanceCents int64      `json:"balance_cents"`
	Duplicate    bool       `json:"duplicate"`
}

func newResultView(res *ledger.Result) resultView {
	return resultView{
		Entry:        newEntryView(res.Entry),
		Counter:      newEntryView(res.Counter),
		BalanceCents: res.Balance,
		Duplicate:    res.Duplicate,
	}
}

type balanceView struct {
	AgentID      string `json:"agent_id"`
	Coin         string `json:"coin"`
	BalanceCents int64  `json:"balance_cents"`
	Formatted    string `json:"formatted,omitempty"`
}

type coinView struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Decimals    int    `json:"decimals"`
	Prefix      string `json:"prefix,omitempty"`
	Suffix      string `json:"suffix,omitempty"`
	Circulating int64  `json:"circulating_cents"`
}

type serviceView struct {
	ID           string `json:"id"`
	OwnerAgentID string `json:"owner_agent_id"`
	Name         string `json:"name"`
	EndpointURL  string `json:"endpoint_url"`
	Coin         string `json:"coin"`
	PriceCents   int64  `json:"price_cents"`
	TimeoutMS    int64  `json:"timeout_ms"`
	Active       bool   `json:"active"`
}

func newServiceView(s *models.Service) serviceView {
	return serviceView{
		ID:           s.ID.String(),
		OwnerAgentID: s.OwnerAgentID,
		Name:         s.Name,
		EndpointURL:  s.EndpointURL,
		Coin:         s.Coin,
		PriceCents:   s.PriceCents,
		TimeoutMS:    s.TimeoutMS,
		Active:       s.Active,
	}
}

type executionView struct {
	ID               string                 `json:"id"`
	ServiceID        string                 `json:"service_id"`
	RequesterAgentID string                 `json:"requester_agent_id"`
	OwnerAgentID     string                 `json:"owner_agent_id"`
	Coin             string                 `json:"coin"`
	PriceCents       int64                  `json:"price_cents"`
	Status           models.ExecutionStatus `json:"status"`
	StatusCode       int                    `json:"status_code,omitempty"`
	Response         string                 `json:"response,omitempty"`
	Error            string                 `json:"error,omitempty"`
	LatencyMS        int64                  `json:"latency_ms"`
	CreatedAt        time.Time              `json:"created_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

func newExecutionView(e *models.Execution) executionView {
	return executionView{
		ID:               e.UUID.String(),
		ServiceID:        e.ServiceID.String(),
		RequesterAgentID: e.RequesterAgentID,
		OwnerAgentID:     e.OwnerAgentID,
		Coin:             e.Coin,
		PriceCents:       e.PriceCents,
		Status:           e.Status,
		StatusCode:       e.StatusCode,
		Response:         e.Response,
		Error:            e.Error,
		LatencyMS:        e.LatencyMS,
		CreatedAt:        e.CreatedAt,
		CompletedAt:      e.CompletedAt,
	}
}

type transferView struct {
	ID             string                `json:"id"`
	Kind           models.TransferKind   `json:"kind"`
	FromAgentID    string                `json:"from_agent_id"`
	Coin           string                `json:"coin"`
	AmountCents    int64                 `json:"amount_cents"`
	ToInstanceID   string                `json:"to_instance_id,omitempty"`
	ToAgentID      string                `json:"to_agent_id,omitempty"`
	DestinationRef string                `json:"destination_ref,omitempty"`
	Status         models.TransferStatus `json:"status"`
	RejectReason   string                `json:"reject_reason,omitempty"`
	ExternalRef    string                `json:"external_ref,omitempty"`
	SettledBy      string                `json:"settled_by,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func newTransferView(t *models.BridgeTransfer) transferView {
	view := transferView{
		ID:             t.UUID.String(),
		Kind:           t.Kind,
		FromAgentID:    t.FromAgentID,
		Coin:           t.Coin,
		AmountCents:    t.AmountCents,
		ToInstanceID:   t.ToInstanceID,
		ToAgentID:      t.ToAgentID,
		DestinationRef: t.DestinationRef,
		Status:         t.Status,
		RejectReason:   t.RejectReason,
		SettledBy:      t.SettledBy,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.ExternalRef != nil {
		view.ExternalRef = *t.ExternalRef
	}
	return view
}
