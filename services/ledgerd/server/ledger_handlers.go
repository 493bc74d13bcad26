package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentmarket/services/ledgerd/audit"
	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/models"
)

type postingRequest struct {
	AgentID     string            `json:"agent_id"`
	Coin        string            `json:"coin"`
	Amount      int64             `json:"amount"`
	ExternalRef string            `json:"external_ref"`
	Metadata    map[string]string `json:"metadata"`
}

type transferRequest struct {
	To          string            `json:"to"`
	Coin        string            `json:"coin"`
	Amount      int64             `json:"amount"`
	ExternalRef string            `json:"external_ref"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	s.handlePosting(w, r, s.coord.Credit)
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	s.handlePosting(w, r, s.coord.Debit)
}

func (s *Server) handlePosting(w http.ResponseWriter, r *http.Request, apply func(context.Context, ledger.Posting) (*ledger.Result, error)) {
	var req postingRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := apply(r.Context(), ledger.Posting{
		AgentID:     req.AgentID,
		Coin:        req.Coin,
		Amount:      req.Amount,
		ExternalRef: req.ExternalRef,
		Metadata:    req.Metadata,
		Actor:       identity(r).AgentID,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, statusForResult(res), newResultView(res))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := s.decode(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	caller := identity(r).AgentID
	res, err := s.coord.Transfer(r.Context(), ledger.TransferRequest{
		From:        caller,
		To:          req.To,
		Coin:        req.Coin,
		Amount:      req.Amount,
		ExternalRef: req.ExternalRef,
		Metadata:    req.Metadata,
		Actor:       caller,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, statusForResult(res), newResultView(res))
}

func statusForResult(res *ledger.Result) int {
	if res.Duplicate {
		return http.StatusOK
	}
	return http.StatusCreated
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if !canRead(identity(r), agent) {
		writeError(w, http.StatusForbidden, "cannot read another agent's wallet")
		return
	}
	coin, err := ledger.NormalizeSymbol(chi.URLParam(r, "coin"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	balance, err := s.coord.Wallets().Balance(r.Context(), agent, coin)
	if err != nil {
		respondError(w, r, err)
		return
	}
	view := balanceView{AgentID: agent, Coin: coin, BalanceCents: balance}
	meta, err := s.coord.Coins().Get(r.Context(), coin)
	switch {
	case err == nil:
		view.Formatted = s.coord.Coins().Format(*meta, balance)
	case !errors.Is(err, ledger.ErrCoinNotFound):
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if !canRead(identity(r), agent) {
		writeError(w, http.StatusForbidden, "cannot read another agent's wallet")
		return
	}
	entries, err := s.coord.Journal().Entries(r.Context(), agent, chi.URLParam(r, "coin"), parseLimit(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]*entryView, 0, len(entries))
	for i := range entries {
		views = append(views, newEntryView(&entries[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (s *Server) handleListCoins(w http.ResponseWriter, r *http.Request) {
	coins, err := s.coord.Coins().List(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]coinView, 0, len(coins))
	for _, coin := range coins {
		views = append(views, newCoinView(&coin, 0))
	}
	writeJSON(w, http.StatusOK, map[string]any{"coins": views})
}

func (s *Server) handleGetCoin(w http.ResponseWriter, r *http.Request) {
	coin, err := s.coord.Coins().Get(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	circulating, err := s.coord.Coins().Circulating(r.Context(), coin.Symbol)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCoinView(coin, circulating))
}

func (s *Server) handlePutCoin(w http.ResponseWriter, r *http.Request) {
	var spec ledger.CoinSpec
	if err := s.decode(w, r, &spec); err != nil {
		respondError(w, r, err)
		return
	}
	spec.Symbol = chi.URLParam(r, "symbol")
	coin, err := s.coord.Coins().Register(r.Context(), spec)
	if err != nil {
		respondError(w, r, err)
		return
	}
	audit.Emit(r.Context(), s.recorder, audit.EventCoinUpdated, identity(r).AgentID, coin.Symbol, map[string]string{
		"name":   coin.Name,
		"prefix": coin.Prefix,
		"suffix": coin.Suffix,
	})
	writeJSON(w, http.StatusOK, newCoinView(coin, 0))
}

func newCoinView(c *models.Coin, circulating int64) coinView {
	return coinView{
		Symbol:      c.Symbol,
		Name:        c.Name,
		Decimals:    c.Decimals,
		Prefix:      c.Prefix,
		Suffix:      c.Suffix,
		Circulating: circulating,
	}
}
