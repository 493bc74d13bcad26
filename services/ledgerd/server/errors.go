package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"agentmarket/services/ledgerd/bridge"
	"agentmarket/services/ledgerd/escrow"
	"agentmarket/services/ledgerd/ledger"
)

var errBadRequest = errors.New("invalid request body")

type errorBody struct {
	Error string `json:"error"`
}

var statusByError = []struct {
	err    error
	status int
}{
	{errBadRequest, http.StatusBadRequest},
	{ledger.ErrInvalidAmount, http.StatusBadRequest},
	{ledger.ErrInvalidCoin, http.StatusBadRequest},
	{ledger.ErrInvalidAgent, http.StatusBadRequest},
	{ledger.ErrInvalidReference, http.StatusBadRequest},
	{ledger.ErrInvalidTransfer, http.StatusBadRequest},
	{escrow.ErrInvalidService, http.StatusBadRequest},
	{escrow.ErrInvalidPayload, http.StatusBadRequest},
	{bridge.ErrInvalidKind, http.StatusBadRequest},
	{bridge.ErrDestinationRequired, http.StatusBadRequest},
	{bridge.ErrReasonRequired, http.StatusBadRequest},
	{escrow.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
	{ledger.ErrInsufficientBalance, http.StatusConflict},
	{ledger.ErrDuplicateExternalRef, http.StatusConflict},
	{ledger.ErrBalanceOverflow, http.StatusConflict},
	{bridge.ErrTransferFinalised, http.StatusConflict},
	{escrow.ErrServiceInactive, http.StatusConflict},
	{ledger.ErrCoinNotFound, http.StatusNotFound},
	{escrow.ErrServiceNotFound, http.StatusNotFound},
	{escrow.ErrExecutionNotFound, http.StatusNotFound},
	{bridge.ErrTransferNotFound, http.StatusNotFound},
	{bridge.ErrReservedCoinBlocked, http.StatusForbidden},
	{ledger.ErrStorageUnavailable, http.StatusServiceUnavailable},
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	for _, candidate := range statusByError {
		if errors.Is(err, candidate.err) {
			return candidate.status
		}
	}
	return http.StatusInternalServerError
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		slog.ErrorContext(r.Context(), "request failed",
			slog.String("component", "server"),
			slog.String("route", routePattern(r)),
			slog.String("error", err.Error()))
		message = "internal error"
	case http.StatusServiceUnavailable:
		slog.WarnContext(r.Context(), "storage unavailable",
			slog.String("component", "server"),
			slog.String("route", routePattern(r)),
			slog.String("error", err.Error()))
		message = ledger.ErrStorageUnavailable.Error()
	}
	writeError(w, status, message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
