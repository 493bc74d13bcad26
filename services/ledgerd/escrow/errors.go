package escrow

import (
	"errors"
	"fmt"

	"agentmarket/services/ledgerd/ledger"
)

var (
	// ErrServiceNotFound is returned when the service id is unknown.
	ErrServiceNotFound = errors.New("escrow: service not found")
	// ErrServiceInactive is returned when the owner disabled the service.
	ErrServiceInactive = errors.New("escrow: service inactive")
	// ErrInvalidService rejects malformed service registrations.
	ErrInvalidService = errors.New("escrow: invalid service")
	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("escrow: execution not found")
	// ErrPayloadTooLarge rejects request payloads above the configured cap.
	ErrPayloadTooLarge = errors.New("escrow: payload too large")
	// ErrInvalidPayload rejects request payloads that are not JSON.
	ErrInvalidPayload = errors.New("escrow: payload must be valid JSON")
)

func storageError(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range []error{ErrServiceNotFound, ErrServiceInactive, ErrInvalidService, ErrExecutionNotFound, ErrPayloadTooLarge, ErrInvalidPayload} {
		if errors.Is(err, target) {
			return err
		}
	}
	if ledger.IsBusinessError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
}
