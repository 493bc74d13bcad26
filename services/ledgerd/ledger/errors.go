package ledger

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrInvalidAmount rejects non-positive amounts before any transaction is opened.
	ErrInvalidAmount = errors.New("ledger: amount must be a positive integer")
	// ErrInvalidCoin rejects empty or malformed coin symbols.
	ErrInvalidCoin = errors.New("ledger: invalid coin symbol")
	// ErrInvalidAgent rejects empty agent identifiers.
	ErrInvalidAgent = errors.New("ledger: agent id required")
	// ErrInvalidReference rejects external references that are too long or use a reserved prefix.
	ErrInvalidReference = errors.New("ledger: invalid external reference")
	// ErrInvalidTransfer rejects transfers whose source and destination match.
	ErrInvalidTransfer = errors.New("ledger: source and destination must differ")
	// ErrInsufficientBalance is returned when a debit would drive a balance negative.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrBalanceOverflow is returned when a credit would exceed the representable balance.
	ErrBalanceOverflow = errors.New("ledger: balance overflow")
	// ErrCoinNotFound is returned for unknown coin symbols on read paths.
	ErrCoinNotFound = errors.New("ledger: coin not found")
	// ErrDuplicateExternalRef reports a (coin, external_ref) collision that could not be
	// replayed: the reference belongs to another agent or direction, or was hit inside a Run unit.
	ErrDuplicateExternalRef = errors.New("ledger: external reference already used")
	// ErrStorageUnavailable wraps persistence failures. Nothing was committed; retrying is safe.
	ErrStorageUnavailable = errors.New("ledger: storage unavailable")
)

var businessErrors = []error{
	ErrInvalidAmount,
	ErrInvalidCoin,
	ErrInvalidAgent,
	ErrInvalidReference,
	ErrInvalidTransfer,
	ErrInsufficientBalance,
	ErrBalanceOverflow,
	ErrCoinNotFound,
	ErrDuplicateExternalRef,
	ErrStorageUnavailable,
}

// IsBusinessError reports whether err is one of the ledger's classified errors.
func IsBusinessError(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// classify passes business errors through and wraps everything else as
// ErrStorageUnavailable. Callers that define their own sentinels list them in keep.
func classify(err error, keep ...error) error {
	if err == nil {
		return nil
	}
	if IsBusinessError(err) {
		return err
	}
	for _, target := range keep {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// IsUniqueViolation reports whether err came from a unique index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
