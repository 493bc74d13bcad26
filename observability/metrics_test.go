package observability

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestErrorReasonUsesInnermostError(t *testing.T) {
	sentinel := errors.New("ledger: storage unavailable")
	wrapped := fmt.Errorf("%w: connection reset", sentinel)
	require.Equal(t, "ledger: storage unavailable", errorReason(wrapped))
	require.Equal(t, "ledger: storage unavailable", errorReason(fmt.Errorf("credit: %w", wrapped)))
}

func TestLabelCoin(t *testing.T) {
	require.Equal(t, "AGO", labelCoin(" ago "))
	require.Equal(t, "UNKNOWN", labelCoin(""))
}

func TestLedgerObserveCountsOutcomes(t *testing.T) {
	m := Ledger()
	before := testutil.ToFloat64(m.requests.WithLabelValues("metrics-test", "error"))
	m.Observe("metrics-test", time.Millisecond, errors.New("boom"))
	m.Observe("metrics-test", time.Millisecond, nil)
	require.Equal(t, before+1, testutil.ToFloat64(m.requests.WithLabelValues("metrics-test", "error")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues("metrics-test", "boom")))
}

func TestRecordVolumeIgnoresNonPositive(t *testing.T) {
	m := Ledger()
	m.RecordVolume("VOLTEST", "credit", 0)
	m.RecordVolume("VOLTEST", "credit", 250)
	require.Equal(t, float64(250), testutil.ToFloat64(m.volume.WithLabelValues("VOLTEST", "credit")))
}

func TestNilRegistriesAreSafe(t *testing.T) {
	var l *LedgerMetrics
	l.Observe("x", time.Second, nil)
	var e *EscrowMetrics
	e.InFlight(1)
	var b *BridgeMetrics
	b.RecordBlocked("AGO")
}
