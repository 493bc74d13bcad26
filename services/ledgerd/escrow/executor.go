package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"agentmarket/observability"
	"agentmarket/observability/logging"
	"agentmarket/services/ledgerd/audit"
	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/models"
)

const (
	// DefaultTimeout bounds webhook calls for services without their own timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxPayload caps the request payload accepted by Execute.
	DefaultMaxPayload = 256 << 10

	maxErrorLength = 512
)

// Ledger metadata types written by the executor.
const (
	TypeEscrowHold     = "escrow_hold"
	TypeServicePayment = "service_payment"
	TypeRefund         = "refund"
)

var tracer = otel.Tracer("ledgerd/escrow")

var errAlreadyFinal = errors.New("escrow: execution already final")

// ExecuteRequest asks to run a service on behalf of Requester.
type ExecuteRequest struct {
	Requester string
	ServiceID uuid.UUID
	Payload   json.RawMessage
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithDefaultTimeout overrides the webhook timeout used when a service has none.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMaxPayload overrides the request payload cap.
func WithMaxPayload(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxPayload = n
		}
	}
}

// WithClock overrides the executor clock.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRecorder installs the audit sink.
func WithRecorder(recorder audit.Recorder) ExecutorOption {
	return func(e *Executor) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// Executor runs paid service calls as a debit, webhook call and credit-or-refund saga.
type Executor struct {
	coord          *ledger.Coordinator
	directory      *Directory
	invoker        Invoker
	defaultTimeout time.Duration
	maxPayload     int
	now            func() time.Time
	metrics        *observability.EscrowMetrics
	recorder       audit.Recorder
}

// NewExecutor constructs an executor.
func NewExecutor(coord *ledger.Coordinator, directory *Directory, invoker Invoker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		coord:          coord,
		directory:      directory,
		invoker:        invoker,
		defaultTimeout: DefaultTimeout,
		maxPayload:     DefaultMaxPayload,
		now:            time.Now,
		metrics:        observability.Escrow(),
		recorder:       audit.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type outcome struct {
	success    bool
	statusCode int
	body       string
	errMsg     string
	reason     string
	latency    time.Duration
}

// Execute runs the service and returns the terminal execution. Webhook
// failures are reported through the execution status, not as errors.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*models.Execution, error) {
	ctx, span := tracer.Start(ctx, "escrow.execute")
	defer span.End()

	requester := strings.TrimSpace(req.Requester)
	if requester == "" {
		return nil, ledger.ErrInvalidAgent
	}
	payload := []byte(req.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if len(payload) > e.maxPayload {
		return nil, ErrPayloadTooLarge
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	service, err := e.directory.Get(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	if !service.Active {
		return nil, ErrServiceInactive
	}
	span.SetAttributes(
		attribute.String("escrow.service", service.ID.String()),
		attribute.String("escrow.coin", service.Coin),
		attribute.Int64("escrow.price", service.PriceCents),
	)

	exec, err := e.open(ctx, requester, service, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := e.invoke(ctx, exec, service, payload)

	// Compensation must complete even if the caller has gone away.
	settleCtx := context.WithoutCancel(ctx)
	if _, err := e.finalize(settleCtx, exec, result); err != nil {
		slog.ErrorContext(settleCtx, "execution left pending",
			slog.String("component", "escrow"),
			slog.String("execution", exec.UUID.String()),
			slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return e.Get(settleCtx, exec.UUID)
}

// Get loads an execution by uuid.
func (e *Executor) Get(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	var exec models.Execution
	err := e.directory.db.WithContext(ctx).Where("uuid = ?", id).Take(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return &exec, nil
}

// open debits the requester and inserts the pending execution in one unit.
func (e *Executor) open(ctx context.Context, requester string, service *models.Service, payload []byte) (*models.Execution, error) {
	exec := &models.Execution{
		UUID:             uuid.New(),
		RequesterAgentID: requester,
		ServiceID:        service.ID,
		OwnerAgentID:     service.OwnerAgentID,
		Coin:             service.Coin,
		PriceCents:       service.PriceCents,
		Status:           models.ExecutionPending,
		Request:          string(payload),
		CreatedAt:        e.now().UTC(),
	}
	err := e.coord.Run(ctx, func(u *ledger.Unit) error {
		if exec.PriceCents > 0 {
			_, err := u.Debit(ledger.Posting{
				AgentID:     requester,
				Coin:        exec.Coin,
				Amount:      exec.PriceCents,
				ExternalRef: "escrow-hold:" + exec.UUID.String(),
				Metadata: map[string]string{
					"type":      TypeEscrowHold,
					"execution": exec.UUID.String(),
					"service":   service.ID.String(),
				},
			})
			if err != nil {
				return err
			}
		}
		return u.DB().Create(exec).Error
	})
	if err != nil {
		return nil, storageError(err)
	}
	return exec, nil
}

func (e *Executor) invoke(ctx context.Context, exec *models.Execution, service *models.Service, payload []byte) outcome {
	timeout := e.defaultTimeout
	if service.TimeoutMS > 0 {
		timeout = time.Duration(service.TimeoutMS) * time.Millisecond
	}
	envelope, err := json.Marshal(map[string]any{
		"execution_id": exec.UUID.String(),
		"service_id":   service.ID.String(),
		"requester":    exec.RequesterAgentID,
		"payload":      json.RawMessage(payload),
	})
	if err != nil {
		return outcome{errMsg: err.Error(), reason: "encode_error"}
	}

	e.metrics.InFlight(1)
	defer e.metrics.InFlight(-1)
	start := e.now()
	resp, err := e.invoker.Invoke(ctx, Request{
		ExecutionID: exec.UUID.String(),
		URL:         service.EndpointURL,
		Payload:     envelope,
		Secret:      service.Secret,
		Timeout:     timeout,
	})
	latency := e.now().Sub(start)

	result := outcome{statusCode: resp.StatusCode, body: string(resp.Body), latency: latency}
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)):
		result.errMsg = "webhook timed out after " + timeout.String()
		result.reason = "timeout"
	case err != nil:
		result.errMsg = err.Error()
		result.reason = "transport_error"
	case !resp.Success():
		result.errMsg = fmt.Sprintf("webhook returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		result.reason = "status_" + strconv.Itoa(resp.StatusCode)
	default:
		result.success = true
	}
	e.metrics.ObserveWebhook(latency, result.success)
	slog.InfoContext(ctx, "webhook invoked",
		slog.String("component", "escrow"),
		slog.String("execution", exec.UUID.String()),
		logging.MaskURL("endpoint", service.EndpointURL),
		slog.Int("status_code", resp.StatusCode),
		slog.Bool("success", result.success),
		slog.Duration("latency", latency))
	return result
}

// finalize writes the terminal status together with the payout or refund.
// It reports false when another worker finalised the execution first.
func (e *Executor) finalize(ctx context.Context, exec *models.Execution, result outcome) (bool, error) {
	status := models.ExecutionFailed
	if result.success {
		status = models.ExecutionSuccess
	}
	completed := e.now().UTC()
	err := e.coord.Run(ctx, func(u *ledger.Unit) error {
		res := u.DB().Model(&models.Execution{}).
			Where("id = ? AND status = ?", exec.ID, models.ExecutionPending).
			Updates(map[string]any{
				"status":       status,
				"response":     result.body,
				"status_code":  result.statusCode,
				"error":        truncate(result.errMsg, maxErrorLength),
				"latency_ms":   result.latency.Milliseconds(),
				"completed_at": completed,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAlreadyFinal
		}
		if exec.PriceCents <= 0 {
			return nil
		}
		// The pending-only update above makes this credit happen once.
		posting := ledger.Posting{
			Coin:   exec.Coin,
			Amount: exec.PriceCents,
			Metadata: map[string]string{
				"execution": exec.UUID.String(),
				"service":   exec.ServiceID.String(),
			},
		}
		if result.success {
			posting.AgentID = exec.OwnerAgentID
			posting.Actor = exec.RequesterAgentID
			posting.Metadata["type"] = TypeServicePayment
			posting.Metadata["counterparty"] = exec.RequesterAgentID
		} else {
			posting.AgentID = exec.RequesterAgentID
			posting.Metadata["type"] = TypeRefund
			posting.Metadata["reason"] = result.reason
		}
		_, err := u.Credit(posting)
		return err
	})
	if errors.Is(err, errAlreadyFinal) {
		return false, nil
	}
	if err != nil {
		return false, storageError(err)
	}

	exec.Status = status
	e.metrics.RecordExecution(exec.Coin, string(status))
	if !result.success && exec.PriceCents > 0 {
		e.metrics.RecordRefund(exec.Coin, result.reason)
	}
	audit.Emit(ctx, e.recorder, audit.EventExecutionCompleted, exec.RequesterAgentID, exec.UUID.String(), map[string]string{
		"status":  string(status),
		"service": exec.ServiceID.String(),
		"coin":    exec.Coin,
		"price":   strconv.FormatInt(exec.PriceCents, 10),
	})
	slog.InfoContext(ctx, "execution completed",
		slog.String("component", "escrow"),
		slog.String("execution", exec.UUID.String()),
		slog.String("status", string(status)),
		slog.String("reason", result.reason))
	return true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
