package escrow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MaxResponseBytes caps how much of a webhook response body is retained.
const MaxResponseBytes = 1 << 20

// Request is one webhook invocation.
type Request struct {
	ExecutionID string
	URL         string
	Payload     []byte
	// Secret signs the payload when non-empty.
	Secret  string
	Timeout time.Duration
}

// Response is what the webhook answered.
type Response struct {
	StatusCode int
	Body       []byte
}

// Success reports whether the webhook answered with a 2xx status.
func (r Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Invoker calls a service webhook. Implementations must honour ctx and
// req.Timeout and must not retry.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// HTTPInvoker posts JSON payloads over HTTP.
type HTTPInvoker struct {
	client *http.Client
}

// NewHTTPInvoker constructs an invoker using an instrumented transport. A nil
// client selects a default one.
func NewHTTPInvoker(client *http.Client) *HTTPInvoker {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPInvoker{client: client}
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		return Response{}, fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ExecutionID != "" {
		httpReq.Header.Set("X-Execution-Id", req.ExecutionID)
	}
	if req.Secret != "" {
		httpReq.Header.Set("X-Webhook-Signature", signPayload(req.Secret, req.Payload))
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return Response{StatusCode: resp.StatusCode}, fmt.Errorf("read webhook response: %w", err)
	}
	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
