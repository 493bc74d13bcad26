package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"agentmarket/services/ledgerd/bridge"
	"agentmarket/services/ledgerd/escrow"
	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type harness struct {
	coord   *ledger.Coordinator
	handler http.Handler
}

func newHarness(t *testing.T, limiter *RateLimiter) *harness {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, storage.MemoryDSN(uuid.NewString()), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	coord := ledger.NewCoordinator(db)
	directory := escrow.NewDirectory(db)
	srv := New(Config{
		Coordinator:   coord,
		Directory:     directory,
		Executor:      escrow.NewExecutor(coord, directory, escrow.NewHTTPInvoker(nil)),
		Bridge:        bridge.NewManager(coord, db, bridge.Options{ReservedCoin: "AGR"}),
		Authenticator: NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "agentmarket"}),
		RateLimiter:   limiter,
	})
	return &harness{coord: coord, handler: srv.Handler()}
}

func token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   "agentmarket",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": strings.Join(scopes, " "),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(t *testing.T, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/metrics", "", "").Code)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/v1/wallets/alice/AGO", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/wallets/alice/AGO", "not-a-token", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"iss": "elsewhere",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	rec = h.do(t, http.MethodGet, "/v1/wallets/alice/AGO", wrongIssuer, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreditRequiresAdminScope(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"agent_id":"alice","coin":"AGO","amount":1000}`
	rec := h.do(t, http.MethodPost, "/v1/ledger/credit", token(t, "alice"), body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/ledger/credit", token(t, "ops", ScopeAdmin), body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res resultView
	decodeBody(t, rec, &res)
	require.Equal(t, int64(1000), res.BalanceCents)
	require.False(t, res.Duplicate)
}

func TestCreditReplayReturnsPriorEntry(t *testing.T) {
	h := newHarness(t, nil)
	admin := token(t, "ops", ScopeAdmin)
	body := `{"agent_id":"alice","coin":"AGO","amount":1000,"external_ref":"dep-1"}`
	first := h.do(t, http.MethodPost, "/v1/ledger/credit", admin, body)
	require.Equal(t, http.StatusCreated, first.Code)
	second := h.do(t, http.MethodPost, "/v1/ledger/credit", admin, body)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b resultView
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	require.True(t, b.Duplicate)
	require.Equal(t, a.Entry.ID, b.Entry.ID)

	balance, err := h.coord.Wallets().Balance(context.Background(), "alice", "AGO")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
}

func TestTransferUsesCallerAsSource(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.coord.Credit(context.Background(), ledger.Posting{AgentID: "alice", Coin: "AGO", Amount: 500})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/v1/ledger/transfer", token(t, "alice"), `{"to":"bob","coin":"AGO","amount":200}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/ledger/transfer", token(t, "alice"), `{"to":"bob","coin":"AGO","amount":1000}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/ledger/transfer", token(t, "alice"), `{"to":"alice","coin":"AGO","amount":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/ledger/transfer", token(t, "alice"), `{"to":"bob","coin":"AGO","amount":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/wallets/bob/AGO", token(t, "bob"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var bal balanceView
	decodeBody(t, rec, &bal)
	require.Equal(t, int64(200), bal.BalanceCents)
}

func TestExternalRefOfAnotherAgentConflicts(t *testing.T) {
	h := newHarness(t, nil)
	for _, agent := range []string{"alice", "mallory"} {
		_, err := h.coord.Credit(context.Background(), ledger.Posting{AgentID: agent, Coin: "AGO", Amount: 1000})
		require.NoError(t, err)
	}
	alice, mallory := token(t, "alice"), token(t, "mallory")

	rec := h.do(t, http.MethodPost, "/v1/ledger/transfer", alice, `{"to":"bob","coin":"AGO","amount":100,"external_ref":"inv-7"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/ledger/transfer", mallory, `{"to":"bob","coin":"AGO","amount":100,"external_ref":"inv-7"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.NotContains(t, rec.Body.String(), "alice")

	body := `{"kind":"cashout","coin":"AGO","amount":300,"destination_ref":"acct-alice","external_ref":"co-7"}`
	rec = h.do(t, http.MethodPost, "/v1/bridge/transfers", alice, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/bridge/transfers", mallory, `{"kind":"cashout","coin":"AGO","amount":300,"destination_ref":"acct-m","external_ref":"co-7"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.NotContains(t, rec.Body.String(), "acct-alice")

	rec = h.do(t, http.MethodPost, "/v1/ledger/transfer", mallory, `{"to":"bob","coin":"AGO","amount":1,"external_ref":"escrow-settle:x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	balance, err := h.coord.Wallets().Balance(context.Background(), "mallory", "AGO")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
}

func TestWalletReadsAreScopedToCaller(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/v1/wallets/alice/AGO", token(t, "mallory"), "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/wallets/alice/AGO/entries", token(t, "ops", ScopeAdmin), "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCoinLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	admin := token(t, "ops", ScopeAdmin)
	rec := h.do(t, http.MethodPut, "/v1/coins/usd", admin, `{"name":"US Dollar","decimals":2,"prefix":"$"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := h.coord.Credit(context.Background(), ledger.Posting{AgentID: "alice", Coin: "USD", Amount: 1234567})
	require.NoError(t, err)

	rec = h.do(t, http.MethodGet, "/v1/coins/USD", token(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var coin coinView
	decodeBody(t, rec, &coin)
	require.Equal(t, "US Dollar", coin.Name)
	require.Equal(t, int64(1234567), coin.Circulating)

	rec = h.do(t, http.MethodGet, "/v1/wallets/alice/USD", token(t, "alice"), "")
	var bal balanceView
	decodeBody(t, rec, &bal)
	require.Equal(t, "$12,345.67", bal.Formatted)

	rec = h.do(t, http.MethodGet, "/v1/coins/NOPE", token(t, "alice"), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteServiceOverHTTP(t *testing.T) {
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer webhook.Close()

	h := newHarness(t, nil)
	_, err := h.coord.Credit(context.Background(), ledger.Posting{AgentID: "alice", Coin: "AGOTEST", Amount: 10000})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/v1/services", token(t, "bob"),
		`{"name":"echo","endpoint_url":"`+webhook.URL+`","coin":"AGOTEST","price_cents":500}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var svc serviceView
	decodeBody(t, rec, &svc)
	require.Equal(t, "bob", svc.OwnerAgentID)

	rec = h.do(t, http.MethodPost, "/v1/services/"+svc.ID+"/execute", token(t, "alice"), `{"payload":{"q":"hi"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var exec executionView
	decodeBody(t, rec, &exec)
	require.Equal(t, "success", string(exec.Status))

	rec = h.do(t, http.MethodGet, "/v1/executions/"+exec.ID, token(t, "bob"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/v1/executions/"+exec.ID, token(t, "mallory"), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	balance, err := h.coord.Wallets().Balance(context.Background(), "bob", "AGOTEST")
	require.NoError(t, err)
	require.Equal(t, int64(500), balance)

	rec = h.do(t, http.MethodPost, "/v1/services/"+uuid.NewString()+"/execute", token(t, "alice"), `{"payload":{}}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/services/not-a-uuid/execute", token(t, "alice"), `{"payload":{}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceOwnerControls(t *testing.T) {
	h := newHarness(t, nil)
	bob := token(t, "bob")

	rec := h.do(t, http.MethodPost, "/v1/services", bob,
		`{"name":"free","endpoint_url":"https://svc.example/hook","coin":"AGO","price_cents":0}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var svc serviceView
	decodeBody(t, rec, &svc)
	require.True(t, svc.Active)

	rec = h.do(t, http.MethodGet, "/v1/services", bob, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Services []serviceView `json:"services"`
	}
	decodeBody(t, rec, &listed)
	require.Len(t, listed.Services, 1)

	rec = h.do(t, http.MethodGet, "/v1/services", token(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed.Services = nil
	decodeBody(t, rec, &listed)
	require.Empty(t, listed.Services)

	rec = h.do(t, http.MethodPut, "/v1/services/"+svc.ID+"/active", token(t, "alice"), `{"active":false}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodPut, "/v1/services/"+svc.ID+"/active", bob, `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPut, "/v1/services/"+svc.ID+"/active", bob, `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &svc)
	require.False(t, svc.Active)

	rec = h.do(t, http.MethodPost, "/v1/services/"+svc.ID+"/execute", token(t, "alice"), `{"payload":{}}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestBridgeLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.coord.Credit(context.Background(), ledger.Posting{AgentID: "alice", Coin: "AGO", Amount: 1000})
	require.NoError(t, err)
	_, err = h.coord.Credit(context.Background(), ledger.Posting{AgentID: "alice", Coin: "AGR", Amount: 1000})
	require.NoError(t, err)

	alice := token(t, "alice")
	admin := token(t, "ops", ScopeAdmin)

	rec := h.do(t, http.MethodPost, "/v1/bridge/transfers", alice, `{"kind":"cashout","coin":"AGR","amount":10,"destination_ref":"acct"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	body := `{"kind":"cashout","coin":"AGO","amount":300,"destination_ref":"acct-9","external_ref":"co-1"}`
	rec = h.do(t, http.MethodPost, "/v1/bridge/transfers", alice, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var transfer transferView
	decodeBody(t, rec, &transfer)

	rec = h.do(t, http.MethodPost, "/v1/bridge/transfers", alice, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/bridge/transfers/"+transfer.ID+"/reject", alice, `{"reason":"x"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/bridge/transfers", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/bridge/transfers/"+transfer.ID+"/reject", admin, `{"reason":"compliance"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &transfer)
	require.Equal(t, "rejected", string(transfer.Status))

	rec = h.do(t, http.MethodPost, "/v1/bridge/transfers/"+transfer.ID+"/settle", admin, "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/bridge/transfers/"+transfer.ID, alice, "")
	require.Equal(t, http.StatusOK, rec.Code)

	balance, err := h.coord.Wallets().Balance(context.Background(), "alice", "AGO")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
}

func TestRateLimitPerAgent(t *testing.T) {
	h := newHarness(t, NewRateLimiter(60, 2))
	alice := token(t, "alice")
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/wallets/alice/AGO", alice, "").Code)
	}
	require.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodGet, "/v1/wallets/alice/AGO", alice, "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/wallets/bob/AGO", token(t, "bob"), "").Code)
}

func TestStatusMapping(t *testing.T) {
	require.Equal(t, http.StatusServiceUnavailable, statusFor(ledger.ErrStorageUnavailable))
	require.Equal(t, http.StatusConflict, statusFor(bridge.ErrTransferFinalised))
	require.Equal(t, http.StatusForbidden, statusFor(bridge.ErrReservedCoinBlocked))
	require.Equal(t, http.StatusNotFound, statusFor(escrow.ErrServiceNotFound))
	require.Equal(t, http.StatusInternalServerError, statusFor(context.Canceled))
}
