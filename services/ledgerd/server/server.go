package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentmarket/observability"
	"agentmarket/services/ledgerd/audit"
	"agentmarket/services/ledgerd/bridge"
	"agentmarket/services/ledgerd/escrow"
	"agentmarket/services/ledgerd/ledger"
)

const defaultMaxBody = 1 << 20

// Config captures the dependencies required to construct the server.
type Config struct {
	Coordinator   *ledger.Coordinator
	Directory     *escrow.Directory
	Executor      *escrow.Executor
	Bridge        *bridge.Manager
	Recorder      audit.Recorder
	Authenticator *Authenticator
	RateLimiter   *RateLimiter
	MaxBodyBytes  int64
}

// Server exposes the ledger, escrow and bridge operations over HTTP.
type Server struct {
	coord     *ledger.Coordinator
	directory *escrow.Directory
	executor  *escrow.Executor
	bridge    *bridge.Manager
	recorder  audit.Recorder
	auth      *Authenticator
	limiter   *RateLimiter
	maxBody   int64

	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	s := &Server{
		coord:     cfg.Coordinator,
		directory: cfg.Directory,
		executor:  cfg.Executor,
		bridge:    cfg.Bridge,
		recorder:  cfg.Recorder,
		auth:      cfg.Authenticator,
		limiter:   cfg.RateLimiter,
		maxBody:   cfg.MaxBodyBytes,
	}
	if s.recorder == nil {
		s.recorder = audit.Nop{}
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBody
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		if s.auth != nil {
			api.Use(s.auth.Middleware)
		}
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}
		admin := RequireScope(ScopeAdmin)

		api.With(admin).Post("/ledger/credit", s.handleCredit)
		api.With(admin).Post("/ledger/debit", s.handleDebit)
		api.Post("/ledger/transfer", s.handleTransfer)

		api.Get("/wallets/{agent}/{coin}", s.handleBalance)
		api.Get("/wallets/{agent}/{coin}/entries", s.handleEntries)

		api.Get("/coins", s.handleListCoins)
		api.Get("/coins/{symbol}", s.handleGetCoin)
		api.With(admin).Put("/coins/{symbol}", s.handlePutCoin)

		api.Get("/services", s.handleListServices)
		api.Post("/services", s.handleRegisterService)
		api.Put("/services/{id}/active", s.handleSetServiceActive)
		api.Post("/services/{id}/execute", s.handleExecute)
		api.Get("/executions/{id}", s.handleGetExecution)

		api.Post("/bridge/transfers", s.handleCreateTransfer)
		api.With(admin).Get("/bridge/transfers", s.handleListPending)
		api.Get("/bridge/transfers/{id}", s.handleGetTransfer)
		api.With(admin).Post("/bridge/transfers/{id}/settle", s.handleSettle)
		api.With(admin).Post("/bridge/transfers/{id}/reject", s.handleReject)
	})
	return r
}

// observe records request metrics against the matched route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(routePattern(r), r.Method, status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return escrow.ErrPayloadTooLarge
		}
		if errors.Is(err, io.EOF) {
			return errBadRequest
		}
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func identity(r *http.Request) Identity {
	id, _ := IdentityFromContext(r.Context())
	return id
}

// canRead allows agents to read their own resources and admins to read any.
func canRead(id Identity, owners ...string) bool {
	if id.HasScope(ScopeAdmin) {
		return true
	}
	for _, owner := range owners {
		if owner != "" && owner == id.AgentID {
			return true
		}
	}
	return false
}

func parseID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		return uuid.Nil, errors.Join(errBadRequest, err)
	}
	return id, nil
}

func parseLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
