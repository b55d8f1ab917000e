package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tandachain/native/tanda"
	"tandachain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	metricsModule   = "tanda"
)

// Engine is the host surface the RPC server drives.
type Engine interface {
	Create(creator [20]byte, participants [][20]byte, contribution, guarantee *big.Int, vault *[20]byte) (tanda.Snapshot, [32]byte, error)
	DepositGuarantee(id [32]byte, participant [20]byte, amount *big.Int) error
	DepositPayment(id [32]byte, caller [20]byte, amount *big.Int) error
	DepositPaymentFor(id [32]byte, payer, beneficiary [20]byte, amount *big.Int) error
	PayoutRound(id [32]byte, caller [20]byte, withdrawal tanda.WithdrawalType) error
	Close(id [32]byte, capID [32]byte, caller [20]byte) error
	Get(id [32]byte) (tanda.Snapshot, error)
	Balance(addr [20]byte) (*big.Int, error)
	Faucet(addr [20]byte, amount *big.Int) error
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	EnableFaucet      bool
	MetricsPath       string
	Auth              AuthConfig
	RateLimit         RateLimit
}

// Server exposes the tanda engine over JSON-RPC and streams committed events
// over websocket.
type Server struct {
	engine  Engine
	hub     *Hub
	cfg     ServerConfig
	logger  *slog.Logger
	auth    *authenticator
	limiter *rateLimiter
	router  http.Handler
}

// NewServer wires the router. hub may be nil, in which case /ws/events is
// not mounted.
func NewServer(engine Engine, hub *Hub, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, errors.New("rpc: engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("rpc: %w", err)
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		engine:  engine,
		hub:     hub,
		cfg:     cfg,
		logger:  logger,
		auth:    auth,
		limiter: newRateLimiter(cfg.RateLimit),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle(s.cfg.MetricsPath, promhttp.Handler())
	r.Group(func(api chi.Router) {
		api.Use(s.limiter.Middleware)
		api.With(s.auth.Middleware).Post("/rpc", s.handle)
		if s.hub != nil {
			api.Get("/ws/events", s.hub.ServeHTTP)
		}
	})
	return otelhttp.NewHandler(r, "tanda-rpc")
}

// Serve runs the server on ln until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("rpc server listening", slog.String("addr", ln.Addr().String()))
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	defer func() {
		observability.ModuleMetrics().Observe(metricsModule, req.Method, rec.status, time.Since(start))
	}()

	switch req.Method {
	case "tanda_create":
		s.handleCreate(rec, r, req)
	case "tanda_depositGuarantee":
		s.handleDepositGuarantee(rec, r, req)
	case "tanda_depositPayment":
		s.handleDepositPayment(rec, r, req)
	case "tanda_depositPaymentFor":
		s.handleDepositPaymentFor(rec, r, req)
	case "tanda_payoutRound":
		s.handlePayoutRound(rec, r, req)
	case "tanda_close":
		s.handleClose(rec, r, req)
	case "tanda_get":
		s.handleGet(rec, r, req)
	case "tanda_balance":
		s.handleBalance(rec, r, req)
	case "tanda_faucet":
		if !s.cfg.EnableFaucet {
			writeError(rec, http.StatusNotFound, req.ID, codeMethodNotFound, "faucet disabled", nil)
			return
		}
		s.handleFaucet(rec, r, req)
	default:
		writeError(rec, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}
