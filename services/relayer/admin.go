package relayer

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	processor *Processor
	store     *Store
	token     string
	router    chi.Router
}

// NewAdminServer constructs a server wrapping the provided processor.
// Every route except /healthz and /metrics requires the bearer token.
func NewAdminServer(processor *Processor, store *Store, token string) *AdminServer {
	s := &AdminServer{processor: processor, store: store, token: token}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(ops chi.Router) {
		ops.Use(s.requireToken)
		ops.Post("/pause", s.handlePause)
		ops.Post("/resume", s.handleResume)
		ops.Post("/retry", s.handleRetry)
		ops.Get("/status", s.handleStatus)
		ops.Get("/settlements/{tandaID}/{round}", s.handleSettlement)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if s.token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *AdminServer) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.processor.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.processor.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	done, err := s.processor.RetryFailed(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"settled": done})
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.processor.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

func (s *AdminServer) handleSettlement(w http.ResponseWriter, r *http.Request) {
	tandaID := strings.TrimPrefix(strings.ToLower(chi.URLParam(r, "tandaID")), "0x")
	if raw, err := hex.DecodeString(tandaID); err != nil || len(raw) != 32 {
		http.Error(w, "invalid tanda id", http.StatusBadRequest)
		return
	}
	round, err := strconv.ParseUint(chi.URLParam(r, "round"), 10, 64)
	if err != nil {
		http.Error(w, "invalid round", http.StatusBadRequest)
		return
	}
	settlement, err := s.store.Get(r.Context(), tandaID, round)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, settlement)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
