// Package server hosts the basketd operations endpoints: health, metrics,
// oracle health and critical saga resolution.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"basketchain/native/basket"
	"basketchain/native/oracle"
	"basketchain/services/basketd/recon"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	Auth          AuthConfig
}

// OracleStatus is the read side of the price cache.
type OracleStatus interface {
	Mode() oracle.Mode
	Health() []oracle.SymbolHealth
}

// SagaOperator lists and resolves critical sagas.
type SagaOperator interface {
	Critical(ctx context.Context) ([]basket.SagaRecord, error)
	Resolve(ctx context.Context, requestID, note string) (basket.SagaRecord, error)
}

// Server hosts the operations surface.
type Server struct {
	cfg    Config
	oracle OracleStatus
	sagas  SagaOperator
	logger *slog.Logger
	auth   *authenticator
	router http.Handler
}

// New constructs a new HTTP server.
func New(cfg Config, prices OracleStatus, sagas SagaOperator, logger *slog.Logger) (*Server, error) {
	if prices == nil {
		return nil, fmt.Errorf("oracle status required")
	}
	if sagas == nil {
		return nil, fmt.Errorf("saga operator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:    cfg,
		oracle: prices,
		sagas:  sagas,
		logger: logger.With("component", "ops-server"),
		auth:   newAuthenticator(cfg.Auth),
	}
	srv.router = srv.buildRouter()
	return srv, nil
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

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	// prices, upstream errors and fallback coverage are operator data
	r.With(s.auth.Middleware(ScopeRead)).Get("/oracle/health", s.handleOracleHealth)
	r.Route("/sagas", func(sagas chi.Router) {
		sagas.With(s.auth.Middleware(ScopeRead)).Get("/critical", s.handleCritical)
		sagas.With(s.auth.Middleware(ScopeResolve)).Post("/{requestID}/resolve", s.handleResolve)
	})
	return otelhttp.NewHandler(r, "basketd.ops")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("basketd: ops server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type oracleHealthResponse struct {
	Mode    string                `json:"mode"`
	Symbols []oracle.SymbolHealth `json:"symbols"`
}

func (s *Server) handleOracleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, oracleHealthResponse{
		Mode:    string(s.oracle.Mode()),
		Symbols: s.oracle.Health(),
	})
}

type stepView struct {
	Name        string `json:"name"`
	Succeeded   bool   `json:"succeeded"`
	Unconfirmed bool   `json:"unconfirmed,omitempty"`
	LedgerTxRef string `json:"ledgerTxRef,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Error       string `json:"error,omitempty"`
	At          string `json:"at"`
}

type sagaView struct {
	RequestID string     `json:"requestId"`
	Kind      string     `json:"kind"`
	TokenID   string     `json:"tokenId"`
	Requester string     `json:"requester"`
	Amount    string     `json:"amount"`
	State     string     `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	Note      string     `json:"note,omitempty"`
	UpdatedAt string     `json:"updatedAt"`
	Steps     []stepView `json:"steps"`
}

func newSagaView(rec basket.SagaRecord) sagaView {
	view := sagaView{
		RequestID: rec.RequestID,
		Kind:      string(rec.Kind),
		TokenID:   rec.TokenID,
		Requester: rec.Requester,
		Amount:    rec.Amount.String(),
		State:     string(rec.State),
		Reason:    rec.Reason,
		Note:      rec.Note,
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
		Steps:     make([]stepView, 0, len(rec.Steps)),
	}
	for _, step := range rec.Steps {
		sv := stepView{
			Name:        string(step.Name),
			Succeeded:   step.Succeeded,
			Unconfirmed: step.Unconfirmed,
			LedgerTxRef: string(step.LedgerTxRef),
			Error:       step.Error,
			At:          step.At.UTC().Format(time.RFC3339),
		}
		if !step.Amount.Equal(decimal.Zero) {
			sv.Amount = step.Amount.String()
		}
		view.Steps = append(view.Steps, sv)
	}
	return view
}

func (s *Server) handleCritical(w http.ResponseWriter, r *http.Request) {
	records, err := s.sagas.Critical(r.Context())
	if err != nil {
		s.logger.Error("list critical sagas", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list critical sagas")
		return
	}
	views := make([]sagaView, 0, len(records))
	for _, rec := range records {
		views = append(views, newSagaView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sagas": views})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	var body struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	rec, err := s.sagas.Resolve(r.Context(), requestID, body.Note)
	switch {
	case err == nil:
	case errors.Is(err, recon.ErrNoteRequired):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, basket.ErrSagaNotFound):
		writeError(w, http.StatusNotFound, "saga not found")
		return
	case errors.Is(err, basket.ErrNotCritical):
		writeError(w, http.StatusConflict, err.Error())
		return
	default:
		s.logger.Error("resolve saga", "requestId", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve saga")
		return
	}
	writeJSON(w, http.StatusOK, newSagaView(rec))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
