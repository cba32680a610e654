// Package api exposes stored briefings over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"xchain-radar/internal/briefing"
	"xchain-radar/internal/flows"
	"xchain-radar/internal/metrics"
)

// BriefingService is the subset of the pipeline the query surface needs.
type BriefingService interface {
	GetOrCompute(ctx context.Context, day time.Time, chain string, compute bool) (briefing.Briefing, bool, error)
}

// HealthFunc reports readiness of backing stores. Nil means always healthy.
type HealthFunc func(ctx context.Context) error

// Options configure the server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       float64
	RateBurst       int
	ComputeOnMiss   bool
}

// Server routes briefing queries.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	briefings  BriefingService
	health     HealthFunc
	metrics    *metrics.Recorder
	opts       Options
	logger     zerolog.Logger
}

// NewServer wires routes and middleware. recorder may be nil.
func NewServer(briefings BriefingService, health HealthFunc, recorder *metrics.Recorder, opts Options, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{
		router:    mux.NewRouter(),
		briefings: briefings,
		health:    health,
		metrics:   recorder,
		opts:      opts,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	s.router.Use(recoveryMiddleware(s.logger))
	s.router.Use(instrumentMiddleware(s.metrics, s.logger))
	s.router.Use(rateLimitMiddleware(newLimiter(s.opts.RateLimit, s.opts.RateBurst)))

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/briefing", s.handleBriefing).Methods(http.MethodGet, http.MethodPost)

	s.httpServer = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting api server")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("shutting down api server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	return nil
}

// BriefingResponse is the wire form of a briefing.
type BriefingResponse struct {
	Day              string          `json:"day"`
	Chain            string          `json:"chain"`
	ModelID          string          `json:"model"`
	SummaryText      string          `json:"summary_text"`
	HasAnomaly       bool            `json:"has_anomaly"`
	EvidenceRowCount int             `json:"evidence_row_count"`
	Fallback         bool            `json:"fallback"`
	Computed         bool            `json:"computed"`
	CreatedAt        *time.Time      `json:"created_at,omitempty"`
	Evidence         json.RawMessage `json:"evidence,omitempty"`
}

type briefingRequest struct {
	Day   string `json:"day"`
	Chain string `json:"chain"`
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	req, err := parseBriefingRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	var day time.Time
	if req.Day != "" {
		day, err = flows.ParseDay(req.Day)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_DAY", err.Error())
			return
		}
	}

	b, computed, err := s.briefings.GetOrCompute(r.Context(), day, req.Chain, s.opts.ComputeOnMiss)
	if err != nil {
		status, code := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("day", req.Day).Str("chain", req.Chain).Msg("briefing request failed")
		}
		respondError(w, status, code, publicMessage(status, code, err))
		return
	}

	resp := BriefingResponse{
		Day:              b.DayString(),
		Chain:            b.Chain,
		ModelID:          b.ModelID,
		SummaryText:      b.SummaryText,
		HasAnomaly:       b.HasAnomaly,
		EvidenceRowCount: b.EvidenceRowCount,
		Fallback:         b.Fallback,
		Computed:         computed,
		Evidence:         b.EvidenceJSON,
	}
	if !b.CreatedAt.IsZero() {
		created := b.CreatedAt.UTC()
		resp.CreatedAt = &created
	}
	respondJSON(w, http.StatusOK, resp)
}

// parseBriefingRequest reads day and chain from the query string, then from a JSON body.
func parseBriefingRequest(r *http.Request) (briefingRequest, error) {
	q := r.URL.Query()
	req := briefingRequest{Day: q.Get("day"), Chain: q.Get("chain")}
	if r.Method != http.MethodPost || r.Body == nil {
		return req, nil
	}

	var body briefingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return briefingRequest{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	if req.Day == "" {
		req.Day = strings.TrimSpace(body.Day)
	}
	if req.Chain == "" {
		req.Chain = strings.TrimSpace(body.Chain)
	}
	return req, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "service": "xchain-radar"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "xchain-radar"})
}
