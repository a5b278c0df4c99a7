package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/persistence"
	"PerpLiquidator/internal/query"

	"github.com/gagliardetto/solana-go"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server wraps the gRPC server (health and reflection) and the HTTP/JSON
// status API served through a gRPC-Gateway mux.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	health        *health.Server
	grpcAddr      string
	httpAddr      string
	status        *query.StatusService
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	log           zerolog.Logger
}

// Deps holds everything the API surfaces read from.
type Deps struct {
	Status        *query.StatusService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Log           zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:    grpcServer,
		health:        healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		status:        deps.Status,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		log:           deps.Log,
	}
}

// SetServing flips the gRPC health status reported to load balancers.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP handler: the status API on a gateway mux plus
// liveness and readiness probes.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		pattern string
		name    string
		h       runtime.HandlerFunc
	}{
		{"/v1/status", "status", s.handleStatus},
		{"/v1/outcomes", "outcomes", s.handleOutcomes},
		{"/v1/accounts/{account}/margin", "margin", s.handleMargin},
	}
	for _, r := range routes {
		if err := mux.HandlePath(http.MethodGet, r.pattern, s.instrument(r.name, r.h)); err != nil {
			return nil, fmt.Errorf("register %s: %w", r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTP serves Handler on the HTTP address (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP status API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		h(w, r, params)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(name).Inc()
			s.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.status.Status(r.Context()))
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	f := persistence.OutcomeFilter{
		Account: q.Get("account"),
		State:   q.Get("state"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}

	resp, err := s.status.Outcomes(r.Context(), f)
	switch {
	case errors.Is(err, query.ErrJournalDisabled):
		writeError(w, http.StatusNotImplemented, err)
	case errors.Is(err, query.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		s.log.Error().Err(err).Msg("outcome query failed")
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key, err := solana.PublicKeyFromBase58(params["account"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account: %w", err))
		return
	}

	resp, err := s.status.AccountMargin(r.Context(), key)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrTransientRPC):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		s.log.Error().Err(err).Str("account", key.String()).Msg("margin query failed")
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
