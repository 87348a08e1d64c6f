package managementapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/meridian-iot/policycore/internal/core/ports"
	"github.com/meridian-iot/policycore/internal/core/services/onboarding"
	"github.com/meridian-iot/policycore/internal/core/services/orchestrator"
	"github.com/meridian-iot/policycore/internal/core/services/reporting"
)

var tracer = otel.Tracer("policycore/managementapi")

// Server exposes the §6 administrative surface over HTTP plus a websocket
// push channel, routed with gorilla/mux following the teacher's handler
// layout (internal/adapters/web/server).
type Server struct {
	addr   string
	store  ports.IdentityStore
	trust  ports.TrustScorer
	ca     ports.CertificateAuthority
	onboard *onboarding.Coordinator
	orch    *orchestrator.Orchestrator
	bus     ports.EventBus
	report  *reporting.Generator
	auth    *AuthGate
	hub     *WSHub

	httpServer *http.Server
}

// New builds a Server. auth is pre-provisioned by the caller with the
// configured administrator credentials.
func New(addr string, store ports.IdentityStore, trust ports.TrustScorer, ca ports.CertificateAuthority, onboard *onboarding.Coordinator, orch *orchestrator.Orchestrator, bus ports.EventBus, report *reporting.Generator, auth *AuthGate) *Server {
	return &Server{
		addr:    addr,
		store:   store,
		trust:   trust,
		ca:      ca,
		onboard: onboard,
		orch:    orch,
		bus:     bus,
		report:  report,
		auth:    auth,
		hub:     newWSHub(),
	}
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler())

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(func(next http.Handler) http.Handler {
		return s.requireAuth(next.ServeHTTP)
	})

	protected.HandleFunc("/pending-devices", s.handleListPending).Methods(http.MethodGet)
	protected.HandleFunc("/pending-devices/{device_id}/approve", s.handleApprove).Methods(http.MethodPost)
	protected.HandleFunc("/pending-devices/{device_id}/reject", s.handleReject).Methods(http.MethodPost)
	protected.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	protected.HandleFunc("/devices/{device_id}", s.handleGetDevice).Methods(http.MethodGet)
	protected.HandleFunc("/devices/{device_id}/revoke", s.handleRevoke).Methods(http.MethodPost)
	protected.HandleFunc("/devices/{device_id}/reactivate", s.handleReactivate).Methods(http.MethodPost)
	protected.HandleFunc("/devices/{device_id}/trust", s.handleGetTrustScore).Methods(http.MethodGet)
	protected.HandleFunc("/devices/{device_id}/trust/history", s.handleGetTrustHistory).Methods(http.MethodGet)
	protected.HandleFunc("/devices/{device_id}/policy", s.handleGetPolicy).Methods(http.MethodGet)
	protected.HandleFunc("/devices/{device_id}/baseline", s.handleGetBaseline).Methods(http.MethodGet)
	protected.HandleFunc("/devices/{device_id}/finalize-onboarding", s.handleFinalizeOnboarding).Methods(http.MethodPost)
	protected.HandleFunc("/decisions/audit", s.handleDecisionsAudit).Methods(http.MethodGet)
	protected.HandleFunc("/decisions/audit.pdf", s.handleDecisionsAuditPDF).Methods(http.MethodGet)
	protected.HandleFunc("/topology", s.handleTopology).Methods(http.MethodGet)

	r.Handle("/ws", s.requireAuth(s.hub.handle))
	return r
}

// Run starts the HTTP server and the websocket event pump until ctx is
// cancelled, mirroring the teacher's Server.Run/graceful-shutdown shape.
func (s *Server) Run(ctx context.Context) error {
	s.hub.pump(ctx, s.bus)

	s.httpServer = &http.Server{Addr: s.addr, Handler: s.router()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
