/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap request log (info <400, warn 4xx, error >=500)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the HR frontend

ROUTE GROUPS:
  /api/employees/*        Clock actions, history, charges
  /api/charges/*          Charge lifecycle
  /api/rules/*            Attendance and escalation rules
  /api/shift-assignments  Explicit shift assignments
  /api/sites              Office geofences
  /api/admin/*            Manual sweep
  /api/audit              Audit trail
  /healthz                Liveness

SECURITY NOTE:
  No authentication middleware. The actor header is trusted as given.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, allowOrigins []string, logger *zap.Logger) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/employees", func(r chi.Router) {
			r.Post("/", h.CreateEmployee)
			r.Post("/{id}/clock-in", h.ClockIn)
			r.Post("/{id}/clock-out", h.ClockOut)
			r.Get("/{id}/events", h.ListEvents)
			r.Get("/{id}/shift", h.GetShift)
			r.Get("/{id}/charges", h.ListCharges)
			r.Post("/{id}/violations", h.ReportViolation)
			r.Post("/{id}/field-trips", h.StartFieldTrip)
		})

		r.Patch("/charges/{id}", h.UpdateCharge)

		r.Route("/rules", func(r chi.Router) {
			r.Post("/attendance", h.SaveAttendanceRule)
			r.Get("/attendance/active", h.GetActiveRule)
			r.Post("/escalation", h.SaveEscalationRule)
		})

		r.Post("/shift-assignments", h.SaveShiftAssignment)
		r.Post("/sites", h.SaveSite)

		r.Post("/admin/sweep", h.TriggerSweep)
		r.Get("/audit", h.ListAudit)
	})

	return r
}

// RequestLogger logs one line per request at a level chosen by status.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("actor", r.Header.Get(ActorHeader)),
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request", fields...)
				default:
					logger.Info("request", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
