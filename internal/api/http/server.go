package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAudit "github.com/facility-hub/facility-hub/internal/application/audit"
	appAuth "github.com/facility-hub/facility-hub/internal/application/auth"
	appBooking "github.com/facility-hub/facility-hub/internal/application/booking"
	appCatalog "github.com/facility-hub/facility-hub/internal/application/catalog"
	appLedger "github.com/facility-hub/facility-hub/internal/application/ledger"
	"github.com/facility-hub/facility-hub/internal/application/synchronizer"
	appUser "github.com/facility-hub/facility-hub/internal/application/user"
	"github.com/facility-hub/facility-hub/internal/infrastructure/replication"
	"github.com/facility-hub/facility-hub/internal/infrastructure/sse"
)

// Cluster is the replication node behind /v1/cluster.
type Cluster interface {
	Status() replication.Status
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
}

// Deps lists the services the HTTP layer calls.
type Deps struct {
	Bookings            *appBooking.Service
	Catalog             *appCatalog.Service
	Ledger              *appLedger.Service
	Users               *appUser.Service
	Auth                *appAuth.Service
	Audit               *appAudit.Service
	Sync                *synchronizer.Service
	Hub                 *sse.Hub
	Cluster             Cluster
	Metrics             http.Handler
	SessionCookieName   string
	SessionCookieSecure bool
	Logger              zerolog.Logger
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	bookingSvc          *appBooking.Service
	catalogSvc          *appCatalog.Service
	ledgerSvc           *appLedger.Service
	userSvc             *appUser.Service
	authSvc             *appAuth.Service
	auditSvc            *appAudit.Service
	syncSvc             *synchronizer.Service
	sseHub              *sse.Hub
	cluster             Cluster
	metrics             http.Handler
	sessionCookieName   string
	sessionCookieSecure bool
	logger              zerolog.Logger
}

func NewServer(d Deps) *Server {
	if d.SessionCookieName == "" {
		d.SessionCookieName = "facility_session"
	}
	return &Server{
		bookingSvc:          d.Bookings,
		catalogSvc:          d.Catalog,
		ledgerSvc:           d.Ledger,
		userSvc:             d.Users,
		authSvc:             d.Auth,
		auditSvc:            d.Audit,
		syncSvc:             d.Sync,
		sseHub:              d.Hub,
		cluster:             d.Cluster,
		metrics:             d.Metrics,
		sessionCookieName:   d.SessionCookieName,
		sessionCookieSecure: d.SessionCookieSecure,
		logger:              d.Logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/login", s.login)
			r.Post("/bootstrap", s.bootstrapAdmin)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Post("/logout", s.logout)
				r.Get("/me", s.me)
			})
		})

		r.Route("/cluster", func(r chi.Router) {
			r.Get("/status", s.clusterStatus)
			r.Post("/join", s.clusterJoin)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))

				r.Route("/bookings", func(r chi.Router) {
					r.Post("/", s.createBooking)
					r.Get("/", s.listBookings)
					r.Get("/{bookingId}", s.getBooking)
					r.Post("/{bookingId}/approve", s.approveBooking)
					r.Post("/{bookingId}/reject", s.rejectBooking)
					r.Post("/{bookingId}/cancel", s.cancelBooking)
					r.Post("/{bookingId}/complete", s.completeBooking)
					r.Post("/{bookingId}/reschedule", s.rescheduleBooking)
				})

				r.Route("/categories", func(r chi.Router) {
					r.Post("/", s.createCategory)
					r.Get("/", s.listCategories)
					r.Get("/{categoryId}", s.getCategory)
					r.Put("/{categoryId}", s.updateCategory)
					r.Delete("/{categoryId}", s.deleteCategory)
					r.Post("/{categoryId}/machines", s.createMachine)
				})

				r.Route("/machines", func(r chi.Router) {
					r.Get("/", s.listMachines)
					r.Get("/{machineId}", s.getMachine)
					r.Patch("/{machineId}", s.updateMachine)
					r.Delete("/{machineId}", s.deleteMachine)
				})

				r.Route("/ledger", func(r chi.Router) {
					r.Get("/{userId}", s.getBalance)
					r.Get("/{userId}/can-afford", s.canAfford)
					r.Post("/{userId}/grants", s.grantTokens)
				})

				r.Route("/users", func(r chi.Router) {
					r.Post("/", s.createUser)
					r.Get("/", s.listUsers)
					r.Get("/{userId}", s.getUser)
					r.Put("/{userId}/role", s.changeUserRole)
					r.Put("/{userId}/password", s.setUserPassword)
				})

				r.Route("/audit", func(r chi.Router) {
					r.Get("/", s.queryAudit)
					r.Get("/{auditId}", s.getAudit)
					r.Get("/{auditId}/verify", s.verifyAudit)
					r.Get("/entities/{entityType}/{entityId}", s.entityHistory)
				})

				r.Get("/sync/snapshot", s.syncSnapshot)
			})

			r.Get("/sync/stream", s.syncStream)
		})
	})
	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorBody{Error: code, Message: message})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func optionalQuery(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}
