package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"trellis.org/internal/access"
	"trellis.org/internal/assignment"
	"trellis.org/internal/hierarchy"
	"trellis.org/internal/notify"
	"trellis.org/internal/obs"
	"trellis.org/internal/refcode"
)

// ReadyProbe — readiness check (e.g. DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the wiring for the HTTP layer.
type Config struct {
	Hierarchy   hierarchy.Service
	Codes       refcode.Service
	Assignments assignment.Service
	Access      *access.Service
	Financials  access.FinancialSource
	Stream      *notify.Stream
	ReadyProbe  ReadyProbe
	JWTSecret   []byte
	Version     string
	// RatePerSecond/RateBurst enable per-IP throttling when positive.
	RatePerSecond int
	RateBurst     int
}

// API — HTTP layer.
type API struct {
	mux         *http.ServeMux
	hierarchy   hierarchy.Service
	codes       refcode.Service
	assignments assignment.Service
	access      *access.Service
	financials  access.FinancialSource
	stream      *notify.Stream
	readyProbe  ReadyProbe
	jwtSecret   []byte
	version     string
	ratePerSec  int
	rateBurst   int
}

func New(cfg Config) *API {
	a := &API{
		mux:         http.NewServeMux(),
		hierarchy:   cfg.Hierarchy,
		codes:       cfg.Codes,
		assignments: cfg.Assignments,
		access:      cfg.Access,
		financials:  cfg.Financials,
		stream:      cfg.Stream,
		readyProbe:  cfg.ReadyProbe,
		jwtSecret:   cfg.JWTSecret,
		version:     cfg.Version,
		ratePerSec:  cfg.RatePerSecond,
		rateBurst:   cfg.RateBurst,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// public surface
	a.mux.HandleFunc("/v1/codes/validate", a.handleValidateCode)
	a.mux.HandleFunc("/v1/registrations", a.handleRegistrations)

	// recruitment codes
	a.mux.HandleFunc("/v1/codes", a.handleCodesCollection)
	a.mux.HandleFunc("/v1/codes/", a.handleCodeResource)

	// hierarchy
	a.mux.HandleFunc("/v1/hierarchy/move", a.handleMove)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	// work items and assignments
	a.mux.HandleFunc("/v1/work-items", a.handleWorkItemsCollection)
	a.mux.HandleFunc("/v1/work-items/", a.handleWorkItemResource)
	a.mux.HandleFunc("/v1/assignments", a.handleAssignments)

	// access checks
	a.mux.HandleFunc("/v1/access/check", a.handleAccessCheck)

	// server-sent events
	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = CORS(h)
	if a.ratePerSec > 0 && a.rateBurst > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "trellis-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "trellis-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
