// Package httpapi is the HTTP surface over the admission gate, the session
// lifecycle and the quota ledger. Respondent endpoints are public; the
// authoring surface sits behind bearer tokens.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"fieldgate.org/internal/admission"
	"fieldgate.org/internal/expr"
	"fieldgate.org/internal/logic"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/quota"
	"fieldgate.org/internal/session"
	"fieldgate.org/internal/stream"
)

// ReadyProbe reports backing-store readiness (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	controller *admission.Controller
	manager    *session.Manager
	ledger     quota.Ledger
	stream     *stream.Stream

	resolverMu sync.RWMutex
	resolvers  map[string]*logic.Resolver // by survey id

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, controller *admission.Controller, manager *session.Manager, ledger quota.Ledger, completions *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		controller: controller,
		manager:    manager,
		ledger:     ledger,
		stream:     completions,
		resolvers:  make(map[string]*logic.Resolver),
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// respondent surface
	a.mux.HandleFunc("/v1/admissions", a.handleAdmissions)
	a.mux.HandleFunc("/v1/sessions/", a.handleSessionResource)
	a.mux.HandleFunc("/v1/stream", a.Stream)

	// authoring surface
	a.mux.HandleFunc("/v1/expressions/validate", a.handleExpressionValidate)
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetResolver installs the navigation resolver for a survey. Called at
// startup from seed data and whenever authoring republishes a survey.
func (a *API) SetResolver(surveyID string, r *logic.Resolver) {
	a.resolverMu.Lock()
	defer a.resolverMu.Unlock()
	a.resolvers[surveyID] = r
}

func (a *API) resolver(surveyID string) *logic.Resolver {
	a.resolverMu.RLock()
	defer a.resolverMu.RUnlock()
	return a.resolvers[surveyID]
}

// SetRateLimit overrides the per-IP rate limit before Handler is built.
func (a *API) SetRateLimit(burst, perSec int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSec > 0 {
		a.ratePerSec = perSec
	}
}

// Handler returns the http.Handler for the server with the full middleware
// chain applied.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fieldgate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "fieldgate-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	var exprErr *expr.Error
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrTerminal):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrTokenConsumed):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, logic.ErrNavigationCycle):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &exprErr):
		// A published rule that fails at runtime is an authoring defect,
		// not a server fault.
		obs.CountExprFailure(string(exprErr.Kind))
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
