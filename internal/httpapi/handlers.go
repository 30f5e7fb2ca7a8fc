// Package httpapi is the HTTP surface of the federation node: the
// operator/moderator API, the peer-facing federation endpoints, and the
// inbound platform event hooks.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fedguard.org/internal/config"
	"fedguard.org/internal/events"
	"fedguard.org/internal/federation"
	"fedguard.org/internal/ledger"
	"fedguard.org/internal/match"
	"fedguard.org/internal/obs"
	"fedguard.org/internal/platform"
	"fedguard.org/internal/rules"
	"fedguard.org/internal/scan"
	"fedguard.org/internal/workflow"
)

// ReadyProbe is a simple readiness check (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API wires the HTTP routes.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	cfg      *config.Reloader
	rules    rules.Store
	matcher  *match.Engine
	platform platform.Client
	ledger   ledger.Service
	fed      *federation.Engine
	wf       *workflow.Coordinator
	scanner  *scan.Scanner
	bus      *events.Bus
}

// Deps carries the service components the API exposes.
type Deps struct {
	Config   *config.Reloader
	Rules    rules.Store
	Matcher  *match.Engine
	Platform platform.Client
	Ledger   ledger.Service
	Fed      *federation.Engine
	WF       *workflow.Coordinator
	Scanner  *scan.Scanner
	Bus      *events.Bus
}

func New(rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		cfg:        deps.Config,
		rules:      deps.Rules,
		matcher:    deps.Matcher,
		platform:   deps.Platform,
		ledger:     deps.Ledger,
		fed:        deps.Fed,
		wf:         deps.WF,
		scanner:    deps.Scanner,
		bus:        deps.Bus,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// rules
	a.mux.HandleFunc("/v1/rules", a.handleRulesCollection)
	a.mux.HandleFunc("/v1/rules/test", a.handleRuleTest)
	a.mux.HandleFunc("/v1/rules/", a.handleRuleResource)

	// moderation
	a.mux.HandleFunc("/v1/moderation/ban", a.handleBan)
	a.mux.HandleFunc("/v1/moderation/unban", a.handleUnban)
	a.mux.HandleFunc("/v1/moderation/override", a.handleOverride)
	a.mux.HandleFunc("/v1/moderation/scan", a.handleScan)
	a.mux.HandleFunc("/v1/moderation/cases", a.handleCases)
	a.mux.HandleFunc("/v1/moderation/alerts", a.handleAlertChoice)
	a.mux.HandleFunc("/v1/moderation/contact", a.handleContact)

	// subjects
	a.mux.HandleFunc("/v1/subjects", a.handleSubjectSearch)
	a.mux.HandleFunc("/v1/subjects/", a.handleSubjectResource)
	a.mux.HandleFunc("/v1/stats", a.handleStats)

	// federation
	a.mux.HandleFunc("/v1/federation/decisions", a.handleDecisionDelivery)
	a.mux.HandleFunc("/v1/federation/backfill", a.handleBackfill)
	a.mux.HandleFunc("/v1/federation/sync", a.handleSync)

	// inbound platform events
	a.mux.HandleFunc("/v1/platform/join", a.handleJoin)
	a.mux.HandleFunc("/v1/platform/message", a.handleMessage)
	a.mux.HandleFunc("/v1/platform/audit", a.handleAuditEvent)

	// operator
	a.mux.HandleFunc("/v1/config/reload", a.handleConfigReload)
	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the instrumented, authenticated handler chain.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fedguard-api",
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
		"name":      "fedguard-api",
		"community": a.cfg.Current().CommunityID,
		"time":      time.Now().UTC().Format(time.RFC3339),
		"version":   a.version,
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

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrStale):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
