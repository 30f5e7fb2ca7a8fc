package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"fedguard.org/internal/audit"
	"fedguard.org/internal/auth"
	"fedguard.org/internal/ids"
	"fedguard.org/internal/match"
	"fedguard.org/internal/rules"
)

type addRuleRequest struct {
	Scope       string   `json:"scope"`
	Kind        string   `json:"kind"`
	Pattern     string   `json:"pattern"`
	CommunityID string   `json:"community_id,omitempty"`
	Contexts    []string `json:"contexts,omitempty"`
}

type testRuleRequest struct {
	Kind    string `json:"kind"`
	Pattern string `json:"pattern"`
	Sample  string `json:"sample"`
}

func (a *API) handleRulesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listRules(w, r)
	case http.MethodPost:
		a.addRule(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRuleResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/rules/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getRule(w, r, id)
	case http.MethodDelete:
		a.removeRule(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	community := actorCommunity(r.Context(), r.URL.Query().Get("community_id"))
	list, err := a.rules.List(r.Context(), community)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request, id string) {
	rule, err := a.rules.Get(r.Context(), id)
	if err != nil {
		handleRuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) addRule(w http.ResponseWriter, r *http.Request) {
	if err := requirePermission(r.Context(), auth.PermRuleWrite); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	var req addRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	scope := rules.Scope(req.Scope)
	if scope == rules.ScopeGlobal {
		if err := requirePermission(r.Context(), auth.PermRuleWriteGlobal); err != nil {
			writeError(w, r, http.StatusForbidden, "global rules require operator role")
			return
		}
	}
	community := req.CommunityID
	if scope == rules.ScopeCommunity {
		community = actorCommunity(r.Context(), req.CommunityID)
	}

	contexts := make([]rules.Context, 0, len(req.Contexts))
	for _, c := range req.Contexts {
		contexts = append(contexts, rules.Context(c))
	}
	actorID, _ := auth.ActorIDFromContext(r.Context())

	rule, err := rules.New(scope, rules.Kind(req.Kind), req.Pattern, community, actorID, contexts...)
	if err != nil {
		handleRuleError(w, r, err)
		return
	}
	rule.ID = ids.New()
	rule.CreatedAt = time.Now().UTC()

	if err := a.rules.Add(r.Context(), rule); err != nil {
		handleRuleError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "rules.added", map[string]any{
		"rule_id": rule.ID, "scope": string(rule.Scope),
		"kind": string(rule.Kind), "pattern": rule.Pattern,
	})
	w.Header().Set("Location", "/v1/rules/"+rule.ID)
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) removeRule(w http.ResponseWriter, r *http.Request, id string) {
	if err := requirePermission(r.Context(), auth.PermRuleWrite); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	rule, err := a.rules.Get(r.Context(), id)
	if err != nil {
		handleRuleError(w, r, err)
		return
	}
	if rule.Scope == rules.ScopeGlobal {
		if err := requirePermission(r.Context(), auth.PermRuleWriteGlobal); err != nil {
			writeError(w, r, http.StatusForbidden, "global rules require operator role")
			return
		}
	}

	if err := a.rules.Remove(r.Context(), id); err != nil {
		handleRuleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rules.removed", map[string]any{"rule_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// handleRuleTest dry-runs a pattern against a sample without storing
// anything, so moderators can verify a regex before adding it.
func (a *API) handleRuleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req testRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rule, err := rules.New(rules.ScopeGlobal, rules.Kind(req.Kind), req.Pattern, "", "test", rules.ContextMessage)
	if err != nil {
		handleRuleError(w, r, err)
		return
	}
	rule.ID = "test"

	// Run the sample through the same evaluation path production uses.
	store := rules.NewInMemory()
	if err := store.Add(r.Context(), rule); err != nil {
		handleRuleError(w, r, err)
		return
	}
	evidence, err := match.NewEngine(store, 0).Evaluate(r.Context(), req.Sample, "", rules.ContextMessage)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pattern": req.Pattern,
		"sample":  req.Sample,
		"matched": len(evidence) > 0,
	})
}

func handleRuleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rules.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rules.ErrDuplicate):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, rules.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
