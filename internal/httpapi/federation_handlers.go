package httpapi

import (
	"net/http"
	"strings"

	"fedguard.org/internal/auth"
	"fedguard.org/internal/federation"
	"fedguard.org/internal/ledger"
)

type syncRequest struct {
	PeerID string `json:"peer_id"`
}

// handleDecisionDelivery receives a decision pushed by a peer node.
// A 409 tells the sender its copy is stale; the sender treats that as
// delivered and stops retrying.
func (a *API) handleDecisionDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := requirePermission(r.Context(), auth.PermPeerDeliver); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	var d ledger.Decision
	if err := decodeJSON(w, r, &d); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if d.SubjectID == "" || d.Version == 0 {
		writeError(w, r, http.StatusBadRequest, "subject_id and version are required")
		return
	}

	result, err := a.fed.ApplyPeerDecision(r.Context(), d)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	switch result {
	case federation.Superseded:
		writeError(w, r, http.StatusConflict, "a newer decision is already recorded")
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"subject_id": d.SubjectID,
			"version":    d.Version,
		})
	}
}

// handleBackfill pages the banned subject list for onboarding peers.
func (a *API) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := requirePermission(r.Context(), auth.PermPeerDeliver); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 200, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after := r.URL.Query().Get("after")

	items, err := a.ledger.ListBanned(r.Context(), limit, after)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	page := federation.BackfillPage{Items: items}
	if len(items) == limit {
		page.NextAfter = items[len(items)-1].ID
	}
	writeJSON(w, http.StatusOK, page)
}

// handleSync reports onboarding state and, on POST, replays a peer's
// ban list into the local ledger.
func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		synced, err := a.fed.Synced(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"synced": synced})
	case http.MethodPost:
		if !auth.HasRole(r.Context(), auth.RoleOperator) {
			writeError(w, r, http.StatusForbidden, "operator role required")
			return
		}
		var req syncRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.PeerID) == "" {
			writeError(w, r, http.StatusBadRequest, "peer_id is required")
			return
		}
		peer, ok := a.cfg.Current().PeerByID(req.PeerID)
		if !ok {
			writeError(w, r, http.StatusNotFound, "unknown peer")
			return
		}
		applied, err := a.fed.Onboard(r.Context(), peer)
		if err != nil {
			writeError(w, r, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"peer_id": req.PeerID,
			"applied": applied,
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
