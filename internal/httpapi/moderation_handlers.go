package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"fedguard.org/internal/audit"
	"fedguard.org/internal/auth"
	"fedguard.org/internal/events"
	"fedguard.org/internal/federation"
	"fedguard.org/internal/ledger"
	"fedguard.org/internal/platform"
	"fedguard.org/internal/scan"
	"fedguard.org/internal/workflow"
)

type banRequest struct {
	SubjectID string `json:"subject_id"`
	Username  string `json:"username,omitempty"`
	Reason    string `json:"reason"`
}

type unbanRequest struct {
	SubjectID string `json:"subject_id"`
	Reason    string `json:"reason,omitempty"`
}

type overrideRequest struct {
	SubjectID string `json:"subject_id"`
	Status    string `json:"status"`
}

type alertChoiceRequest struct {
	SubjectID string `json:"subject_id"`
	Choice    string `json:"choice"`
}

type contactRequest struct {
	Message string `json:"message"`
}

// handleBan is the proactive global ban: the subject need not be present
// in any community yet. The decision propagates immediately.
func (a *API) handleBan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := requirePermission(r.Context(), auth.PermBanGlobal); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	var req banRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id is required")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required")
		return
	}

	actorID, _ := auth.ActorIDFromContext(r.Context())
	community := actorCommunity(r.Context(), "")

	decision, result, err := a.fed.SubmitDecision(r.Context(), federation.Submission{
		SubjectID:       req.SubjectID,
		Status:          ledger.StatusBanned,
		OriginCommunity: community,
		Moderator:       actorID,
		Reason:          req.Reason,
		Username:        req.Username,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if result == federation.Superseded {
		writeError(w, r, http.StatusConflict, "subject is already banned")
		return
	}

	// Enforce locally right away; propagation to peers is already queued.
	a.wf.EnforceDecision(r.Context(), decision)

	writeJSON(w, http.StatusCreated, map[string]any{
		"subject_id": decision.SubjectID,
		"status":     string(decision.Status),
		"version":    decision.Version,
	})
}

func (a *API) handleUnban(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := requirePermission(r.Context(), auth.PermBanGlobal); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	var req unbanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id is required")
		return
	}

	actorID, _ := auth.ActorIDFromContext(r.Context())
	community := actorCommunity(r.Context(), "")

	decision, result, err := a.fed.SubmitDecision(r.Context(), federation.Submission{
		SubjectID:           req.SubjectID,
		Status:              ledger.StatusCleared,
		OriginCommunity:     community,
		Moderator:           actorID,
		Reason:              req.Reason,
		FederationAuthority: auth.HasRole(r.Context(), auth.RoleOperator),
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	switch result {
	case federation.OverrideRecorded:
		// The ban belongs to another community; this one only opted out.
		writeJSON(w, http.StatusOK, map[string]any{
			"subject_id": req.SubjectID,
			"scope":      "local_override",
		})
	case federation.Superseded:
		writeError(w, r, http.StatusConflict, "subject is not banned")
	default:
		a.wf.EnforceDecision(r.Context(), decision)
		writeJSON(w, http.StatusOK, map[string]any{
			"subject_id": decision.SubjectID,
			"status":     string(decision.Status),
			"version":    decision.Version,
		})
	}
}

func (a *API) handleOverride(w http.ResponseWriter, r *http.Request) {
	if err := requirePermission(r.Context(), auth.PermOverride); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	community := actorCommunity(r.Context(), r.URL.Query().Get("community_id"))

	switch r.Method {
	case http.MethodPost:
		var req overrideRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		status := ledger.Status(req.Status)
		if status != ledger.StatusBanned && status != ledger.StatusCleared {
			writeError(w, r, http.StatusBadRequest, "status must be banned or cleared")
			return
		}
		actorID, _ := auth.ActorIDFromContext(r.Context())
		if err := a.fed.RecordLocalOverride(r.Context(), req.SubjectID, community, status, actorID); err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subject_id":   req.SubjectID,
			"community_id": community,
			"status":       string(status),
		})
	case http.MethodDelete:
		subjectID := strings.TrimSpace(r.URL.Query().Get("subject_id"))
		if subjectID == "" {
			writeError(w, r, http.StatusBadRequest, "subject_id query parameter is required")
			return
		}
		if err := a.fed.ClearLocalOverride(r.Context(), subjectID, community); err != nil {
			handleLedgerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.scanner.Progress())
	case http.MethodPost:
		if err := requirePermission(r.Context(), auth.PermScan); err != nil {
			writeError(w, r, http.StatusForbidden, err.Error())
			return
		}
		community := actorCommunity(r.Context(), r.URL.Query().Get("community_id"))
		if err := a.scanner.Start(r.Context(), community); err != nil {
			if errors.Is(err, scan.ErrScanRunning) {
				writeError(w, r, http.StatusConflict, err.Error())
				return
			}
			writeError(w, r, http.StatusBadGateway, err.Error())
			return
		}
		_ = audit.LogEvent(r.Context(), "scan.started", map[string]any{"community_id": community})
		writeJSON(w, http.StatusAccepted, a.scanner.Progress())
	case http.MethodDelete:
		if err := requirePermission(r.Context(), auth.PermScan); err != nil {
			writeError(w, r, http.StatusForbidden, err.Error())
			return
		}
		a.scanner.Stop()
		_ = audit.LogEvent(r.Context(), "scan.stopped", nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleCases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	community := actorCommunity(r.Context(), r.URL.Query().Get("community_id"))
	writeJSON(w, http.StatusOK, map[string]any{"items": a.wf.OpenCases(community)})
}

func (a *API) handleAlertChoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := requirePermission(r.Context(), auth.PermOverride); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}

	var req alertChoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actorID, _ := auth.ActorIDFromContext(r.Context())
	community := actorCommunity(r.Context(), "")

	err := a.wf.ResolveAlert(r.Context(), community, req.SubjectID, platform.AlertChoice(req.Choice), actorID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"subject_id": req.SubjectID, "choice": req.Choice})
	case errors.Is(err, workflow.ErrNoOpenCase):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusBadGateway, err.Error())
	}
}

// handleContact forwards a moderator's message to the federation
// maintainers via the audit trail and the operator event stream.
func (a *API) handleContact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req contactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		writeError(w, r, http.StatusBadRequest, "message is required")
		return
	}
	if len(msg) > 2000 {
		writeError(w, r, http.StatusBadRequest, "message too long")
		return
	}

	actorID, _ := auth.ActorIDFromContext(r.Context())
	community := actorCommunity(r.Context(), "")
	_ = audit.LogEvent(r.Context(), "contact.message", map[string]any{
		"community_id": community, "message": msg,
	})
	a.bus.Publish(events.Event{
		Kind:        "contact_message",
		CommunityID: community,
		Detail:      msg,
		Fields:      map[string]any{"from": actorID},
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "delivered"})
}

func (a *API) handleSubjectSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, r, http.StatusBadRequest, "query parameter is required")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 20, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parsePositiveInt(r.URL.Query().Get("offset"), 0, 0, 1<<20)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := a.ledger.Search(r.Context(), query, limit, offset)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
		"as_of":  time.Now().UTC(),
	})
}

func (a *API) handleSubjectResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subjects/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	subject, err := a.ledger.GetSubject(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	community := actorCommunity(r.Context(), r.URL.Query().Get("community_id"))
	effective, err := a.fed.EffectiveStatus(r.Context(), id, community)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":          subject,
		"effective_status": string(effective),
		"community_id":     community,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := requirePermission(r.Context(), auth.PermStatsRead); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	stats, err := a.fed.Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !auth.HasRole(r.Context(), auth.RoleOperator) {
		writeError(w, r, http.StatusForbidden, "operator role required")
		return
	}
	if err := a.cfg.Reload(); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	_ = audit.LogEvent(r.Context(), "config.reloaded", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
}
