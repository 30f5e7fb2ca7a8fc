package httpapi

import (
	"net/http"

	"fedguard.org/internal/audit"
	"fedguard.org/internal/federation"
	"fedguard.org/internal/ledger"
	"fedguard.org/internal/match"
	"fedguard.org/internal/obs"
	"fedguard.org/internal/platform"
	"fedguard.org/internal/rules"
)

// handleJoin screens a newly joined member's profile against the rule set.
func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var ev platform.JoinEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if ev.UserID == "" || ev.CommunityID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and community_id are required")
		return
	}

	// Federated-ban check first: a banned subject is removed before any
	// keyword screening runs.
	if status, err := a.fed.EffectiveStatus(r.Context(), ev.UserID, ev.CommunityID); err == nil && status == ledger.StatusBanned {
		if subject, err := a.ledger.GetSubject(r.Context(), ev.UserID); err == nil {
			a.wf.EnforceDecision(r.Context(), ledger.Decision{
				SubjectID:       subject.ID,
				Status:          subject.Status,
				Version:         subject.Version,
				OriginCommunity: subject.OriginCommunity,
				Username:        subject.Username,
			})
			writeJSON(w, http.StatusOK, map[string]any{"flagged": true, "enforced": true})
			return
		}
	}

	var evidence []match.Evidence
	hits, err := a.matcher.Evaluate(r.Context(), ev.Username, ev.CommunityID, rules.ContextUsername)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	evidence = append(evidence, hits...)
	hits, err = a.matcher.Evaluate(r.Context(), ev.Bio, ev.CommunityID, rules.ContextBio)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	evidence = append(evidence, hits...)

	if len(evidence) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"flagged": false})
		return
	}

	if err := a.wf.HandleEvidence(r.Context(), ev.CommunityID, ev.UserID, ev.Username, evidence); err != nil {
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flagged":  true,
		"evidence": len(evidence),
	})
}

// handleMessage screens message text, on both new posts and edits.
func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var ev platform.MessageEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if ev.AuthorID == "" || ev.CommunityID == "" {
		writeError(w, r, http.StatusBadRequest, "author_id and community_id are required")
		return
	}

	hits, err := a.matcher.Evaluate(r.Context(), ev.Text, ev.CommunityID, rules.ContextMessage)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if len(hits) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"flagged": false})
		return
	}

	// Remove the flagged message before review; the case keeps the text
	// sample as evidence.
	if ev.MessageID != "" && a.platform != nil {
		if err := a.platform.DeleteMessage(r.Context(), ev.CommunityID, ev.MessageID); err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn", "msg": "delete flagged message failed",
				"message_id": ev.MessageID, "error": err.Error(),
			})
		}
	}
	if err := a.wf.HandleEvidence(r.Context(), ev.CommunityID, ev.AuthorID, ev.Username, hits); err != nil {
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flagged":  true,
		"evidence": len(hits),
	})
}

// handleAuditEvent ingests moderation actions taken directly on the
// platform, outside this service, so they still enter the shared ledger.
func (a *API) handleAuditEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var ev platform.AuditEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if ev.TargetID == "" || ev.CommunityID == "" {
		writeError(w, r, http.StatusBadRequest, "target_id and community_id are required")
		return
	}

	var status ledger.Status
	switch ev.Action {
	case platform.ActionBan:
		status = ledger.StatusBanned
	case platform.ActionUnban:
		status = ledger.StatusCleared
	case platform.ActionKick:
		// Kicks stay local; record them for the trail only.
		_ = audit.LogEvent(r.Context(), "platform.kick_observed", map[string]any{
			"target_id": ev.TargetID, "community_id": ev.CommunityID,
		})
		writeJSON(w, http.StatusOK, map[string]any{"recorded": "audit_only"})
		return
	default:
		writeError(w, r, http.StatusBadRequest, "unknown action")
		return
	}

	reason := ev.Reason
	if reason == "" {
		reason = "observed on platform"
	}
	decision, result, err := a.fed.SubmitDecision(r.Context(), federation.Submission{
		SubjectID:       ev.TargetID,
		Status:          status,
		OriginCommunity: ev.CommunityID,
		Moderator:       ev.ActorID,
		Reason:          reason,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	resp := map[string]any{"result": string(result)}
	if result == federation.Accepted {
		resp["version"] = decision.Version
	}
	writeJSON(w, http.StatusOK, resp)
}
