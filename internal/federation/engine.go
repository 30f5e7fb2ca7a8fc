package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fedguard.org/internal/audit"
	"fedguard.org/internal/events"
	"fedguard.org/internal/ledger"
	"fedguard.org/internal/match"
	"fedguard.org/internal/obs"
)

// Result classifies the outcome of a submitted decision.
type Result string

const (
	// Accepted means the decision won the version race and was stored.
	Accepted Result = "accepted"
	// Superseded means the decision lost to an equal-or-newer record; a
	// duplicate or late delivery lands here and is not an error.
	Superseded Result = "superseded"
	// OverrideRecorded means the request was demoted to a local
	// override (an unban from a community that does not own the ban).
	OverrideRecorded Result = "override_recorded"
)

// Submission is a locally originated decision before versioning.
type Submission struct {
	SubjectID       string
	Status          ledger.Status
	OriginCommunity string
	Moderator       string
	Reason          string
	Username        string
	Evidence        []match.Evidence
	// FederationAuthority marks actors allowed to clear any ban
	// regardless of its origin community.
	FederationAuthority bool
}

// Enforcer executes an accepted peer decision inside one community.
// Implemented by the action workflow; wired after construction to keep
// the dependency one-directional.
type Enforcer interface {
	EnforceDecision(ctx context.Context, d ledger.Decision)
}

// Engine is the propagation core: it commits local decisions to the
// subject ledger, ingests peer decisions, resolves overrides, and feeds
// the broadcaster. All conflict resolution is last-writer-wins by
// version, so the ledger converges regardless of delivery order.
type Engine struct {
	ledger      ledger.Service
	bus         *events.Bus
	broadcaster *Broadcaster
	enforcer    Enforcer
	self        string // community this node moderates for
}

// NewEngine wires the propagation engine. broadcaster may be nil for
// single-node deployments.
func NewEngine(svc ledger.Service, bus *events.Bus, broadcaster *Broadcaster, selfCommunity string) *Engine {
	return &Engine{
		ledger:      svc,
		bus:         bus,
		broadcaster: broadcaster,
		self:        selfCommunity,
	}
}

// SetEnforcer registers the component enforcing peer decisions locally.
func (e *Engine) SetEnforcer(enf Enforcer) { e.enforcer = enf }

// SubmitDecision processes a decision originated in this federation node.
// Bans always go global. An unban goes global only when issued by the
// community owning the current ban record or by a federation authority;
// otherwise it is recorded as a local override so the rest of the network
// keeps the protection it relies on.
func (e *Engine) SubmitDecision(ctx context.Context, sub Submission) (ledger.Decision, Result, error) {
	if sub.SubjectID == "" {
		return ledger.Decision{}, "", fmt.Errorf("subject id is required")
	}
	if sub.Status != ledger.StatusBanned && sub.Status != ledger.StatusCleared {
		return ledger.Decision{}, "", fmt.Errorf("status %q is not federation-worthy", sub.Status)
	}

	if sub.Status == ledger.StatusCleared && !sub.FederationAuthority {
		current, err := e.ledger.GetSubject(ctx, sub.SubjectID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return ledger.Decision{}, "", err
		}
		if err == nil && current.Status == ledger.StatusBanned && current.OriginCommunity != sub.OriginCommunity {
			if err := e.RecordLocalOverride(ctx, sub.SubjectID, sub.OriginCommunity, ledger.StatusCleared, sub.Moderator); err != nil {
				return ledger.Decision{}, "", err
			}
			return ledger.Decision{}, OverrideRecorded, nil
		}
	}

	decision, err := e.ledger.Propose(ctx, ledger.Decision{
		SubjectID:       sub.SubjectID,
		Status:          sub.Status,
		OriginCommunity: sub.OriginCommunity,
		Moderator:       sub.Moderator,
		Reason:          sub.Reason,
		Username:        sub.Username,
		Evidence:        sub.Evidence,
		IssuedAt:        time.Now().UTC(),
	})
	if errors.Is(err, ledger.ErrStale) {
		// The global record already carries this status. The community
		// is aligning with it, so any standing local deviation ends.
		if _, ok, _ := e.ledger.GetOverride(ctx, sub.SubjectID, sub.OriginCommunity); ok {
			_ = e.ledger.ClearOverride(ctx, sub.SubjectID, sub.OriginCommunity)
		}
		obs.DecisionsTotal.WithLabelValues("local", string(Superseded)).Inc()
		return ledger.Decision{}, Superseded, nil
	}
	if err != nil {
		return ledger.Decision{}, "", err
	}

	// A community that overrode the previous status re-converges once it
	// issues its own federation-worthy decision.
	if _, ok, _ := e.ledger.GetOverride(ctx, sub.SubjectID, sub.OriginCommunity); ok {
		_ = e.ledger.ClearOverride(ctx, sub.SubjectID, sub.OriginCommunity)
	}

	if err := e.ledger.RecordInitiated(ctx, sub.OriginCommunity, sub.Status); err != nil {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "stats update failed", "err": err.Error()})
	}
	obs.DecisionsTotal.WithLabelValues("local", string(Accepted)).Inc()
	_ = audit.LogEvent(ctx, "federation.decision.submitted", map[string]any{
		"subject_id": decision.SubjectID,
		"status":     string(decision.Status),
		"version":    decision.Version,
		"origin":     decision.OriginCommunity,
	})
	e.bus.Publish(events.Event{
		Kind:        events.KindDecisionAccepted,
		SubjectID:   decision.SubjectID,
		CommunityID: decision.OriginCommunity,
		Status:      string(decision.Status),
		Version:     decision.Version,
	})

	// Fan-out is asynchronous; local enforcement never waits on peers.
	if e.broadcaster != nil {
		e.broadcaster.Enqueue(decision)
	}
	return decision, Accepted, nil
}

// ApplyPeerDecision ingests a decision broadcast by another node. The
// (subject, version) pair deduplicates redelivery; a standing local
// override records the decision but suppresses enforcement for this
// community only.
func (e *Engine) ApplyPeerDecision(ctx context.Context, d ledger.Decision) (Result, error) {
	if d.SubjectID == "" || d.Version == 0 {
		return "", fmt.Errorf("malformed peer decision")
	}

	err := e.ledger.Apply(ctx, d)
	if errors.Is(err, ledger.ErrStale) {
		obs.DecisionsTotal.WithLabelValues("peer", string(Superseded)).Inc()
		return Superseded, nil
	}
	if err != nil {
		return "", err
	}

	if err := e.ledger.RecordReceived(ctx, e.self); err != nil {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "stats update failed", "err": err.Error()})
	}
	obs.DecisionsTotal.WithLabelValues("peer", string(Accepted)).Inc()
	_ = audit.LogEvent(ctx, "federation.decision.received", map[string]any{
		"subject_id": d.SubjectID,
		"status":     string(d.Status),
		"version":    d.Version,
		"origin":     d.OriginCommunity,
	})
	e.bus.Publish(events.Event{
		Kind:        events.KindDecisionAccepted,
		SubjectID:   d.SubjectID,
		CommunityID: d.OriginCommunity,
		Status:      string(d.Status),
		Version:     d.Version,
	})

	if _, overridden, _ := e.ledger.GetOverride(ctx, d.SubjectID, e.self); overridden {
		// Override state is never clobbered by a federated decision.
		obs.LogEvent(map[string]any{
			"level": "info", "msg": "peer decision suppressed by local override",
			"subject_id": d.SubjectID, "community_id": e.self,
		})
		return Accepted, nil
	}

	if e.enforcer != nil {
		e.enforcer.EnforceDecision(ctx, d)
	}
	return Accepted, nil
}

// RecordLocalOverride records a community's deviation from the federated
// status. Setting an override identical to the community's current
// effective status is a no-op, not an error. Overrides never change
// global state and never trigger broadcast.
func (e *Engine) RecordLocalOverride(ctx context.Context, subjectID, communityID string, status ledger.Status, moderator string) error {
	effective, err := e.EffectiveStatus(ctx, subjectID, communityID)
	if err != nil {
		return err
	}
	if effective == status {
		return nil
	}
	if err := e.ledger.SetOverride(ctx, ledger.Override{
		SubjectID:   subjectID,
		CommunityID: communityID,
		Status:      status,
		AppliedBy:   moderator,
		AppliedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	return audit.LogEvent(ctx, "federation.override.set", map[string]any{
		"subject_id":   subjectID,
		"community_id": communityID,
		"status":       string(status),
	})
}

// ClearLocalOverride removes a community's override so the federated
// status applies again.
func (e *Engine) ClearLocalOverride(ctx context.Context, subjectID, communityID string) error {
	if err := e.ledger.ClearOverride(ctx, subjectID, communityID); err != nil {
		return err
	}
	return audit.LogEvent(ctx, "federation.override.cleared", map[string]any{
		"subject_id":   subjectID,
		"community_id": communityID,
	})
}

// EffectiveStatus resolves what one community should enforce for a
// subject: the local override when standing, otherwise the global status.
func (e *Engine) EffectiveStatus(ctx context.Context, subjectID, communityID string) (ledger.Status, error) {
	if o, ok, err := e.ledger.GetOverride(ctx, subjectID, communityID); err != nil {
		return "", err
	} else if ok {
		return o.Status, nil
	}
	subject, err := e.ledger.GetSubject(ctx, subjectID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.StatusNone, nil
	}
	if err != nil {
		return "", err
	}
	return subject.Status, nil
}

// Stats reports federation-wide counters.
func (e *Engine) Stats(ctx context.Context) (ledger.Stats, error) {
	return e.ledger.Stats(ctx)
}
