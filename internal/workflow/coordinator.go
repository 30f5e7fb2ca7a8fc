// Package workflow drives what happens after a subject is flagged: the
// per-community case lifecycle, moderator alerts, automation timers, and
// the platform calls that enforce the outcome.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fedguard.org/internal/audit"
	"fedguard.org/internal/config"
	"fedguard.org/internal/events"
	"fedguard.org/internal/federation"
	"fedguard.org/internal/ids"
	"fedguard.org/internal/ledger"
	"fedguard.org/internal/match"
	"fedguard.org/internal/obs"
	"fedguard.org/internal/platform"
)

// State is the stage a case is in.
type State string

const (
	StateDetected     State = "detected"
	StateAlertPending State = "alert_pending"
	StateAutoActing   State = "auto_acting"
	StateResolved     State = "resolved"
)

// Resolution is the terminal outcome of a case.
type Resolution string

const (
	ResolvedBanned   Resolution = "banned"
	ResolvedKicked   Resolution = "kicked"
	ResolvedUnbanned Resolution = "unbanned"
	ResolvedIgnored  Resolution = "ignored"
)

var (
	ErrNoOpenCase      = errors.New("workflow: no open case for subject")
	ErrAlreadyResolved = errors.New("workflow: case already resolved")
)

// Case tracks one subject inside one community from detection to outcome.
type Case struct {
	ID          string           `json:"id"`
	SubjectID   string           `json:"subject_id"`
	CommunityID string           `json:"community_id"`
	Username    string           `json:"username,omitempty"`
	State       State            `json:"state"`
	Resolution  Resolution       `json:"resolution,omitempty"`
	Evidence    []match.Evidence `json:"evidence,omitempty"`
	AlertHandle string           `json:"alert_handle,omitempty"`
	OpenedAt    time.Time        `json:"opened_at"`
	ResolvedAt  time.Time        `json:"resolved_at,omitempty"`

	mu    sync.Mutex
	timer *time.Timer
}

func (c *Case) snapshot() Case {
	cp := *c
	cp.Evidence = append([]match.Evidence(nil), c.Evidence...)
	cp.mu = sync.Mutex{}
	cp.timer = nil
	return cp
}

// Coordinator serializes case processing per (subject, community) pair
// and owns every outbound platform call. Platform calls are paced by a
// shared limiter and retried with backoff before a failure is surfaced.
type Coordinator struct {
	cfg     *config.Reloader
	client  platform.Client
	fed     *federation.Engine
	bus     *events.Bus
	limiter *rate.Limiter

	mu    sync.Mutex
	cases map[string]*Case

	maxAttempts int
	baseBackoff time.Duration
}

func NewCoordinator(cfg *config.Reloader, client platform.Client, fed *federation.Engine, bus *events.Bus) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		client:      client,
		fed:         fed,
		bus:         bus,
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		cases:       make(map[string]*Case),
		maxAttempts: 3,
		baseBackoff: 250 * time.Millisecond,
	}
}

func caseKey(subjectID, communityID string) string {
	return subjectID + "\x00" + communityID
}

func (co *Coordinator) getOrCreate(subjectID, communityID, username string) *Case {
	co.mu.Lock()
	defer co.mu.Unlock()
	if c, ok := co.cases[caseKey(subjectID, communityID)]; ok {
		return c
	}
	c := &Case{
		ID:          ids.New(),
		SubjectID:   subjectID,
		CommunityID: communityID,
		Username:    username,
		State:       StateDetected,
		OpenedAt:    time.Now().UTC(),
	}
	co.cases[caseKey(subjectID, communityID)] = c
	return c
}

// CaseFor returns a copy of the case tracked for the pair, if any.
func (co *Coordinator) CaseFor(subjectID, communityID string) (Case, bool) {
	co.mu.Lock()
	c, ok := co.cases[caseKey(subjectID, communityID)]
	co.mu.Unlock()
	if !ok {
		return Case{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), true
}

// OpenCases lists unresolved cases for a community, for the operator API.
func (co *Coordinator) OpenCases(communityID string) []Case {
	co.mu.Lock()
	tracked := make([]*Case, 0, len(co.cases))
	for _, c := range co.cases {
		tracked = append(tracked, c)
	}
	co.mu.Unlock()

	var out []Case
	for _, c := range tracked {
		c.mu.Lock()
		if c.CommunityID == communityID && c.State != StateResolved {
			out = append(out, c.snapshot())
		}
		c.mu.Unlock()
	}
	return out
}

// HandleEvidence processes matcher hits for a subject. A subject already
// banned (globally or by a resolved case) is re-enforced without opening
// a new alert; an open case absorbs new evidence; otherwise a case opens.
func (co *Coordinator) HandleEvidence(ctx context.Context, communityID, subjectID, username string, evidence []match.Evidence) error {
	if len(evidence) == 0 {
		return nil
	}

	effective, err := co.fed.EffectiveStatus(ctx, subjectID, communityID)
	if err != nil {
		return err
	}
	if effective == ledger.StatusBanned {
		return co.enforceBan(ctx, communityID, subjectID, "previously banned subject re-detected")
	}

	c := co.getOrCreate(subjectID, communityID, username)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State {
	case StateResolved:
		if c.Resolution == ResolvedBanned {
			return co.enforceBan(ctx, communityID, subjectID, "previously banned subject re-detected")
		}
		// A dismissed case reopens on fresh evidence.
		c.State = StateDetected
		c.Resolution = ""
		c.Evidence = nil
		c.OpenedAt = time.Now().UTC()
	case StateAlertPending, StateAutoActing:
		c.Evidence = append(c.Evidence, evidence...)
		if c.AlertHandle != "" {
			_ = co.client.UpdateAlert(ctx, communityID, c.AlertHandle, fmt.Sprintf("%d pieces of evidence", len(c.Evidence)))
		}
		return nil
	}

	c.Evidence = append(c.Evidence, evidence...)
	return co.openLocked(ctx, c)
}

// openLocked runs the detection-to-alert transition. Caller holds c.mu.
func (co *Coordinator) openLocked(ctx context.Context, c *Case) error {
	settings := co.cfg.Current().ForCommunity(c.CommunityID)

	// Contain first: the subject cannot keep posting while moderators
	// decide.
	timeout := time.Duration(settings.TimeoutMinutes) * time.Minute
	if err := co.callPlatform(ctx, "timeout", func(ctx context.Context) error {
		return co.client.TimeoutUser(ctx, c.CommunityID, c.SubjectID, timeout, "flagged pending review")
	}); err != nil {
		co.reportEnforcementFailure(c, "timeout", err)
	}

	handle, err := co.client.SendAlert(ctx, c.CommunityID, settings.AlertChannel, platform.Alert{
		SubjectID: c.SubjectID,
		Username:  c.Username,
		Title:     "Suspicious activity detected",
		Body:      evidenceSummary(c.Evidence),
		Evidence:  c.Evidence,
		Actions:   []platform.AlertChoice{platform.ChoiceBan, platform.ChoiceKick, platform.ChoiceUnban, platform.ChoiceIgnore},
	})
	if err != nil {
		obs.LogEvent(map[string]any{
			"level": "error", "msg": "alert send failed",
			"community_id": c.CommunityID, "subject_id": c.SubjectID, "err": err.Error(),
		})
	}
	c.AlertHandle = handle
	c.State = StateAlertPending
	obs.CasesOpen.Inc()
	co.bus.Publish(events.Event{
		Kind:        events.KindCaseOpened,
		SubjectID:   c.SubjectID,
		CommunityID: c.CommunityID,
		Detail:      evidenceSummary(c.Evidence),
	})
	_ = audit.LogEvent(ctx, "workflow.case.opened", map[string]any{
		"case_id": c.ID, "subject_id": c.SubjectID, "community_id": c.CommunityID,
	})

	if settings.AutomationMode == config.ModeFull {
		delay := time.Duration(settings.AutomationDelay)
		c.timer = time.AfterFunc(delay, func() {
			co.autoResolve(c)
		})
	}
	return nil
}

// autoResolve fires when the automation delay elapses without a moderator
// decision. A case a moderator already resolved or dismissed is left alone.
func (co *Coordinator) autoResolve(c *Case) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State != StateAlertPending {
		return
	}
	c.State = StateAutoActing

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := co.performBan(ctx, c, "auto", "automatic ban after review window"); err != nil {
		// Back to waiting: the moderator can still act, evidence intact.
		co.reportEnforcementFailure(c, "ban", err)
		c.State = StateAlertPending
		return
	}
	co.resolve(ctx, c, ResolvedBanned, "auto")
}

// ResolveAlert applies a moderator's choice on an open alert. Cancellation
// is honored only while the alert is pending; once automation has started
// acting, the choice is rejected.
func (co *Coordinator) ResolveAlert(ctx context.Context, communityID, subjectID string, choice platform.AlertChoice, moderator string) error {
	co.mu.Lock()
	c, ok := co.cases[caseKey(subjectID, communityID)]
	co.mu.Unlock()
	if !ok {
		return ErrNoOpenCase
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State == StateResolved {
		return ErrAlreadyResolved
	}
	if c.State != StateAlertPending {
		return fmt.Errorf("workflow: case is %s, cannot apply %s", c.State, choice)
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	switch choice {
	case platform.ChoiceBan:
		if err := co.performBan(ctx, c, moderator, "banned by moderator"); err != nil {
			co.reportEnforcementFailure(c, "ban", err)
			return err
		}
		co.resolve(ctx, c, ResolvedBanned, moderator)
	case platform.ChoiceKick:
		if err := co.callPlatform(ctx, "kick", func(ctx context.Context) error {
			return co.client.KickUser(ctx, communityID, subjectID, "kicked by moderator")
		}); err != nil {
			co.reportEnforcementFailure(c, "kick", err)
			return err
		}
		co.resolve(ctx, c, ResolvedKicked, moderator)
	case platform.ChoiceUnban, platform.ChoiceIgnore:
		// Lift the containment timeout.
		if err := co.callPlatform(ctx, "timeout", func(ctx context.Context) error {
			return co.client.TimeoutUser(ctx, communityID, subjectID, 0, "cleared by moderator")
		}); err != nil {
			co.reportEnforcementFailure(c, "timeout", err)
		}
		res := ResolvedIgnored
		if choice == platform.ChoiceUnban {
			res = ResolvedUnbanned
			if _, _, err := co.fed.SubmitDecision(ctx, federation.Submission{
				SubjectID:       subjectID,
				Status:          ledger.StatusCleared,
				OriginCommunity: communityID,
				Moderator:       moderator,
			}); err != nil {
				return err
			}
		}
		co.resolve(ctx, c, res, moderator)
	default:
		return fmt.Errorf("workflow: unknown choice %q", choice)
	}
	return nil
}

// EnforceDecision applies an accepted federated decision inside this
// node's community. No alert is raised; the decision is already made.
func (co *Coordinator) EnforceDecision(ctx context.Context, d ledger.Decision) {
	communityID := co.cfg.Current().CommunityID
	switch d.Status {
	case ledger.StatusBanned:
		reason := fmt.Sprintf("federated ban from %s: %s", d.OriginCommunity, d.Reason)
		if err := co.enforceBan(ctx, communityID, d.SubjectID, reason); err != nil {
			return
		}
		// Close any open local case for the same subject.
		co.mu.Lock()
		c, ok := co.cases[caseKey(d.SubjectID, communityID)]
		co.mu.Unlock()
		if ok {
			c.mu.Lock()
			if c.State != StateResolved {
				if c.timer != nil {
					c.timer.Stop()
					c.timer = nil
				}
				co.resolve(ctx, c, ResolvedBanned, "federation")
			}
			c.mu.Unlock()
		}
	case ledger.StatusCleared:
		if err := co.callPlatform(ctx, "unban", func(ctx context.Context) error {
			return co.client.UnbanUser(ctx, communityID, d.SubjectID, "federated unban from "+d.OriginCommunity)
		}); err != nil && !errors.Is(err, platform.ErrNotFound) {
			obs.LogEvent(map[string]any{
				"level": "error", "msg": "federated unban failed",
				"subject_id": d.SubjectID, "err": err.Error(),
			})
		}
	}
}

// enforceBan bans on the platform without any case ceremony.
func (co *Coordinator) enforceBan(ctx context.Context, communityID, subjectID, reason string) error {
	settings := co.cfg.Current().ForCommunity(communityID)
	err := co.callPlatform(ctx, "ban", func(ctx context.Context) error {
		return co.client.BanUser(ctx, communityID, subjectID, reason, settings.DeleteMessageDay)
	})
	if err != nil {
		co.bus.Publish(events.Event{
			Kind:        events.KindEnforcementFailed,
			SubjectID:   subjectID,
			CommunityID: communityID,
			Detail:      err.Error(),
		})
		return err
	}
	_ = audit.LogEvent(ctx, "workflow.ban.enforced", map[string]any{
		"subject_id": subjectID, "community_id": communityID, "reason": reason,
	})
	return nil
}

// performBan bans the case's subject and publishes the decision to the
// federation. Caller holds c.mu or has exclusive access.
func (co *Coordinator) performBan(ctx context.Context, c *Case, moderator, reason string) error {
	settings := co.cfg.Current().ForCommunity(c.CommunityID)
	if err := co.callPlatform(ctx, "ban", func(ctx context.Context) error {
		return co.client.BanUser(ctx, c.CommunityID, c.SubjectID, reason, settings.DeleteMessageDay)
	}); err != nil {
		return err
	}
	_, _, err := co.fed.SubmitDecision(ctx, federation.Submission{
		SubjectID:       c.SubjectID,
		Status:          ledger.StatusBanned,
		OriginCommunity: c.CommunityID,
		Moderator:       moderator,
		Reason:          reason,
		Username:        c.Username,
		Evidence:        c.Evidence,
	})
	return err
}

// resolve finalizes a case. Caller holds c.mu.
func (co *Coordinator) resolve(ctx context.Context, c *Case, res Resolution, actor string) {
	if c.State == StateResolved {
		return
	}
	c.State = StateResolved
	c.Resolution = res
	c.ResolvedAt = time.Now().UTC()
	obs.CasesOpen.Dec()
	if c.AlertHandle != "" {
		_ = co.client.UpdateAlert(ctx, c.CommunityID, c.AlertHandle, fmt.Sprintf("%s by %s", res, actor))
	}
	co.bus.Publish(events.Event{
		Kind:        events.KindCaseResolved,
		SubjectID:   c.SubjectID,
		CommunityID: c.CommunityID,
		Status:      string(res),
	})
	_ = audit.LogEvent(ctx, "workflow.case.resolved", map[string]any{
		"case_id": c.ID, "subject_id": c.SubjectID, "community_id": c.CommunityID,
		"resolution": string(res), "actor": actor,
	})
}

func (co *Coordinator) reportEnforcementFailure(c *Case, action string, err error) {
	obs.LogEvent(map[string]any{
		"level": "error", "msg": "enforcement failed",
		"action": action, "subject_id": c.SubjectID,
		"community_id": c.CommunityID, "err": err.Error(),
	})
	co.bus.Publish(events.Event{
		Kind:        events.KindEnforcementFailed,
		SubjectID:   c.SubjectID,
		CommunityID: c.CommunityID,
		Detail:      action + ": " + err.Error(),
	})
}

// callPlatform paces and retries one platform call. Permission and
// not-found errors are terminal; transient failures back off and retry
// up to the attempt cap.
func (co *Coordinator) callPlatform(ctx context.Context, action string, fn func(context.Context) error) error {
	var err error
	backoff := co.baseBackoff
	for attempt := 0; attempt < co.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = co.limiter.Wait(ctx); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			obs.EnforcementActions.WithLabelValues(action, "ok").Inc()
			return nil
		}
		if errors.Is(err, platform.ErrNoPermission) || errors.Is(err, platform.ErrNotFound) {
			break
		}
	}
	obs.EnforcementActions.WithLabelValues(action, "error").Inc()
	return err
}

func evidenceSummary(evidence []match.Evidence) string {
	if len(evidence) == 0 {
		return "no evidence recorded"
	}
	e := evidence[0]
	if len(evidence) == 1 {
		return fmt.Sprintf("matched %s rule %q in %s", e.Kind, e.Pattern, e.Context)
	}
	return fmt.Sprintf("matched %s rule %q in %s and %d more", e.Kind, e.Pattern, e.Context, len(evidence)-1)
}
