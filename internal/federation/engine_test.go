package federation

import (
	"context"
	"sync"
	"testing"

	"fedguard.org/internal/events"
	"fedguard.org/internal/ledger"
)

type countingEnforcer struct {
	mu       sync.Mutex
	enforced []ledger.Decision
}

func (c *countingEnforcer) EnforceDecision(_ context.Context, d ledger.Decision) {
	c.mu.Lock()
	c.enforced = append(c.enforced, d)
	c.mu.Unlock()
}

func (c *countingEnforcer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enforced)
}

func newTestEngine(self string) (*Engine, ledger.Service, *countingEnforcer) {
	svc := ledger.NewInMemory()
	e := NewEngine(svc, events.New(), nil, self)
	enf := &countingEnforcer{}
	e.SetEnforcer(enf)
	return e, svc, enf
}

func TestSubmitBanMintsVersion(t *testing.T) {
	e, svc, _ := newTestEngine("alpha")
	ctx := context.Background()

	d, res, err := e.SubmitDecision(ctx, Submission{
		SubjectID:       "user-1",
		Status:          ledger.StatusBanned,
		OriginCommunity: "alpha",
		Moderator:       "mod-1",
		Reason:          "phishing links",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res != Accepted {
		t.Fatalf("result = %s, want accepted", res)
	}
	if d.Version != 1 {
		t.Fatalf("version = %d, want 1", d.Version)
	}

	sub, err := svc.GetSubject(ctx, "user-1")
	if err != nil {
		t.Fatalf("get subject: %v", err)
	}
	if sub.Status != ledger.StatusBanned || sub.OriginCommunity != "alpha" {
		t.Fatalf("subject = %+v", sub)
	}
}

func TestSubmitSameStatusIsSuperseded(t *testing.T) {
	e, _, _ := newTestEngine("alpha")
	ctx := context.Background()

	ban := Submission{SubjectID: "user-1", Status: ledger.StatusBanned, OriginCommunity: "alpha"}
	if _, res, err := e.SubmitDecision(ctx, ban); err != nil || res != Accepted {
		t.Fatalf("first submit: res=%s err=%v", res, err)
	}
	if _, res, err := e.SubmitDecision(ctx, ban); err != nil || res != Superseded {
		t.Fatalf("repeat submit: res=%s err=%v", res, err)
	}
}

func TestNonOriginUnbanBecomesOverride(t *testing.T) {
	e, svc, _ := newTestEngine("beta")
	ctx := context.Background()

	// Ban owned by alpha arrives over federation.
	if err := svc.Apply(ctx, ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusBanned,
		OriginCommunity: "alpha", Version: 1,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Beta's moderator unbans: local scope only.
	_, res, err := e.SubmitDecision(ctx, Submission{
		SubjectID: "user-1", Status: ledger.StatusCleared,
		OriginCommunity: "beta", Moderator: "mod-b",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res != OverrideRecorded {
		t.Fatalf("result = %s, want override_recorded", res)
	}

	sub, err := svc.GetSubject(ctx, "user-1")
	if err != nil {
		t.Fatalf("get subject: %v", err)
	}
	if sub.Status != ledger.StatusBanned || sub.Version != 1 {
		t.Fatalf("global state changed: %+v", sub)
	}
	if _, ok, _ := svc.GetOverride(ctx, "user-1", "beta"); !ok {
		t.Fatal("expected override for beta")
	}
}

func TestOriginUnbanGoesGlobal(t *testing.T) {
	e, svc, _ := newTestEngine("alpha")
	ctx := context.Background()

	if _, _, err := e.SubmitDecision(ctx, Submission{
		SubjectID: "user-1", Status: ledger.StatusBanned, OriginCommunity: "alpha",
	}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	_, res, err := e.SubmitDecision(ctx, Submission{
		SubjectID: "user-1", Status: ledger.StatusCleared, OriginCommunity: "alpha",
	})
	if err != nil || res != Accepted {
		t.Fatalf("unban: res=%s err=%v", res, err)
	}

	sub, _ := svc.GetSubject(ctx, "user-1")
	if sub.Status != ledger.StatusCleared || sub.Version != 2 {
		t.Fatalf("subject = %+v, want cleared v2", sub)
	}
}

func TestFederationAuthorityClearsForeignBan(t *testing.T) {
	e, svc, _ := newTestEngine("beta")
	ctx := context.Background()

	if err := svc.Apply(ctx, ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusBanned,
		OriginCommunity: "alpha", Version: 3,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	_, res, err := e.SubmitDecision(ctx, Submission{
		SubjectID: "user-1", Status: ledger.StatusCleared,
		OriginCommunity: "beta", FederationAuthority: true,
	})
	if err != nil || res != Accepted {
		t.Fatalf("authority unban: res=%s err=%v", res, err)
	}
	sub, _ := svc.GetSubject(ctx, "user-1")
	if sub.Status != ledger.StatusCleared || sub.Version != 4 {
		t.Fatalf("subject = %+v, want cleared v4", sub)
	}
}

func TestPeerDecisionEnforcedOnce(t *testing.T) {
	e, _, enf := newTestEngine("beta")
	ctx := context.Background()

	d := ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusBanned,
		OriginCommunity: "alpha", Version: 1,
	}
	res, err := e.ApplyPeerDecision(ctx, d)
	if err != nil || res != Accepted {
		t.Fatalf("first delivery: res=%s err=%v", res, err)
	}
	// Redelivery of the same version is deduplicated, not re-enforced.
	res, err = e.ApplyPeerDecision(ctx, d)
	if err != nil || res != Superseded {
		t.Fatalf("redelivery: res=%s err=%v", res, err)
	}
	if enf.count() != 1 {
		t.Fatalf("enforced %d times, want 1", enf.count())
	}
}

func TestOverrideSuppressesEnforcement(t *testing.T) {
	e, _, enf := newTestEngine("beta")
	ctx := context.Background()

	if _, err := e.ApplyPeerDecision(ctx, ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusBanned,
		OriginCommunity: "alpha", Version: 1,
	}); err != nil {
		t.Fatalf("first ban: %v", err)
	}
	if err := e.RecordLocalOverride(ctx, "user-1", "beta", ledger.StatusCleared, "mod-b"); err != nil {
		t.Fatalf("override: %v", err)
	}

	// A newer ban is recorded globally but not enforced in beta.
	res, err := e.ApplyPeerDecision(ctx, ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusBanned,
		OriginCommunity: "gamma", Version: 7,
	})
	if err != nil || res != Accepted {
		t.Fatalf("later ban: res=%s err=%v", res, err)
	}
	if enf.count() != 1 {
		t.Fatalf("enforced %d times, want 1 (override must suppress)", enf.count())
	}

	status, err := e.EffectiveStatus(ctx, "user-1", "beta")
	if err != nil {
		t.Fatalf("effective status: %v", err)
	}
	if status != ledger.StatusCleared {
		t.Fatalf("effective status = %s, want cleared", status)
	}
}

func TestOverrideMatchingEffectiveStatusIsNoop(t *testing.T) {
	e, svc, _ := newTestEngine("beta")
	ctx := context.Background()

	if err := svc.Apply(ctx, ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusBanned,
		OriginCommunity: "alpha", Version: 1,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := e.RecordLocalOverride(ctx, "user-1", "beta", ledger.StatusBanned, "mod-b"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if _, ok, _ := svc.GetOverride(ctx, "user-1", "beta"); ok {
		t.Fatal("override stored despite matching effective status")
	}
}

func TestLocalDecisionClearsOwnOverride(t *testing.T) {
	e, svc, _ := newTestEngine("beta")
	ctx := context.Background()

	if err := svc.Apply(ctx, ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusBanned,
		OriginCommunity: "alpha", Version: 1,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := e.RecordLocalOverride(ctx, "user-1", "beta", ledger.StatusCleared, "mod-b"); err != nil {
		t.Fatalf("override: %v", err)
	}

	// Beta later issues its own ban. Globally nothing changes (the
	// subject is already banned) but the local deviation ends.
	if _, res, err := e.SubmitDecision(ctx, Submission{
		SubjectID: "user-1", Status: ledger.StatusBanned, OriginCommunity: "beta",
	}); err != nil || res != Superseded {
		t.Fatalf("ban: res=%s err=%v", res, err)
	}
	if _, ok, _ := svc.GetOverride(ctx, "user-1", "beta"); ok {
		t.Fatal("override should be cleared by a local federation-worthy decision")
	}
}

func TestTwoNodesConverge(t *testing.T) {
	alpha, alphaSvc, _ := newTestEngine("alpha")
	beta, betaSvc, _ := newTestEngine("beta")
	ctx := context.Background()

	d1, _, err := alpha.SubmitDecision(ctx, Submission{
		SubjectID: "user-1", Status: ledger.StatusBanned, OriginCommunity: "alpha",
	})
	if err != nil {
		t.Fatalf("alpha ban: %v", err)
	}
	d2, _, err := alpha.SubmitDecision(ctx, Submission{
		SubjectID: "user-1", Status: ledger.StatusCleared, OriginCommunity: "alpha",
	})
	if err != nil {
		t.Fatalf("alpha unban: %v", err)
	}

	// Beta receives the decisions out of order, each twice.
	for _, d := range []ledger.Decision{d2, d1, d1, d2} {
		if _, err := beta.ApplyPeerDecision(ctx, d); err != nil {
			t.Fatalf("apply %d: %v", d.Version, err)
		}
	}

	a, _ := alphaSvc.GetSubject(ctx, "user-1")
	b, _ := betaSvc.GetSubject(ctx, "user-1")
	if a.Status != b.Status || a.Version != b.Version {
		t.Fatalf("diverged: alpha=%+v beta=%+v", a, b)
	}
	if b.Status != ledger.StatusCleared || b.Version != 2 {
		t.Fatalf("beta = %+v, want cleared v2", b)
	}
}
