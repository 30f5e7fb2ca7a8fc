package workflow

import (
	"context"
	"testing"
	"time"

	"fedguard.org/internal/config"
	"fedguard.org/internal/events"
	"fedguard.org/internal/federation"
	"fedguard.org/internal/ledger"
	"fedguard.org/internal/match"
	"fedguard.org/internal/platform"
	"fedguard.org/internal/rules"
)

func testConfig(mode config.AutomationMode, delay time.Duration) *config.Reloader {
	return config.NewReloader(&config.Config{
		CommunityID: "alpha",
		Defaults: config.CommunitySettings{
			AutomationMode:   mode,
			AutomationDelay:  config.Duration(delay),
			TimeoutMinutes:   10,
			DeleteMessageDay: 1,
			AlertChannel:     "alerts",
		},
	})
}

func newTestCoordinator(t *testing.T, mode config.AutomationMode, delay time.Duration) (*Coordinator, *platform.Fake, ledger.Service) {
	t.Helper()
	svc := ledger.NewInMemory()
	bus := events.New()
	fed := federation.NewEngine(svc, bus, nil, "alpha")
	fake := platform.NewFake()
	co := NewCoordinator(testConfig(mode, delay), fake, fed, bus)
	co.baseBackoff = time.Millisecond
	fed.SetEnforcer(co)
	return co, fake, svc
}

func someEvidence() []match.Evidence {
	return []match.Evidence{{
		ID: "ev-1", RuleID: "rule-1", Kind: rules.KindSubstring,
		Pattern: "free nitro", Context: rules.ContextMessage,
		TextSample: "free nitro here", ObservedAt: time.Now().UTC(),
	}}
}

func TestEvidenceOpensCase(t *testing.T) {
	co, fake, _ := newTestCoordinator(t, config.ModeManual, 0)
	ctx := context.Background()

	if err := co.HandleEvidence(ctx, "alpha", "user-1", "scammer", someEvidence()); err != nil {
		t.Fatalf("handle evidence: %v", err)
	}

	c, ok := co.CaseFor("user-1", "alpha")
	if !ok {
		t.Fatal("no case opened")
	}
	if c.State != StateAlertPending {
		t.Fatalf("state = %s, want alert_pending", c.State)
	}
	if len(fake.CallsTo("TimeoutUser")) != 1 {
		t.Fatal("subject was not timed out")
	}
	if len(fake.CallsTo("SendAlert")) != 1 {
		t.Fatal("no alert sent")
	}
	if c.AlertHandle == "" {
		t.Fatal("alert handle not recorded")
	}
}

func TestOpenCaseAbsorbsNewEvidence(t *testing.T) {
	co, fake, _ := newTestCoordinator(t, config.ModeManual, 0)
	ctx := context.Background()

	if err := co.HandleEvidence(ctx, "alpha", "user-1", "scammer", someEvidence()); err != nil {
		t.Fatalf("first evidence: %v", err)
	}
	if err := co.HandleEvidence(ctx, "alpha", "user-1", "scammer", someEvidence()); err != nil {
		t.Fatalf("second evidence: %v", err)
	}

	if n := len(fake.CallsTo("SendAlert")); n != 1 {
		t.Fatalf("alerts sent = %d, want 1", n)
	}
	if n := len(fake.CallsTo("UpdateAlert")); n != 1 {
		t.Fatalf("alert updates = %d, want 1", n)
	}
	c, _ := co.CaseFor("user-1", "alpha")
	if len(c.Evidence) != 2 {
		t.Fatalf("evidence count = %d, want 2", len(c.Evidence))
	}
}

func TestModeratorBanResolvesAndFederates(t *testing.T) {
	co, fake, svc := newTestCoordinator(t, config.ModeManual, 0)
	ctx := context.Background()

	if err := co.HandleEvidence(ctx, "alpha", "user-1", "scammer", someEvidence()); err != nil {
		t.Fatalf("handle evidence: %v", err)
	}
	if err := co.ResolveAlert(ctx, "alpha", "user-1", platform.ChoiceBan, "mod-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	c, _ := co.CaseFor("user-1", "alpha")
	if c.State != StateResolved || c.Resolution != ResolvedBanned {
		t.Fatalf("case = %s/%s, want resolved/banned", c.State, c.Resolution)
	}
	if len(fake.CallsTo("BanUser")) != 1 {
		t.Fatal("platform ban not issued")
	}

	sub, err := svc.GetSubject(ctx, "user-1")
	if err != nil {
		t.Fatalf("get subject: %v", err)
	}
	if sub.Status != ledger.StatusBanned || sub.Version != 1 || sub.OriginCommunity != "alpha" {
		t.Fatalf("subject = %+v", sub)
	}
	if len(sub.Evidence) == 0 {
		t.Fatal("decision carried no evidence")
	}
}

func TestModeratorIgnoreLiftsTimeout(t *testing.T) {
	co, fake, svc := newTestCoordinator(t, config.ModeManual, 0)
	ctx := context.Background()

	if err := co.HandleEvidence(ctx, "alpha", "user-1", "scammer", someEvidence()); err != nil {
		t.Fatalf("handle evidence: %v", err)
	}
	if err := co.ResolveAlert(ctx, "alpha", "user-1", platform.ChoiceIgnore, "mod-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	c, _ := co.CaseFor("user-1", "alpha")
	if c.Resolution != ResolvedIgnored {
		t.Fatalf("resolution = %s, want ignored", c.Resolution)
	}
	// One containment timeout on open, one zero-duration lift on resolve.
	if n := len(fake.CallsTo("TimeoutUser")); n != 2 {
		t.Fatalf("timeout calls = %d, want 2", n)
	}
	if _, err := svc.GetSubject(ctx, "user-1"); err == nil {
		t.Fatal("ignore must not touch the subject record")
	}
}

func TestResolveUnknownSubject(t *testing.T) {
	co, _, _ := newTestCoordinator(t, config.ModeManual, 0)
	err := co.ResolveAlert(context.Background(), "alpha", "ghost", platform.ChoiceBan, "mod-1")
	if err != ErrNoOpenCase {
		t.Fatalf("err = %v, want ErrNoOpenCase", err)
	}
}

func TestFullAutomationBansAfterDelay(t *testing.T) {
	co, fake, svc := newTestCoordinator(t, config.ModeFull, 20*time.Millisecond)
	ctx := context.Background()

	if err := co.HandleEvidence(ctx, "alpha", "user-1", "scammer", someEvidence()); err != nil {
		t.Fatalf("handle evidence: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		c, _ := co.CaseFor("user-1", "alpha")
		if c.State == StateResolved {
			if c.Resolution != ResolvedBanned {
				t.Fatalf("resolution = %s, want banned", c.Resolution)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("automation never fired, case = %+v", c)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(fake.CallsTo("BanUser")) != 1 {
		t.Fatal("platform ban not issued")
	}
	sub, err := svc.GetSubject(ctx, "user-1")
	if err != nil || sub.Status != ledger.StatusBanned {
		t.Fatalf("subject = %+v err = %v", sub, err)
	}
}

func TestModeratorCancelsAutomation(t *testing.T) {
	co, fake, _ := newTestCoordinator(t, config.ModeFull, 100*time.Millisecond)
	ctx := context.Background()

	if err := co.HandleEvidence(ctx, "alpha", "user-1", "scammer", someEvidence()); err != nil {
		t.Fatalf("handle evidence: %v", err)
	}
	if err := co.ResolveAlert(ctx, "alpha", "user-1", platform.ChoiceIgnore, "mod-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	time.Sleep(250 * time.Millisecond)
	if n := len(fake.CallsTo("BanUser")); n != 0 {
		t.Fatalf("automation banned a dismissed subject (%d calls)", n)
	}
	c, _ := co.CaseFor("user-1", "alpha")
	if c.Resolution != ResolvedIgnored {
		t.Fatalf("resolution = %s, want ignored", c.Resolution)
	}
}

func TestBannedSubjectReEnforcedWithoutAlert(t *testing.T) {
	co, fake, svc := newTestCoordinator(t, config.ModeManual, 0)
	ctx := context.Background()

	if err := svc.Apply(ctx, ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusBanned,
		OriginCommunity: "beta", Version: 1,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := co.HandleEvidence(ctx, "alpha", "user-1", "scammer", someEvidence()); err != nil {
		t.Fatalf("handle evidence: %v", err)
	}
	if len(fake.CallsTo("BanUser")) != 1 {
		t.Fatal("expected immediate re-enforcement")
	}
	if len(fake.CallsTo("SendAlert")) != 0 {
		t.Fatal("no alert should be raised for a known-banned subject")
	}
	if _, ok := co.CaseFor("user-1", "alpha"); ok {
		t.Fatal("no case should open for a known-banned subject")
	}
}

func TestEnforcementFailureKeepsCasePending(t *testing.T) {
	co, fake, _ := newTestCoordinator(t, config.ModeManual, 0)
	ctx := context.Background()

	if err := co.HandleEvidence(ctx, "alpha", "user-1", "scammer", someEvidence()); err != nil {
		t.Fatalf("handle evidence: %v", err)
	}
	fake.FailNext("BanUser", 10)

	err := co.ResolveAlert(ctx, "alpha", "user-1", platform.ChoiceBan, "mod-1")
	if err == nil {
		t.Fatal("expected ban failure to surface")
	}
	c, _ := co.CaseFor("user-1", "alpha")
	if c.State != StateAlertPending {
		t.Fatalf("state = %s, want alert_pending after failure", c.State)
	}
	if len(c.Evidence) != 1 {
		t.Fatal("evidence must survive a failed enforcement")
	}
	// 3 attempts against a still-failing platform.
	if n := len(fake.CallsTo("BanUser")); n != 0 {
		t.Fatalf("recorded %d successful ban calls, want 0", n)
	}
}

func TestFederatedBanEnforced(t *testing.T) {
	co, fake, _ := newTestCoordinator(t, config.ModeManual, 0)
	ctx := context.Background()

	co.EnforceDecision(ctx, ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusBanned,
		OriginCommunity: "beta", Version: 1, Reason: "phishing",
	})
	calls := fake.CallsTo("BanUser")
	if len(calls) != 1 {
		t.Fatalf("ban calls = %d, want 1", len(calls))
	}
	if calls[0].CommunityID != "alpha" {
		t.Fatalf("banned in %s, want alpha", calls[0].CommunityID)
	}
	if len(fake.CallsTo("SendAlert")) != 0 {
		t.Fatal("federated enforcement must not raise an alert")
	}
}

func TestFederatedBanClosesOpenCase(t *testing.T) {
	co, _, _ := newTestCoordinator(t, config.ModeManual, 0)
	ctx := context.Background()

	if err := co.HandleEvidence(ctx, "alpha", "user-1", "scammer", someEvidence()); err != nil {
		t.Fatalf("handle evidence: %v", err)
	}
	co.EnforceDecision(ctx, ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusBanned,
		OriginCommunity: "beta", Version: 1,
	})
	c, _ := co.CaseFor("user-1", "alpha")
	if c.State != StateResolved || c.Resolution != ResolvedBanned {
		t.Fatalf("case = %s/%s, want resolved/banned", c.State, c.Resolution)
	}
}

func TestFederatedUnbanCallsPlatform(t *testing.T) {
	co, fake, _ := newTestCoordinator(t, config.ModeManual, 0)
	co.EnforceDecision(context.Background(), ledger.Decision{
		SubjectID: "user-1", Status: ledger.StatusCleared,
		OriginCommunity: "beta", Version: 2,
	})
	if len(fake.CallsTo("UnbanUser")) != 1 {
		t.Fatal("federated unban not applied")
	}
}
