package scan

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"fedguard.org/internal/config"
	"fedguard.org/internal/match"
	"fedguard.org/internal/obs"
	"fedguard.org/internal/platform"
	"fedguard.org/internal/rules"
	"fedguard.org/internal/workflow"
)

// BioRecheck periodically re-screens member bios. Profiles change after
// join, so a clean bio at screening time is not a clean bio forever.
// Unchanged bios are skipped via a content digest kept per user.
type BioRecheck struct {
	client platform.Client
	engine *match.Engine
	wf     *workflow.Coordinator
	cfg    *config.Reloader

	mu   sync.Mutex
	seen map[string][32]byte // userID -> last screened bio digest
}

func NewBioRecheck(client platform.Client, engine *match.Engine, wf *workflow.Coordinator, cfg *config.Reloader) *BioRecheck {
	return &BioRecheck{
		client: client,
		engine: engine,
		wf:     wf,
		cfg:    cfg,
		seen:   make(map[string][32]byte),
	}
}

// Run loops until the context ends, sweeping bios once per configured
// interval.
func (b *BioRecheck) Run(ctx context.Context) {
	interval := time.Duration(b.cfg.Current().BioRecheck)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over the configured community's members.
func (b *BioRecheck) Sweep(ctx context.Context) {
	communityID := b.cfg.Current().CommunityID
	settings := b.cfg.Current().ForCommunity(communityID)

	members, err := b.client.ListMembers(ctx, communityID)
	if err != nil {
		obs.LogEvent(map[string]any{
			"level": "warn", "msg": "bio recheck list failed",
			"community_id": communityID, "err": err.Error(),
		})
		return
	}

	var checked, flagged int
	for _, m := range members {
		if ctx.Err() != nil {
			return
		}
		if m.IsBot || hasWhitelistedRole(m.Roles, settings.WhitelistedRoles) {
			continue
		}
		bio, err := b.client.FetchBio(ctx, m.UserID)
		if err != nil || bio == "" {
			continue
		}
		digest := sha256.Sum256([]byte(bio))
		b.mu.Lock()
		prev, ok := b.seen[m.UserID]
		b.seen[m.UserID] = digest
		b.mu.Unlock()
		if ok && prev == digest {
			continue
		}

		checked++
		evidence, err := b.engine.Evaluate(ctx, bio, communityID, rules.ContextBio)
		if err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn", "msg": "bio evaluate failed",
				"user_id": m.UserID, "err": err.Error(),
			})
			continue
		}
		if len(evidence) == 0 {
			continue
		}
		flagged++
		if err := b.wf.HandleEvidence(ctx, communityID, m.UserID, m.Username, evidence); err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn", "msg": "bio recheck workflow failed",
				"user_id": m.UserID, "err": err.Error(),
			})
		}
	}
	obs.LogEvent(map[string]any{
		"level": "info", "msg": "bio recheck complete",
		"community_id": communityID, "checked": checked, "flagged": flagged,
	})
}
