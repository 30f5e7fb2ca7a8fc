// Package scan runs retroactive sweeps over a community's member list
// and the periodic bio recheck, feeding anything that matches into the
// case workflow.
package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"fedguard.org/internal/config"
	"fedguard.org/internal/match"
	"fedguard.org/internal/obs"
	"fedguard.org/internal/platform"
	"fedguard.org/internal/rules"
	"fedguard.org/internal/workflow"
)

var ErrScanRunning = errors.New("scan: already running")

// Progress is a point-in-time view of the active or last finished sweep.
type Progress struct {
	Running    bool      `json:"running"`
	Community  string    `json:"community_id,omitempty"`
	Total      int       `json:"total"`
	Scanned    int       `json:"scanned"`
	Flagged    int       `json:"flagged"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Scanner sweeps an entire member list through the matching engine. One
// sweep runs at a time; the member list is fetched once at the start so
// the sweep is not confused by joins and leaves mid-run.
type Scanner struct {
	client platform.Client
	engine *match.Engine
	wf     *workflow.Coordinator
	cfg    *config.Reloader

	mu       sync.Mutex
	cancel   context.CancelFunc
	progress Progress
}

func NewScanner(client platform.Client, engine *match.Engine, wf *workflow.Coordinator, cfg *config.Reloader) *Scanner {
	return &Scanner{client: client, engine: engine, wf: wf, cfg: cfg}
}

// Start kicks off a sweep of the community. It returns once the member
// list is fetched; matching runs in the background until done or stopped.
func (s *Scanner) Start(ctx context.Context, communityID string) error {
	s.mu.Lock()
	if s.progress.Running {
		s.mu.Unlock()
		return ErrScanRunning
	}
	s.progress = Progress{Running: true, Community: communityID, StartedAt: time.Now().UTC()}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	members, err := s.client.ListMembers(ctx, communityID)
	if err != nil {
		s.finish()
		return err
	}
	s.mu.Lock()
	s.progress.Total = len(members)
	s.mu.Unlock()

	go s.sweep(runCtx, communityID, members)
	return nil
}

// Stop aborts the running sweep, if any.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Progress reports the state of the current or most recent sweep.
func (s *Scanner) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *Scanner) sweep(ctx context.Context, communityID string, members []platform.Member) {
	defer s.finish()
	settings := s.cfg.Current().ForCommunity(communityID)

	for _, m := range members {
		if ctx.Err() != nil {
			obs.LogEvent(map[string]any{
				"level": "info", "msg": "scan stopped",
				"community_id": communityID, "scanned": s.Progress().Scanned,
			})
			return
		}
		if m.IsBot || hasWhitelistedRole(m.Roles, settings.WhitelistedRoles) {
			s.bump(false)
			continue
		}

		flagged, err := s.screenMember(ctx, communityID, m)
		if err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn", "msg": "scan member failed",
				"community_id": communityID, "user_id": m.UserID, "err": err.Error(),
			})
		}
		s.bump(flagged)
	}
	obs.LogEvent(map[string]any{
		"level": "info", "msg": "scan finished",
		"community_id": communityID, "total": len(members), "flagged": s.Progress().Flagged,
	})
}

func (s *Scanner) screenMember(ctx context.Context, communityID string, m platform.Member) (bool, error) {
	evidence, err := s.engine.Evaluate(ctx, m.Username, communityID, rules.ContextUsername)
	if err != nil {
		return false, err
	}
	if m.Bio != "" {
		bioEv, err := s.engine.Evaluate(ctx, m.Bio, communityID, rules.ContextBio)
		if err != nil {
			return false, err
		}
		evidence = append(evidence, bioEv...)
	}
	if len(evidence) == 0 {
		return false, nil
	}
	return true, s.wf.HandleEvidence(ctx, communityID, m.UserID, m.Username, evidence)
}

func (s *Scanner) bump(flagged bool) {
	s.mu.Lock()
	s.progress.Scanned++
	if flagged {
		s.progress.Flagged++
	}
	s.mu.Unlock()
}

func (s *Scanner) finish() {
	s.mu.Lock()
	s.progress.Running = false
	s.progress.FinishedAt = time.Now().UTC()
	s.cancel = nil
	s.mu.Unlock()
}

func hasWhitelistedRole(roles, whitelist []string) bool {
	for _, r := range roles {
		for _, w := range whitelist {
			if r == w {
				return true
			}
		}
	}
	return false
}
