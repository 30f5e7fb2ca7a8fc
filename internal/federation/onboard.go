package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"fedguard.org/internal/config"
	"fedguard.org/internal/ledger"
	"fedguard.org/internal/obs"
)

const backfillPath = "/v1/federation/backfill"

// BackfillPage is one page of banned subjects served to an onboarding
// node.
type BackfillPage struct {
	Items     []ledger.Subject `json:"items"`
	NextAfter string           `json:"next_after,omitempty"`
}

// Onboard pulls the full ban list from an established peer and replays
// it into the local ledger. Stale entries are skipped, so onboarding is
// safe to re-run. The node is marked synced once the last page lands.
func (e *Engine) Onboard(ctx context.Context, peer config.Peer) (int, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil

	var applied int
	after := ""
	for {
		page, err := fetchBackfillPage(ctx, client, peer, after)
		if err != nil {
			return applied, err
		}
		for _, subject := range page.Items {
			err := e.ledger.Apply(ctx, ledger.Decision{
				SubjectID:       subject.ID,
				Status:          subject.Status,
				Version:         subject.Version,
				OriginCommunity: subject.OriginCommunity,
				Username:        subject.Username,
				Reason:          subject.Reason,
				Moderator:       subject.Moderator,
				Evidence:        subject.Evidence,
				IssuedAt:        subject.LastUpdated,
			})
			if err == nil {
				applied++
			} else if !errors.Is(err, ledger.ErrStale) {
				return applied, err
			}
		}
		if page.NextAfter == "" || len(page.Items) == 0 {
			break
		}
		after = page.NextAfter
	}

	if err := e.ledger.MarkSynced(ctx, e.self); err != nil {
		return applied, err
	}
	obs.LogEvent(map[string]any{
		"level": "info", "msg": "onboarding backfill complete",
		"peer": peer.ID, "applied": applied,
	})
	return applied, nil
}

// Synced reports whether this node finished its onboarding backfill.
func (e *Engine) Synced(ctx context.Context) (bool, error) {
	return e.ledger.IsSynced(ctx, e.self)
}

func fetchBackfillPage(ctx context.Context, client *retryablehttp.Client, peer config.Peer, after string) (BackfillPage, error) {
	u := peer.BaseURL + backfillPath + "?limit=200"
	if after != "" {
		u += "&after=" + url.QueryEscape(after)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return BackfillPage{}, err
	}
	if peer.Token != "" {
		req.Header.Set("Authorization", "Bearer "+peer.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return BackfillPage{}, fmt.Errorf("backfill from %s: %w", peer.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return BackfillPage{}, fmt.Errorf("backfill from %s: unexpected status %d", peer.ID, resp.StatusCode)
	}
	var page BackfillPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return BackfillPage{}, fmt.Errorf("backfill from %s: decode: %w", peer.ID, err)
	}
	return page, nil
}
