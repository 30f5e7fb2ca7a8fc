package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"fedguard.org/internal/config"
	"fedguard.org/internal/events"
	"fedguard.org/internal/ledger"
	"fedguard.org/internal/obs"
)

const deliverPath = "/v1/federation/decisions"

// Broadcaster fans accepted decisions out to every configured peer.
// Each peer gets its own ordered queue and worker, so one slow or dead
// node never delays the others. Delivery is at-least-once: the receiving
// ledger deduplicates by (subject, version), so redelivery is harmless.
type Broadcaster struct {
	peers  []config.Peer
	client *retryablehttp.Client
	bus    *events.Bus

	mu      sync.Mutex
	pending map[string][]ledger.Decision
	wake    map[string]chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewBroadcaster builds a broadcaster over the given peer set. Retry
// pacing lives in the shared HTTP client; queue draining starts on Start.
func NewBroadcaster(peers []config.Peer, bus *events.Bus) *Broadcaster {
	client := retryablehttp.NewClient()
	client.RetryMax = 8
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 30 * time.Second
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = nil

	b := &Broadcaster{
		peers:   peers,
		client:  client,
		bus:     bus,
		pending: make(map[string][]ledger.Decision),
		wake:    make(map[string]chan struct{}),
	}
	for _, p := range peers {
		b.wake[p.ID] = make(chan struct{}, 1)
	}
	return b
}

// Start launches one delivery worker per peer. Workers run until the
// context ends.
func (b *Broadcaster) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	for _, p := range b.peers {
		b.wg.Add(1)
		go b.run(ctx, p)
	}
}

// Close stops all workers and waits for in-flight deliveries.
func (b *Broadcaster) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Enqueue schedules a decision for delivery to every peer. It never
// blocks; the caller's enforcement path must not wait on the network.
func (b *Broadcaster) Enqueue(d ledger.Decision) {
	b.mu.Lock()
	for _, p := range b.peers {
		b.pending[p.ID] = append(b.pending[p.ID], d)
	}
	b.mu.Unlock()
	for _, p := range b.peers {
		select {
		case b.wake[p.ID] <- struct{}{}:
		default:
		}
	}
}

// Backlog reports how many decisions are still queued for a peer.
func (b *Broadcaster) Backlog(peerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[peerID])
}

func (b *Broadcaster) run(ctx context.Context, peer config.Peer) {
	defer b.wg.Done()
	for {
		d, ok := b.pop(peer.ID)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.wake[peer.ID]:
				continue
			}
		}

		if err := b.deliver(ctx, peer, d); err != nil {
			if ctx.Err() != nil {
				return
			}
			obs.BroadcastDeliveries.WithLabelValues(peer.ID, "exhausted").Inc()
			obs.LogEvent(map[string]any{
				"level": "error", "msg": "broadcast delivery exhausted",
				"peer": peer.ID, "subject_id": d.SubjectID, "version": d.Version,
				"err": err.Error(),
			})
			b.bus.Publish(events.Event{
				Kind:        events.KindBroadcastExhausted,
				SubjectID:   d.SubjectID,
				CommunityID: peer.ID,
				Status:      string(d.Status),
				Version:     d.Version,
				Detail:      err.Error(),
			})
			continue
		}
		obs.BroadcastDeliveries.WithLabelValues(peer.ID, "ok").Inc()
	}
}

func (b *Broadcaster) pop(peerID string) (ledger.Decision, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.pending[peerID]
	if len(q) == 0 {
		return ledger.Decision{}, false
	}
	d := q[0]
	b.pending[peerID] = q[1:]
	return d, true
}

func (b *Broadcaster) deliver(ctx context.Context, peer config.Peer, d ledger.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, peer.BaseURL+deliverPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if peer.Token != "" {
		req.Header.Set("Authorization", "Bearer "+peer.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", peer.ID, err)
	}
	defer resp.Body.Close()
	// 409 means the peer already holds an equal-or-newer version.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("deliver to %s: unexpected status %d", peer.ID, resp.StatusCode)
	}
	return nil
}
