package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// REST drives the platform through a gateway process that owns the chat
// session. The gateway translates these calls into native platform API
// requests; this side stays stateless.
type REST struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

var _ Client = (*REST)(nil)

// NewREST builds a gateway client. Retries here cover transient gateway
// errors only; callers still own higher-level retry policy.
func NewREST(baseURL, token string) *REST {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil
	return &REST{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  c,
	}
}

func (g *REST) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, g.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrNoPermission
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: gateway status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("platform: gateway status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("platform: decode gateway response: %w", err)
	}
	return nil
}

func (g *REST) BanUser(ctx context.Context, communityID, userID, reason string, deleteMessageDays int) error {
	return g.do(ctx, http.MethodPost, "/communities/"+communityID+"/bans", map[string]any{
		"user_id": userID, "reason": reason, "delete_message_days": deleteMessageDays,
	}, nil)
}

func (g *REST) UnbanUser(ctx context.Context, communityID, userID, reason string) error {
	return g.do(ctx, http.MethodDelete, "/communities/"+communityID+"/bans/"+userID, nil, nil)
}

func (g *REST) KickUser(ctx context.Context, communityID, userID, reason string) error {
	return g.do(ctx, http.MethodPost, "/communities/"+communityID+"/kicks", map[string]any{
		"user_id": userID, "reason": reason,
	}, nil)
}

func (g *REST) TimeoutUser(ctx context.Context, communityID, userID string, duration time.Duration, reason string) error {
	return g.do(ctx, http.MethodPost, "/communities/"+communityID+"/timeouts", map[string]any{
		"user_id": userID, "seconds": int(duration.Seconds()), "reason": reason,
	}, nil)
}

func (g *REST) DeleteMessage(ctx context.Context, communityID, messageID string) error {
	return g.do(ctx, http.MethodDelete, "/communities/"+communityID+"/messages/"+messageID, nil, nil)
}

func (g *REST) SendAlert(ctx context.Context, communityID, channel string, alert Alert) (string, error) {
	var out struct {
		Handle string `json:"handle"`
	}
	err := g.do(ctx, http.MethodPost, "/communities/"+communityID+"/channels/"+channel+"/alerts", alert, &out)
	if err != nil {
		return "", err
	}
	return out.Handle, nil
}

func (g *REST) UpdateAlert(ctx context.Context, communityID, handle, status string) error {
	return g.do(ctx, http.MethodPatch, "/communities/"+communityID+"/alerts/"+handle, map[string]any{
		"status": status,
	}, nil)
}

func (g *REST) ListMembers(ctx context.Context, communityID string) ([]Member, error) {
	var out struct {
		Members []Member `json:"members"`
	}
	if err := g.do(ctx, http.MethodGet, "/communities/"+communityID+"/members", nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (g *REST) FetchBio(ctx context.Context, userID string) (string, error) {
	var out struct {
		Bio string `json:"bio"`
	}
	if err := g.do(ctx, http.MethodGet, "/users/"+userID+"/bio", nil, &out); err != nil {
		return "", err
	}
	return out.Bio, nil
}
