// Package platform is the boundary to the chat platform the communities
// live on. The service consumes its events and drives enforcement through
// the Client interface; session handling and UI rendering stay on the
// other side of this boundary.
package platform

import (
	"context"
	"errors"
	"time"

	"fedguard.org/internal/match"
)

// ModAction is a manual moderation action surfaced via the audit log.
type ModAction string

const (
	ActionBan   ModAction = "ban"
	ActionUnban ModAction = "unban"
	ActionKick  ModAction = "kick"
)

// JoinEvent fires when a user enters a community.
type JoinEvent struct {
	UserID      string `json:"user_id"`
	CommunityID string `json:"community_id"`
	Username    string `json:"username"`
	Bio         string `json:"bio,omitempty"`
}

// MessageEvent fires for new messages and edits.
type MessageEvent struct {
	MessageID   string `json:"message_id"`
	AuthorID    string `json:"author_id"`
	CommunityID string `json:"community_id"`
	Username    string `json:"username,omitempty"`
	Text        string `json:"text"`
	IsEdit      bool   `json:"is_edit,omitempty"`
}

// AuditEvent is a moderation action taken outside the service, observed
// through the platform audit log.
type AuditEvent struct {
	ActorID     string    `json:"actor_id"`
	TargetID    string    `json:"target_id"`
	CommunityID string    `json:"community_id"`
	Action      ModAction `json:"action"`
	Reason      string    `json:"reason,omitempty"`
}

// AlertChoice is a moderator's response to an interactive alert.
type AlertChoice string

const (
	ChoiceBan    AlertChoice = "ban"
	ChoiceKick   AlertChoice = "kick"
	ChoiceUnban  AlertChoice = "unban"
	ChoiceIgnore AlertChoice = "ignore"
)

// Alert is the interactive notice posted to a community's alert channel.
type Alert struct {
	SubjectID string           `json:"subject_id"`
	Username  string           `json:"username,omitempty"`
	Title     string           `json:"title"`
	Body      string           `json:"body,omitempty"`
	Evidence  []match.Evidence `json:"evidence,omitempty"`
	Actions   []AlertChoice    `json:"actions"`
}

// Member is a community member enumerated during retroactive scans.
type Member struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Bio      string   `json:"bio,omitempty"`
	IsBot    bool     `json:"is_bot,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

var (
	ErrNotFound     = errors.New("platform: not found")
	ErrNoPermission = errors.New("platform: missing permission")
	ErrUnavailable  = errors.New("platform: temporarily unavailable")
)

// Client is the outbound platform surface. Every call blocks on network
// I/O and honors context cancellation; retry policy belongs to callers.
type Client interface {
	BanUser(ctx context.Context, communityID, userID, reason string, deleteMessageDays int) error
	UnbanUser(ctx context.Context, communityID, userID, reason string) error
	KickUser(ctx context.Context, communityID, userID, reason string) error
	TimeoutUser(ctx context.Context, communityID, userID string, duration time.Duration, reason string) error
	DeleteMessage(ctx context.Context, communityID, messageID string) error

	// SendAlert posts an interactive alert and returns a handle the
	// moderator's eventual choice is correlated with.
	SendAlert(ctx context.Context, communityID, channel string, alert Alert) (string, error)
	// UpdateAlert rewrites the status line of a previously posted alert.
	UpdateAlert(ctx context.Context, communityID, handle, status string) error

	ListMembers(ctx context.Context, communityID string) ([]Member, error)
	FetchBio(ctx context.Context, userID string) (string, error)
}
