package ledger

import (
	"errors"
	"time"

	"fedguard.org/internal/match"
)

// Status is the federated standing of a subject.
type Status string

const (
	StatusNone    Status = "none"
	StatusBanned  Status = "banned"
	StatusCleared Status = "cleared"
)

// Subject is a global identity tracked for moderation purposes. Version
// is a per-subject monotonic counter: a status change is accepted only if
// its version exceeds the stored one, which makes reconciliation
// order-independent under duplicate and late delivery.
type Subject struct {
	ID              string           `json:"id"`
	Status          Status           `json:"status"`
	Version         uint64           `json:"version"`
	OriginCommunity string           `json:"origin_community,omitempty"`
	Username        string           `json:"username,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Moderator       string           `json:"moderator,omitempty"`
	Evidence        []match.Evidence `json:"evidence,omitempty"`
	LastUpdated     time.Time        `json:"last_updated"`
}

// Decision is a versioned status change, either minted locally or
// received from a peer node.
type Decision struct {
	SubjectID       string           `json:"subject_id"`
	Status          Status           `json:"status"`
	Version         uint64           `json:"version"`
	OriginCommunity string           `json:"origin_community"`
	Username        string           `json:"username,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Moderator       string           `json:"moderator,omitempty"`
	Evidence        []match.Evidence `json:"evidence,omitempty"`
	IssuedAt        time.Time        `json:"issued_at"`
}

// Override is a community's deliberate local deviation from the
// federated status of one subject. Overrides are never propagated.
type Override struct {
	SubjectID   string    `json:"subject_id"`
	CommunityID string    `json:"community_id"`
	Status      Status    `json:"status"`
	AppliedBy   string    `json:"applied_by"`
	AppliedAt   time.Time `json:"applied_at"`
}

// CommunityStats aggregates federation activity per community.
type CommunityStats struct {
	BansInitiated    uint64            `json:"bans_initiated"`
	BansReceived     uint64            `json:"bans_received"`
	UnbansInitiated  uint64            `json:"unbans_initiated"`
	MonthlyInitiated map[string]uint64 `json:"monthly_initiated,omitempty"`
	MonthlyReceived  map[string]uint64 `json:"monthly_received,omitempty"`
}

// Stats is the federation-wide snapshot returned to operators.
type Stats struct {
	Communities map[string]CommunityStats `json:"communities"`
	TotalBans   uint64                    `json:"total_federation_bans"`
	TotalEvents uint64                    `json:"total_federated_actions"`
}

var (
	ErrNotFound = errors.New("ledger: subject not found")
	// ErrStale marks a decision whose version does not exceed the stored
	// one. It is recovered silently, never surfaced to operators.
	ErrStale = errors.New("ledger: stale decision")
)

// MonthKey buckets stats the way the federation reports them.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
