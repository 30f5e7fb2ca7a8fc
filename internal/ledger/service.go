package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Service defines subject ledger operations. The version compare-and-set
// in Propose and Apply must be atomic: concurrent decisions on the same
// subject resolve deterministically by version ordering, never by
// arrival order.
type Service interface {
	// Propose mints the next version for a locally originated decision
	// and applies it. Returns ErrStale when the status already matches.
	Propose(ctx context.Context, d Decision) (Decision, error)
	// Apply records an already-versioned decision (typically from a
	// peer). Returns ErrStale when the version does not win.
	Apply(ctx context.Context, d Decision) error
	GetSubject(ctx context.Context, id string) (Subject, error)
	// ListBanned pages through currently banned subjects for backfill.
	ListBanned(ctx context.Context, limit int, afterID string) ([]Subject, error)
	// Search finds subjects by exact id or username fragment.
	Search(ctx context.Context, query string, limit, offset int) ([]Subject, int, error)

	SetOverride(ctx context.Context, o Override) error
	ClearOverride(ctx context.Context, subjectID, communityID string) error
	GetOverride(ctx context.Context, subjectID, communityID string) (Override, bool, error)

	RecordInitiated(ctx context.Context, communityID string, status Status) error
	RecordReceived(ctx context.Context, communityID string) error
	Stats(ctx context.Context) (Stats, error)

	MarkSynced(ctx context.Context, communityID string) error
	IsSynced(ctx context.Context, communityID string) (bool, error)
}

// InMemory implements Service with in-process concurrency safety.
// NOTE: replace with the Postgres-backed store in production deployments.
type InMemory struct {
	mu        sync.RWMutex
	subjects  map[string]*Subject
	overrides map[string]Override // subjectID+"\x00"+communityID
	stats     map[string]*CommunityStats
	synced    map[string]bool
	total     uint64
	events    uint64
}

// NewInMemory creates a fresh ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		subjects:  make(map[string]*Subject),
		overrides: make(map[string]Override),
		stats:     make(map[string]*CommunityStats),
		synced:    make(map[string]bool),
	}
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) Propose(ctx context.Context, d Decision) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.subjects[d.SubjectID]
	if current != nil && current.Status == d.Status {
		return Decision{}, ErrStale
	}
	var version uint64 = 1
	if current != nil {
		version = current.Version + 1
	}
	d.Version = version
	if d.IssuedAt.IsZero() {
		d.IssuedAt = time.Now().UTC()
	}
	s.store(d)
	return d, nil
}

func (s *InMemory) Apply(ctx context.Context, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.subjects[d.SubjectID]
	if current != nil && d.Version <= current.Version {
		return ErrStale
	}
	if d.IssuedAt.IsZero() {
		d.IssuedAt = time.Now().UTC()
	}
	sameStatus := current != nil && current.Status == d.Status
	// The highest version owns the record in full, origin included.
	// Unban authority follows the origin, so a same-status winner must
	// still replace the stored decision; enforcement treats it as a
	// no-op.
	s.store(d)
	if sameStatus {
		return ErrStale
	}
	return nil
}

// store writes the accepted decision; the caller holds the lock.
func (s *InMemory) store(d Decision) {
	s.subjects[d.SubjectID] = &Subject{
		ID:              d.SubjectID,
		Status:          d.Status,
		Version:         d.Version,
		OriginCommunity: d.OriginCommunity,
		Username:        d.Username,
		Reason:          d.Reason,
		Moderator:       d.Moderator,
		Evidence:        d.Evidence,
		LastUpdated:     d.IssuedAt,
	}
}

func (s *InMemory) GetSubject(ctx context.Context, id string) (Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.subjects[id]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return *subject, nil
}

func (s *InMemory) ListBanned(ctx context.Context, limit int, afterID string) ([]Subject, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.subjects))
	for id, subject := range s.subjects {
		if subject.Status == StatusBanned && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Subject, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.subjects[id])
	}
	return out, nil
}

func (s *InMemory) Search(ctx context.Context, query string, limit, offset int) ([]Subject, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []string
	for id, subject := range s.subjects {
		if id == query || strings.Contains(strings.ToLower(subject.Username), query) {
			matched = append(matched, id)
		}
	}
	sort.Strings(matched)
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Subject, 0, len(matched))
	for _, id := range matched {
		out = append(out, *s.subjects[id])
	}
	return out, total, nil
}

func (s *InMemory) SetOverride(ctx context.Context, o Override) error {
	if o.AppliedAt.IsZero() {
		o.AppliedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[overrideKey(o.SubjectID, o.CommunityID)] = o
	return nil
}

func (s *InMemory) ClearOverride(ctx context.Context, subjectID, communityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := overrideKey(subjectID, communityID)
	if _, ok := s.overrides[key]; !ok {
		return ErrNotFound
	}
	delete(s.overrides, key)
	return nil
}

func (s *InMemory) GetOverride(ctx context.Context, subjectID, communityID string) (Override, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[overrideKey(subjectID, communityID)]
	return o, ok, nil
}

func (s *InMemory) RecordInitiated(ctx context.Context, communityID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.communityStats(communityID)
	month := MonthKey(time.Now())
	switch status {
	case StatusBanned:
		cs.BansInitiated++
		cs.MonthlyInitiated[month]++
		s.total++
	case StatusCleared:
		cs.UnbansInitiated++
		if s.total > 0 {
			s.total--
		}
	}
	s.events++
	return nil
}

func (s *InMemory) RecordReceived(ctx context.Context, communityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.communityStats(communityID)
	cs.BansReceived++
	cs.MonthlyReceived[MonthKey(time.Now())]++
	s.events++
	return nil
}

func (s *InMemory) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Stats{
		Communities: make(map[string]CommunityStats, len(s.stats)),
		TotalBans:   s.total,
		TotalEvents: s.events,
	}
	for id, cs := range s.stats {
		copied := *cs
		copied.MonthlyInitiated = copyCounts(cs.MonthlyInitiated)
		copied.MonthlyReceived = copyCounts(cs.MonthlyReceived)
		out.Communities[id] = copied
	}
	return out, nil
}

func (s *InMemory) MarkSynced(ctx context.Context, communityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced[communityID] = true
	return nil
}

func (s *InMemory) IsSynced(ctx context.Context, communityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced[communityID], nil
}

// communityStats returns the mutable stats row; the caller holds the lock.
func (s *InMemory) communityStats(communityID string) *CommunityStats {
	cs, ok := s.stats[communityID]
	if !ok {
		cs = &CommunityStats{
			MonthlyInitiated: make(map[string]uint64),
			MonthlyReceived:  make(map[string]uint64),
		}
		s.stats[communityID] = cs
	}
	return cs
}

func overrideKey(subjectID, communityID string) string {
	return subjectID + "\x00" + communityID
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
