package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Client for tests and local development. Calls are
// recorded in order; failures can be injected per method name.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	members  map[string][]Member // communityID -> members
	bios     map[string]string
	failures map[string]int // method -> remaining failures
	handles  int
}

// Call is one recorded outbound call.
type Call struct {
	Method      string
	CommunityID string
	UserID      string
	Detail      string
}

// NewFake creates an empty fake platform.
func NewFake() *Fake {
	return &Fake{
		members:  make(map[string][]Member),
		bios:     make(map[string]string),
		failures: make(map[string]int),
	}
}

var _ Client = (*Fake)(nil)

// SetMembers seeds the member list for a community.
func (f *Fake) SetMembers(communityID string, members []Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[communityID] = members
}

// SetBio seeds a user's bio.
func (f *Fake) SetBio(userID, bio string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bios[userID] = bio
}

// FailNext makes the next n calls of a method return ErrUnavailable.
func (f *Fake) FailNext(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = n
}

// Calls returns a copy of the recorded call log.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo filters the call log by method name.
func (f *Fake) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) record(method, communityID, userID, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remaining := f.failures[method]; remaining > 0 {
		f.failures[method] = remaining - 1
		return ErrUnavailable
	}
	f.calls = append(f.calls, Call{Method: method, CommunityID: communityID, UserID: userID, Detail: detail})
	return nil
}

func (f *Fake) BanUser(ctx context.Context, communityID, userID, reason string, deleteMessageDays int) error {
	return f.record("BanUser", communityID, userID, reason)
}

func (f *Fake) UnbanUser(ctx context.Context, communityID, userID, reason string) error {
	return f.record("UnbanUser", communityID, userID, reason)
}

func (f *Fake) KickUser(ctx context.Context, communityID, userID, reason string) error {
	return f.record("KickUser", communityID, userID, reason)
}

func (f *Fake) TimeoutUser(ctx context.Context, communityID, userID string, duration time.Duration, reason string) error {
	return f.record("TimeoutUser", communityID, userID, reason)
}

func (f *Fake) DeleteMessage(ctx context.Context, communityID, messageID string) error {
	return f.record("DeleteMessage", communityID, messageID, "")
}

func (f *Fake) SendAlert(ctx context.Context, communityID, channel string, alert Alert) (string, error) {
	f.mu.Lock()
	if remaining := f.failures["SendAlert"]; remaining > 0 {
		f.failures["SendAlert"] = remaining - 1
		f.mu.Unlock()
		return "", ErrUnavailable
	}
	f.handles++
	handle := fmt.Sprintf("alert-%d", f.handles)
	f.calls = append(f.calls, Call{Method: "SendAlert", CommunityID: communityID, UserID: alert.SubjectID, Detail: handle})
	f.mu.Unlock()
	return handle, nil
}

func (f *Fake) UpdateAlert(ctx context.Context, communityID, handle, status string) error {
	return f.record("UpdateAlert", communityID, handle, status)
}

func (f *Fake) ListMembers(ctx context.Context, communityID string) ([]Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.members[communityID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Member, len(members))
	copy(out, members)
	return out, nil
}

func (f *Fake) FetchBio(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bio, ok := f.bios[userID]
	if !ok {
		return "", ErrNotFound
	}
	return bio, nil
}
