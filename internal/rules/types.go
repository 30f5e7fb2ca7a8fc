package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"
	"time"

	"fedguard.org/internal/ids"
)

// Scope determines which communities a rule applies to.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeCommunity Scope = "community"
)

// Kind selects the matching strategy.
type Kind string

const (
	// KindSubstring matches raw case-insensitive containment, catching
	// variations ("admin" inside "daoadmin").
	KindSubstring Kind = "substring"
	// KindWordExact matches only at non-alphanumeric boundaries, avoiding
	// false positives ("mod" must not fire inside "modern").
	KindWordExact Kind = "word_exact"
	// KindRegex matches a full regular expression.
	KindRegex Kind = "regex"
)

// Context is where the screened text came from.
type Context string

const (
	ContextUsername Context = "username"
	ContextBio      Context = "bio"
	ContextMessage  Context = "message"
)

// Rule is a stored screening pattern.
type Rule struct {
	ID          string    `json:"id"`
	Scope       Scope     `json:"scope"`
	Kind        Kind      `json:"kind"`
	Pattern     string    `json:"pattern"`
	CommunityID string    `json:"community_id,omitempty"`
	Contexts    []Context `json:"contexts,omitempty"` // empty means all
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`

	compiled *regexp.Regexp
}

var (
	ErrNotFound  = errors.New("rules: not found")
	ErrInvalid   = errors.New("rules: invalid rule")
	ErrDuplicate = errors.New("rules: duplicate pattern")
)

const (
	maxPatternLen = 512
	// Regex programs above this size are rejected at add time so a single
	// rule cannot dominate evaluation cost.
	maxRegexProgramSize = 2000
)

// New validates inputs and builds a Rule ready for storage. Regex rules
// are compiled here; an uncompilable or oversized pattern is rejected and
// never stored.
func New(scope Scope, kind Kind, pattern, communityID, createdBy string, contexts ...Context) (Rule, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return Rule{}, fmt.Errorf("%w: empty pattern", ErrInvalid)
	}
	if len(pattern) > maxPatternLen {
		return Rule{}, fmt.Errorf("%w: pattern exceeds %d bytes", ErrInvalid, maxPatternLen)
	}
	switch scope {
	case ScopeGlobal:
		if communityID != "" {
			return Rule{}, fmt.Errorf("%w: global rule cannot name a community", ErrInvalid)
		}
	case ScopeCommunity:
		if communityID == "" {
			return Rule{}, fmt.Errorf("%w: community rule requires a community id", ErrInvalid)
		}
	default:
		return Rule{}, fmt.Errorf("%w: unknown scope %q", ErrInvalid, scope)
	}

	r := Rule{
		ID:          ids.New(),
		Scope:       scope,
		Kind:        kind,
		Pattern:     pattern,
		CommunityID: communityID,
		Contexts:    contexts,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}

	switch kind {
	case KindSubstring, KindWordExact:
		r.Pattern = strings.ToLower(pattern)
	case KindRegex:
		compiled, err := CompilePattern(pattern)
		if err != nil {
			return Rule{}, err
		}
		r.compiled = compiled
	default:
		return Rule{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	return r, nil
}

// CompilePattern compiles and safety-checks a regex pattern. Exposed so
// the test-regex operator flow can validate without storing.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	prog, err := syntax.Compile(parsed.Simplify())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(prog.Inst) > maxRegexProgramSize {
		return nil, fmt.Errorf("%w: pattern too complex", ErrInvalid)
	}
	compiled, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return compiled, nil
}

// Regexp returns the compiled pattern for regex rules, compiling lazily
// for rules loaded from storage.
func (r *Rule) Regexp() (*regexp.Regexp, error) {
	if r.Kind != KindRegex {
		return nil, fmt.Errorf("%w: not a regex rule", ErrInvalid)
	}
	if r.compiled == nil {
		compiled, err := CompilePattern(r.Pattern)
		if err != nil {
			return nil, err
		}
		r.compiled = compiled
	}
	return r.compiled, nil
}

// AppliesTo reports whether the rule is screened in the given context.
func (r *Rule) AppliesTo(ctx Context) bool {
	if len(r.Contexts) == 0 {
		return true
	}
	for _, c := range r.Contexts {
		if c == ctx {
			return true
		}
	}
	return false
}

// Key identifies a rule's logical slot: duplicates share the same key.
func (r *Rule) Key() string {
	return PatternKey(r.Scope, r.Kind, r.CommunityID, r.Pattern)
}

// PatternKey hashes (scope, kind, community, pattern) into a storage key.
func PatternKey(scope Scope, kind Kind, communityID, pattern string) string {
	h := sha256.Sum256([]byte(string(scope) + "\x00" + string(kind) + "\x00" + communityID + "\x00" + strings.ToLower(pattern)))
	return hex.EncodeToString(h[:16])
}
