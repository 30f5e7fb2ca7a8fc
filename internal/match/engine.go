package match

import (
	"context"
	"strings"
	"sync"
	"time"

	"fedguard.org/internal/ids"
	"fedguard.org/internal/obs"
	"fedguard.org/internal/rules"
)

// Evidence is the immutable record of a rule firing against a text sample.
type Evidence struct {
	ID         string        `json:"id"`
	RuleID     string        `json:"rule_id"`
	Kind       rules.Kind    `json:"kind"`
	Pattern    string        `json:"pattern"`
	Context    rules.Context `json:"context"`
	TextSample string        `json:"text_sample"`
	ObservedAt time.Time     `json:"observed_at"`
}

const (
	// Regex rules scan at most this much text per sample.
	maxRegexInput = 8 << 10
	// Snapshot size preserved in evidence records.
	maxSampleLen = 1000

	defaultRuleBudget = 50 * time.Millisecond

	// How long a budget-blowing rule sits out before it is retried.
	// Transient load can make a healthy rule look slow once.
	slowRuleCooldown = 5 * time.Minute
)

// Engine evaluates text samples against the applicable rule set. It is a
// pure function of the rule store plus its input; no side effects beyond
// metrics and the slow-rule skip list.
type Engine struct {
	store  rules.Store
	budget time.Duration

	// Rules observed to blow the evaluation budget are sidelined until
	// a retry deadline instead of stalling callers.
	slowRules sync.Map // rule id -> time.Time retry deadline
}

// NewEngine builds a matching engine. A non-positive budget selects the
// default per-rule budget.
func NewEngine(store rules.Store, budget time.Duration) *Engine {
	if budget <= 0 {
		budget = defaultRuleBudget
	}
	return &Engine{store: store, budget: budget}
}

// Evaluate runs every applicable rule and returns all matches, each
// tagged with the rule that fired, so downstream severity scoring can
// combine signals.
func (e *Engine) Evaluate(ctx context.Context, text, communityID string, textCtx rules.Context) ([]Evidence, error) {
	if text == "" {
		return nil, nil
	}
	applicable, err := e.store.List(ctx, communityID)
	if err != nil {
		return nil, err
	}

	normed := Normalize(text)
	skeleton := Skeleton(text)
	sample := text
	if len(sample) > maxSampleLen {
		sample = sample[:maxSampleLen]
	}
	now := time.Now().UTC()

	var out []Evidence
	// Substring first, then word-exact, then regex: cheapest to most
	// expensive, mirroring how operators reason about rule kinds.
	for _, kind := range []rules.Kind{rules.KindSubstring, rules.KindWordExact, rules.KindRegex} {
		for _, rule := range applicable {
			if rule.Kind != kind || !rule.AppliesTo(textCtx) {
				continue
			}
			if deadline, sidelined := e.slowRules.Load(rule.ID); sidelined {
				if now.Before(deadline.(time.Time)) {
					continue
				}
				e.slowRules.Delete(rule.ID)
			}
			matched, err := e.evalRule(&rule, text, normed, skeleton)
			if err != nil {
				obs.LogEvent(map[string]any{
					"level": "warn", "msg": "rule evaluation failed",
					"rule_id": rule.ID, "err": err.Error(),
				})
				continue
			}
			if matched {
				out = append(out, Evidence{
					ID:         ids.New(),
					RuleID:     rule.ID,
					Kind:       rule.Kind,
					Pattern:    rule.Pattern,
					Context:    textCtx,
					TextSample: sample,
					ObservedAt: now,
				})
			}
		}
	}

	matchedLabel := "no"
	if len(out) > 0 {
		matchedLabel = "yes"
	}
	obs.MatchEvaluations.WithLabelValues(string(textCtx), matchedLabel).Inc()
	return out, nil
}

func (e *Engine) evalRule(rule *rules.Rule, raw, normed, skeleton string) (bool, error) {
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed > e.budget {
			e.slowRules.Store(rule.ID, time.Now().UTC().Add(slowRuleCooldown))
			obs.LogEvent(map[string]any{
				"level": "warn", "msg": "rule exceeded evaluation budget, sidelined",
				"rule_id": rule.ID, "elapsed": elapsed.String(),
				"retry_after": slowRuleCooldown.String(),
			})
		}
	}()

	switch rule.Kind {
	case rules.KindSubstring:
		// Patterns are stored lower-case and haystacks are normalized,
		// so plain containment is enough.
		if strings.Contains(normed, rule.Pattern) {
			return true, nil
		}
		return strings.Contains(skeleton, rule.Pattern), nil
	case rules.KindWordExact:
		return containsWord(normed, rule.Pattern), nil
	case rules.KindRegex:
		re, err := rule.Regexp()
		if err != nil {
			return false, err
		}
		// Scan both the raw and normalized forms, as a pattern may
		// target either; cap input so one oversized message cannot
		// dominate the budget.
		for _, s := range []string{clip(raw, maxRegexInput), clip(normed, maxRegexInput)} {
			if re.MatchString(s) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
