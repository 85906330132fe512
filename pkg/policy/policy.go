// Package policy implements the include/exclude rule engine that decides
// whether a request is cacheable and which per-entry overrides apply.
package policy

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecached/pagecached/pkg/logging"
)

// Mode selects the default outcome when no rule matches.
type Mode string

const (
	// ModeInclude starts from "not cached"; a matching rule enables caching.
	ModeInclude Mode = "include"

	// ModeExclude starts from "cached"; a matching rule disables caching.
	ModeExclude Mode = "exclude"
)

// Rule kinds.
const (
	MatchURI       = "uri"
	MatchCondition = "condition"
)

// Rule is a single policy rule. A plain string in configuration is
// shorthand for a MatchURI substring rule.
type Rule struct {
	// Match is the rule kind: MatchURI (default) or MatchCondition.
	Match string `json:"match" mapstructure:"match"`

	// String is the substring or regular expression for MatchURI rules.
	String string `json:"string" mapstructure:"string"`

	// Regex compiles String as a regular expression instead of testing
	// for substring containment.
	Regex bool `json:"regex" mapstructure:"regex"`

	// Method names a registered predicate for MatchCondition rules.
	Method string `json:"method" mapstructure:"method"`

	// Arguments are passed to the predicate.
	Arguments []any `json:"arguments" mapstructure:"arguments"`

	// Result is the expected predicate result: a single value, or a
	// slice of acceptable values tested by equality membership.
	// Nil means the predicate is expected to return true.
	Result any `json:"result" mapstructure:"result"`

	// Expire overrides the store expiry for entries matched by this rule.
	Expire time.Duration `json:"expire" mapstructure:"expire"`

	// Boost stores matched entries in the accelerated tier.
	Boost bool `json:"boost" mapstructure:"boost"`

	re        *regexp.Regexp
	reInvalid bool
}

// Compile prepares the rule for evaluation, compiling the regular
// expression once. A malformed pattern marks the rule inert rather than
// failing: a single bad rule must not take down the whole response.
func (r *Rule) Compile() error {
	if r.Match == "" {
		r.Match = MatchURI
	}
	if r.Match == MatchURI && r.Regex {
		re, err := regexp.Compile(r.String)
		if err != nil {
			r.reInvalid = true
			return err
		}
		r.re = re
	}
	return nil
}

// Result is the outcome of a policy evaluation.
type Result struct {
	// Matched reports whether the subject should be cached.
	Matched bool

	// Rule is the rule that decided the outcome, nil when the decision
	// came from the mode default. Override fields (Expire, Boost) apply
	// only when Rule is set.
	Rule *Rule
}

// Matcher evaluates rule lists against request subjects.
type Matcher struct {
	registry *Registry
	logger   zerolog.Logger

	// notice receives diagnostics (undefined predicate, malformed
	// pattern). Defaults to a log warning; tests can replace it.
	notice func(msg string)
}

// NewMatcher creates a matcher backed by the given predicate registry.
func NewMatcher(registry *Registry) *Matcher {
	logger := logging.NewLogger("policy")
	m := &Matcher{
		registry: registry,
		logger:   logger,
	}
	m.notice = func(msg string) {
		m.logger.Warn().Msg(msg)
	}
	return m
}

// SetNoticeFunc replaces the diagnostic sink (for tests and admin surfaces).
func (m *Matcher) SetNoticeFunc(fn func(msg string)) {
	if fn != nil {
		m.notice = fn
	}
}

// CompileRules compiles every rule in the list, reporting a diagnostic
// for each malformed pattern. Malformed rules stay in the list as inert
// entries so declaration order is preserved.
func (m *Matcher) CompileRules(rules []*Rule) {
	for _, r := range rules {
		if err := r.Compile(); err != nil {
			m.notice("policy rule pattern invalid: " + err.Error())
		}
	}
}

// Match evaluates rules against subject in declaration order.
//
// Include mode starts not-matched and the first matching rule decides;
// exclude mode starts matched and any matching rule returns immediately
// since exclusion is definitive. Predicate invocations are memoized per
// evaluation pass keyed by method and arguments.
func (m *Matcher) Match(subject string, rules []*Rule, mode Mode) Result {
	result := Result{Matched: mode == ModeExclude}

	if len(rules) == 0 {
		return result
	}

	pass := newEvalPass(m)

	for _, rule := range rules {
		if rule == nil {
			continue
		}

		matched := false
		switch rule.Match {
		case "", MatchURI:
			matched = m.matchURI(subject, rule)
		case MatchCondition:
			matched = pass.matchCondition(rule)
		}

		if !matched {
			continue
		}

		if mode == ModeExclude {
			// Exclusion is definitive: short-circuit
			return Result{Matched: false, Rule: rule}
		}

		// First match wins for include mode; the grammar has no
		// downgrade rule type, so no later rule can change the outcome.
		return Result{Matched: true, Rule: rule}
	}

	return result
}

func (m *Matcher) matchURI(subject string, rule *Rule) bool {
	if rule.Regex {
		if rule.re == nil && !rule.reInvalid {
			// Rule was never compiled: compile on first use
			if err := rule.Compile(); err != nil {
				m.notice("policy rule pattern invalid: " + err.Error())
			}
		}
		if rule.reInvalid {
			return false
		}
		return rule.re.MatchString(subject)
	}
	if rule.String == "" {
		return false
	}
	return strings.Contains(subject, rule.String)
}

// evalPass holds per-evaluation predicate memoization state. Predicates
// may be expensive or have side effects that should fire at most once
// per pass, and the same method/arguments pair often appears in many
// rules.
type evalPass struct {
	matcher *Matcher
	memo    map[string]any
	warned  map[string]bool
}

func newEvalPass(m *Matcher) *evalPass {
	return &evalPass{
		matcher: m,
		memo:    make(map[string]any),
		warned:  make(map[string]bool),
	}
}

func (p *evalPass) matchCondition(rule *Rule) bool {
	if rule.Method == "" {
		return false
	}

	pred, ok := p.matcher.registry.Lookup(rule.Method)
	if !ok {
		// Undefined predicates are diagnostics, never fatal
		if !p.warned[rule.Method] {
			p.warned[rule.Method] = true
			p.matcher.notice("policy condition method does not exist (" + rule.Method + ")")
		}
		return false
	}

	var result any
	if key, ok := memoKey(rule.Method, rule.Arguments); ok {
		cached, hit := p.memo[key]
		if hit {
			result = cached
		} else {
			result = pred(rule.Arguments...)
			p.memo[key] = result
		}
	} else {
		// Arguments that cannot be encoded get no memo entry; a bare
		// method-name key would collide across distinct argument sets
		result = pred(rule.Arguments...)
	}

	expected := rule.Result
	if expected == nil {
		expected = true
	}

	// Expected result may be a set of acceptable values
	if set, ok := expected.([]any); ok {
		for _, want := range set {
			if equalValue(result, want) {
				return true
			}
		}
		return false
	}

	return equalValue(result, expected)
}

func memoKey(method string, args []any) (string, bool) {
	if len(args) == 0 {
		return method, true
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return method + ":" + string(encoded), true
}

// equalValue compares a predicate result against an expected value.
// Comparable values use ==; everything else falls back to deep equality.
func equalValue(got, want any) bool {
	if got == nil || want == nil {
		return got == want
	}
	if reflect.TypeOf(got).Comparable() && reflect.TypeOf(want).Comparable() {
		return got == want
	}
	return reflect.DeepEqual(got, want)
}
