package policy

import (
	"fmt"
	"sort"
	"sync"
)

// Predicate is a named condition callable from MatchCondition rules.
// It receives the rule's arguments and returns a value compared against
// the rule's expected result.
type Predicate func(args ...any) any

// Registry is a closed mapping from rule-declared method names to
// statically registered predicate implementations. Rules resolve against
// it at evaluation time; unknown names produce a diagnostic, never a
// dynamic call.
type Registry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
}

// NewRegistry creates an empty predicate registry.
func NewRegistry() *Registry {
	return &Registry{
		predicates: make(map[string]Predicate),
	}
}

// Register adds a predicate under the given method name.
// Registering a duplicate name is a programmer error.
func (r *Registry) Register(method string, pred Predicate) error {
	if method == "" {
		return fmt.Errorf("predicate method name required")
	}
	if pred == nil {
		return fmt.Errorf("predicate %q is nil", method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.predicates[method]; exists {
		return fmt.Errorf("predicate %q already registered", method)
	}
	r.predicates[method] = pred
	return nil
}

// Lookup resolves a predicate by method name.
func (r *Registry) Lookup(method string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pred, ok := r.predicates[method]
	return pred, ok
}

// Methods returns the registered method names in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.predicates))
	for name := range r.predicates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateRules checks that every condition rule in the list names a
// registered predicate. Intended for configuration-load time so unknown
// predicates surface before the first request.
func (r *Registry) ValidateRules(rules []*Rule) error {
	for i, rule := range rules {
		if rule == nil || rule.Match != MatchCondition {
			continue
		}
		if rule.Method == "" {
			return fmt.Errorf("rule %d: condition rule without method", i)
		}
		if _, ok := r.Lookup(rule.Method); !ok {
			return fmt.Errorf("rule %d: unknown predicate %q", i, rule.Method)
		}
	}
	return nil
}
