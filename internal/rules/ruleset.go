// internal/rules/ruleset.go
package rules

import (
	"strings"

	"github.com/solatis/usbwarden/internal/types"
)

/*
 * Ordered rule set with first-match-wins evaluation.
 *
 * Evaluation scans rules in sequence order and returns the first rule whose
 * conditions are satisfied by the device attributes. This gives
 * administrators explicit, predictable precedence instead of
 * specificity-based or priority-number resolution, at the cost of requiring
 * careful ordering (most-specific rules first).
 *
 * When no rule matches, Evaluate returns the set's implicit default target
 * with rule id 0 and Implicit set. The default is an explicit constructor
 * argument, never a hidden constant; the daemon documents block as its
 * shipped default.
 *
 * Rule ids are assigned from a monotonic counter starting at 1 and are
 * never reused within a process lifetime, so back-references from device
 * records stay unambiguous after removals.
 *
 * RuleSet is not safe for concurrent use; the policy engine serializes
 * mutations behind its single-writer lock.
 */

// MatchResult is the outcome of evaluating device attributes against a set.
type MatchResult struct {
	Target   types.Target
	RuleID   types.RuleID // 0 when Implicit
	Implicit bool         // true when no rule matched and the default applied
}

// RuleSet is an ordered collection of rules keyed by id.
type RuleSet struct {
	rules         []*types.Rule
	byID          map[types.RuleID]*types.Rule
	nextID        types.RuleID
	defaultTarget types.Target
}

// NewRuleSet creates an empty rule set with the given implicit default
// target, applied when no rule matches a device.
func NewRuleSet(defaultTarget types.Target) *RuleSet {
	return &RuleSet{
		byID:          make(map[types.RuleID]*types.Rule),
		nextID:        1,
		defaultTarget: defaultTarget,
	}
}

// DefaultTarget returns the implicit default target.
func (s *RuleSet) DefaultTarget() types.Target { return s.defaultTarget }

// Len returns the number of live rules.
func (s *RuleSet) Len() int { return len(s.rules) }

// Append parses and validates spec, assigns the next unique id, and inserts
// the rule immediately after parentID (0 = natural end of the set).
// Fails with ErrInvalidRuleSyntax or ErrUnknownParent; the set is left
// unchanged on any error.
func (s *RuleSet) Append(spec string, parentID types.RuleID) (types.RuleID, error) {
	rule, err := Parse(spec)
	if err != nil {
		return 0, err
	}
	return s.Insert(rule, parentID)
}

// Insert commits an already-constructed rule (used for rules synthesized
// from device attributes). The rule's ID field is overwritten with the next
// unique id.
func (s *RuleSet) Insert(rule types.Rule, parentID types.RuleID) (types.RuleID, error) {
	pos := len(s.rules)
	if parentID != 0 {
		idx := s.indexOf(parentID)
		if idx < 0 {
			return 0, types.ErrUnknownParent
		}
		pos = idx + 1
	}

	rule.ID = s.nextID
	s.nextID++

	r := &rule
	s.rules = append(s.rules, nil)
	copy(s.rules[pos+1:], s.rules[pos:])
	s.rules[pos] = r
	s.byID[r.ID] = r
	return r.ID, nil
}

// Remove deletes the rule with the given id, preserving the evaluation
// order of the remaining rules. Fails with ErrUnknownRule. Removal never
// retroactively changes targets already applied to device records.
func (s *RuleSet) Remove(id types.RuleID) error {
	idx := s.indexOf(id)
	if idx < 0 {
		return types.ErrUnknownRule
	}
	s.rules = append(s.rules[:idx], s.rules[idx+1:]...)
	delete(s.byID, id)
	return nil
}

// Get returns a copy of the rule with the given id.
func (s *RuleSet) Get(id types.RuleID) (types.Rule, bool) {
	r, ok := s.byID[id]
	if !ok {
		return types.Rule{}, false
	}
	return *r, true
}

// Rules returns copies of all rules in evaluation order.
func (s *RuleSet) Rules() []types.Rule {
	out := make([]types.Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = *r
	}
	return out
}

// Query returns the rules matching filter, in set order. Read-only: it
// never alters evaluation order or mutates state, and repeated calls with
// no intervening mutation return identical results.
//
// An empty filter returns all rules. A filter equal to a target keyword
// returns rules with that target; any other filter is a case-insensitive
// substring match over the rule's canonical text.
func (s *RuleSet) Query(filter string) []types.Rule {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return s.Rules()
	}

	var out []types.Rule
	if target, err := types.ParseTarget(filter); err == nil {
		for _, r := range s.rules {
			if r.Target == target {
				out = append(out, *r)
			}
		}
		return out
	}

	needle := strings.ToLower(filter)
	for _, r := range s.rules {
		if strings.Contains(strings.ToLower(Format(*r)), needle) {
			out = append(out, *r)
		}
	}
	return out
}

// Evaluate scans rules in order and returns the target of the first rule
// whose conditions are satisfied by attrs. Rules with target "match" are
// query-only markers and are skipped during enforcement evaluation. When
// no rule matches, the implicit default target is returned with rule id 0.
func (s *RuleSet) Evaluate(attrs types.DeviceAttributes) MatchResult {
	for _, r := range s.rules {
		if r.Target == types.TargetMatch {
			continue
		}
		if Matches(r.Conditions, attrs) {
			return MatchResult{Target: r.Target, RuleID: r.ID}
		}
	}
	return MatchResult{Target: s.defaultTarget, Implicit: true}
}

func (s *RuleSet) indexOf(id types.RuleID) int {
	if _, ok := s.byID[id]; !ok {
		return -1
	}
	for i, r := range s.rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}
