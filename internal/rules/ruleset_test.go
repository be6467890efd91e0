// internal/rules/ruleset_test.go
package rules

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/solatis/usbwarden/internal/types"
)

func TestRuleSet_FirstMatchWins(t *testing.T) {
	set := NewRuleSet(types.TargetBlock)
	if _, err := set.Append("block id 1234:*", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := set.Append("allow", 0); err != nil {
		t.Fatal(err)
	}

	hit := types.DeviceAttributes{VendorID: "1234", ProductID: "0001"}
	res := set.Evaluate(hit)
	if res.Target != types.TargetBlock || res.RuleID != 1 || res.Implicit {
		t.Errorf("Evaluate(vendor 1234) = %+v, want block by rule 1", res)
	}

	miss := types.DeviceAttributes{VendorID: "abcd", ProductID: "0001"}
	res = set.Evaluate(miss)
	if res.Target != types.TargetAllow || res.RuleID != 2 {
		t.Errorf("Evaluate(other vendor) = %+v, want allow by rule 2", res)
	}
}

func TestRuleSet_ImplicitDefault(t *testing.T) {
	for _, def := range []types.Target{types.TargetAllow, types.TargetBlock} {
		set := NewRuleSet(def)
		res := set.Evaluate(types.DeviceAttributes{VendorID: "ffff"})
		if res.Target != def || res.RuleID != 0 || !res.Implicit {
			t.Errorf("empty set Evaluate() = %+v, want implicit %v", res, def)
		}
	}
}

func TestRuleSet_MatchRulesSkippedInEvaluation(t *testing.T) {
	set := NewRuleSet(types.TargetBlock)
	if _, err := set.Append("match id 1234:0001", 0); err != nil {
		t.Fatal(err)
	}

	res := set.Evaluate(types.DeviceAttributes{VendorID: "1234", ProductID: "0001"})
	if !res.Implicit {
		t.Errorf("Evaluate() = %+v, want implicit default (match rules are query-only)", res)
	}
}

func TestRuleSet_InsertAfterParent(t *testing.T) {
	set := NewRuleSet(types.TargetBlock)
	first, _ := set.Append("allow id 0001:0001", 0)
	set.Append("allow id 0003:0003", 0)
	mid, err := set.Append("allow id 0002:0002", first)
	if err != nil {
		t.Fatalf("Append(parent) error = %v", err)
	}

	rules := set.Rules()
	if len(rules) != 3 {
		t.Fatalf("len = %d, want 3", len(rules))
	}
	if rules[1].ID != mid {
		t.Errorf("middle rule id = %d, want %d (inserted after parent)", rules[1].ID, mid)
	}
}

func TestRuleSet_UnknownReferences(t *testing.T) {
	set := NewRuleSet(types.TargetBlock)
	if _, err := set.Append("allow", 99); !errors.Is(err, types.ErrUnknownParent) {
		t.Errorf("Append(unknown parent) error = %v, want ErrUnknownParent", err)
	}
	if err := set.Remove(99); !errors.Is(err, types.ErrUnknownRule) {
		t.Errorf("Remove(unknown) error = %v, want ErrUnknownRule", err)
	}
	if set.Len() != 0 {
		t.Errorf("failed operations mutated the set, len = %d", set.Len())
	}
}

func TestRuleSet_RemovePreservesOrder(t *testing.T) {
	set := NewRuleSet(types.TargetBlock)
	a, _ := set.Append("allow id 0001:0001", 0)
	b, _ := set.Append("allow id 0002:0002", 0)
	c, _ := set.Append("allow id 0003:0003", 0)

	if err := set.Remove(b); err != nil {
		t.Fatal(err)
	}
	rules := set.Rules()
	if len(rules) != 2 || rules[0].ID != a || rules[1].ID != c {
		t.Errorf("order after remove = %v, want [%d %d]", rules, a, c)
	}
}

func TestRuleSet_QueryIdempotent(t *testing.T) {
	set := NewRuleSet(types.TargetBlock)
	set.Append("allow id 046d:c52b", 0)
	set.Append("block with-interface 08:*:*", 0)
	set.Append(`reject via-port "2-1"`, 0)

	for _, filter := range []string{"", "allow", "08:*:*", "VIA-PORT"} {
		first := set.Query(filter)
		second := set.Query(filter)
		if len(first) != len(second) {
			t.Fatalf("Query(%q) not idempotent: %d vs %d", filter, len(first), len(second))
		}
		for i := range first {
			if first[i].ID != second[i].ID {
				t.Errorf("Query(%q)[%d] = %d vs %d", filter, i, first[i].ID, second[i].ID)
			}
		}
	}

	if got := set.Query(""); len(got) != 3 {
		t.Errorf("Query(empty) len = %d, want all 3", len(got))
	}
	if got := set.Query("allow"); len(got) != 1 || got[0].Target != types.TargetAllow {
		t.Errorf("Query(allow) = %v, want the single allow rule", got)
	}
}

// Property: for any sequence of append/remove operations, live rule ids are
// unique and ids are never reused after removal.
func TestRuleSet_IDUniquenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ids unique and never reused", prop.ForAll(
		func(ops []int8) bool {
			set := NewRuleSet(types.TargetBlock)
			retired := make(map[types.RuleID]bool)
			var live []types.RuleID

			for _, op := range ops {
				if op >= 0 || len(live) == 0 {
					id, err := set.Append("allow", 0)
					if err != nil {
						return false
					}
					if retired[id] {
						return false // id reuse
					}
					live = append(live, id)
				} else {
					victim := live[int(-op)%len(live)]
					if err := set.Remove(victim); err != nil {
						return false
					}
					retired[victim] = true
					for i, id := range live {
						if id == victim {
							live = append(live[:i], live[i+1:]...)
							break
						}
					}
				}
			}

			seen := make(map[types.RuleID]bool)
			for _, r := range set.Rules() {
				if seen[r.ID] || retired[r.ID] {
					return false
				}
				seen[r.ID] = true
			}
			return len(seen) == len(live)
		},
		gen.SliceOf(gen.Int8()),
	))

	properties.TestingRun(t)
}

// Property: evaluation returns the lowest-indexed matching rule regardless
// of how many catch-alls follow it.
func TestRuleSet_OrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("first match wins", prop.ForAll(
		func(n uint8) bool {
			set := NewRuleSet(types.TargetBlock)
			first, err := set.Append("allow", 0)
			if err != nil {
				return false
			}
			for i := 0; i < int(n%8); i++ {
				if _, err := set.Append("reject", 0); err != nil {
					return false
				}
			}
			res := set.Evaluate(types.DeviceAttributes{VendorID: "ffff"})
			return res.Target == types.TargetAllow && res.RuleID == first
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
