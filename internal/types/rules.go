// internal/types/rules.go
package types

/*
 * Domain types for rule matching.
 *
 * Provides Rule, Conditions and the per-attribute predicate variants used
 * by internal/rules for parsing, formatting and evaluation. These types are
 * wire-format agnostic - text-to-types conversion happens in internal/rules.
 *
 * Key types:
 *   - Rule: Complete rule definition (target + conditions + label)
 *   - Conditions: One optional predicate per device attribute (logical AND)
 *   - StringPredicate / DeviceQualifier / InterfacePredicate: tagged-variant
 *     predicates dispatched uniformly by the matcher
 *
 * Dependencies: None (standard library only)
 */

// MatchOp selects the set semantics of a predicate.
type MatchOp int

const (
	// OpEquals matches when the attribute equals (or glob-matches) the
	// single predicate value.
	OpEquals MatchOp = iota
	// OpOneOf matches when the attribute satisfies at least one value.
	OpOneOf
	// OpNoneOf matches when the attribute satisfies no value (negation).
	OpNoneOf
)

// String returns the rule-grammar keyword for the operator.
func (op MatchOp) String() string {
	switch op {
	case OpOneOf:
		return "one-of"
	case OpNoneOf:
		return "none-of"
	default:
		return "equals"
	}
}

// StringPredicate matches a string attribute against one or more values.
// Values containing '*' or '?' are evaluated as globs, otherwise compared
// byte-for-byte.
type StringPredicate struct {
	Op     MatchOp
	Values []string
}

// DeviceQualifier is one vendor:product pair of a device id predicate.
// An empty ProductID (or VendorID) acts as a wildcard, so "1234:*" is
// {VendorID: "1234"} and "*:*" is the zero value.
type DeviceQualifier struct {
	VendorID  string
	ProductID string
}

// DeviceIDPredicate matches the vendor:product identity of a device.
type DeviceIDPredicate struct {
	Op     MatchOp
	Values []DeviceQualifier
}

// InterfacePredicate matches against the device's interface list.
// OpEquals and OpOneOf match when at least one device interface satisfies
// at least one listed type; OpNoneOf matches when none does.
type InterfacePredicate struct {
	Op     MatchOp
	Values []InterfaceType
}

// Conditions holds at most one predicate per device attribute.
// A nil predicate places no constraint on that attribute; all non-nil
// predicates must match (logical AND). The zero value matches every device
// and is used for default/catch-all rules.
type Conditions struct {
	DeviceID    *DeviceIDPredicate
	Serial      *StringPredicate
	Name        *StringPredicate
	Hash        *StringPredicate
	Port        *StringPredicate
	Interfaces  *InterfacePredicate
	ConnectType *StringPredicate
}

// Empty reports whether the conditions place no constraint at all.
func (c Conditions) Empty() bool {
	return c.DeviceID == nil && c.Serial == nil && c.Name == nil &&
		c.Hash == nil && c.Port == nil && c.Interfaces == nil &&
		c.ConnectType == nil
}

// Rule is a declarative predicate plus authorization target.
// ID is assigned on commit to a rule set and never changes afterwards;
// conditions are immutable once committed (edits are remove+append).
type Rule struct {
	ID         RuleID
	Target     Target
	Conditions Conditions
	Label      string // free-form annotation, not used in matching
}
