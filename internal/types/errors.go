package types

import "errors"

// Sentinel errors for usbwarden operations.
var (
	// ErrInvalidRuleSyntax indicates a malformed rule specification.
	// Rejected before any mutation; the rule set is left unchanged.
	ErrInvalidRuleSyntax = errors.New("invalid rule syntax")

	// ErrUnknownRule indicates a reference to a rule id with no live rule.
	ErrUnknownRule = errors.New("unknown rule id")

	// ErrUnknownParent indicates an append referencing a non-existent
	// parent rule id.
	ErrUnknownParent = errors.New("unknown parent rule id")

	// ErrUnknownDevice indicates a reference to a device id with no live
	// device record.
	ErrUnknownDevice = errors.New("unknown device id")

	// ErrInvalidTarget indicates a target that is not enforceable in the
	// requested context (e.g. applying "match" as a device policy).
	ErrInvalidTarget = errors.New("invalid target")

	// ErrEnforcementFailure indicates the device manager capability could
	// not physically apply a computed target. Engine state still reflects
	// the intended target; the divergence is reported, never fatal.
	ErrEnforcementFailure = errors.New("enforcement failure")

	// ErrRuleTooLong indicates a rule specification exceeds MaxRuleLength.
	ErrRuleTooLong = errors.New("rule specification too long")

	// ErrTooManySetValues indicates a one-of/none-of set exceeds
	// MaxSetValues.
	ErrTooManySetValues = errors.New("predicate set has too many values")

	// ErrAttributeTooLong indicates an attribute value exceeds
	// MaxAttributeLength.
	ErrAttributeTooLong = errors.New("attribute value too long")
)
