// internal/rules/match.go
package rules

import (
	"path"
	"strings"

	"github.com/solatis/usbwarden/internal/types"
)

/*
 * Predicate matching against device attributes.
 *
 * Conditions are evaluated with logical AND across attributes: every
 * non-nil predicate must be satisfied by the device's corresponding
 * attribute. A rule with no conditions matches every device.
 *
 * Per-predicate set semantics:
 *   - equals/one-of: at least one listed value satisfies the attribute
 *   - none-of: no listed value satisfies the attribute (negation)
 *
 * String values containing '*' or '?' are evaluated as globs, everything
 * else is a byte-for-byte comparison.
 *
 * Why function-based: the predicate variants are a closed set dispatched by
 * a uniform matcher; a switch over three tagged variants is cleaner than
 * interface polymorphism with minimal behavior variation.
 */

// Matches reports whether the device attributes satisfy the conditions.
func Matches(c types.Conditions, attrs types.DeviceAttributes) bool {
	if c.DeviceID != nil && !matchDeviceID(*c.DeviceID, attrs) {
		return false
	}
	if c.Serial != nil && !matchString(*c.Serial, attrs.Serial) {
		return false
	}
	if c.Name != nil && !matchString(*c.Name, attrs.Name) {
		return false
	}
	if c.Hash != nil && !matchString(*c.Hash, attrs.Hash) {
		return false
	}
	if c.Port != nil && !matchString(*c.Port, attrs.Port) {
		return false
	}
	if c.ConnectType != nil && !matchString(*c.ConnectType, attrs.ConnectType) {
		return false
	}
	if c.Interfaces != nil && !matchInterfaces(*c.Interfaces, attrs.Interfaces) {
		return false
	}
	return true
}

// matchString applies set semantics over glob/exact value comparison.
func matchString(p types.StringPredicate, value string) bool {
	any := false
	for _, v := range p.Values {
		if matchValue(v, value) {
			any = true
			break
		}
	}
	if p.Op == types.OpNoneOf {
		return !any
	}
	return any
}

// matchValue compares one predicate value against an attribute value,
// treating values with glob metacharacters as patterns.
func matchValue(pattern, value string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == value
	}
	ok, err := path.Match(pattern, value)
	if err != nil {
		// Malformed pattern never matches; the parser accepts arbitrary
		// quoted strings so this is reachable with a bad '[' class.
		return false
	}
	return ok
}

// matchDeviceID applies set semantics over vendor:product qualifiers.
// An empty qualifier field acts as a wildcard.
func matchDeviceID(p types.DeviceIDPredicate, attrs types.DeviceAttributes) bool {
	any := false
	for _, q := range p.Values {
		if qualifierMatches(q, attrs) {
			any = true
			break
		}
	}
	if p.Op == types.OpNoneOf {
		return !any
	}
	return any
}

func qualifierMatches(q types.DeviceQualifier, attrs types.DeviceAttributes) bool {
	if q.VendorID != "" && !strings.EqualFold(q.VendorID, attrs.VendorID) {
		return false
	}
	if q.ProductID != "" && !strings.EqualFold(q.ProductID, attrs.ProductID) {
		return false
	}
	return true
}

// matchInterfaces applies set semantics over the device's interface list.
// equals/one-of: some device interface satisfies some listed type.
// none-of: no device interface satisfies any listed type.
func matchInterfaces(p types.InterfacePredicate, ifaces []types.InterfaceType) bool {
	any := false
outer:
	for _, want := range p.Values {
		for _, have := range ifaces {
			if want.Matches(have) {
				any = true
				break outer
			}
		}
	}
	if p.Op == types.OpNoneOf {
		return !any
	}
	return any
}
