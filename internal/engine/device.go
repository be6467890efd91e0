// internal/engine/device.go
package engine

import (
	"sort"

	"github.com/solatis/usbwarden/internal/rules"
	"github.com/solatis/usbwarden/internal/types"
)

/*
 * Device records and their rule-shaped projection.
 *
 * A DeviceRecord tracks one physically connected device: created on the
 * first event for its sys path, mutated on every subsequent event or
 * administrative override, evicted on remove after the final notification.
 *
 * Per-device state machine:
 *
 *   Unknown -> Pending -> {Allowed, Blocked, Rejected}
 *
 * Update events re-enter Pending before re-evaluation; Remove is terminal
 * (the record is evicted).
 */

// DeviceRecord is the engine's view of one connected device.
type DeviceRecord struct {
	ID            types.DeviceID
	SysPath       string
	Attributes    types.DeviceAttributes
	Target        types.Target
	MatchedRuleID types.RuleID // 0 = administrative override or implicit default
}

// deviceConditions renders the full attribute snapshot as rule conditions.
// Used for device_rule notification text and the ListDevices projection.
func deviceConditions(a types.DeviceAttributes) types.Conditions {
	c := types.Conditions{
		DeviceID: &types.DeviceIDPredicate{
			Op:     types.OpEquals,
			Values: []types.DeviceQualifier{{VendorID: a.VendorID, ProductID: a.ProductID}},
		},
	}
	if a.Serial != "" {
		c.Serial = &types.StringPredicate{Op: types.OpEquals, Values: []string{a.Serial}}
	}
	if a.Name != "" {
		c.Name = &types.StringPredicate{Op: types.OpEquals, Values: []string{a.Name}}
	}
	if a.Hash != "" {
		c.Hash = &types.StringPredicate{Op: types.OpEquals, Values: []string{a.Hash}}
	}
	if a.Port != "" {
		c.Port = &types.StringPredicate{Op: types.OpEquals, Values: []string{a.Port}}
	}
	if len(a.Interfaces) > 0 {
		c.Interfaces = &types.InterfacePredicate{Op: types.OpOneOf, Values: a.Interfaces}
	}
	if a.ConnectType != "" {
		c.ConnectType = &types.StringPredicate{Op: types.OpEquals, Values: []string{a.ConnectType}}
	}
	return c
}

// identityConditions renders only the attributes that identify the device
// across reconnections (vendor:product, serial, name, hash). Port and
// connect type are deliberately excluded so a synthesized permanent rule
// follows the device to another port.
func identityConditions(a types.DeviceAttributes) types.Conditions {
	c := deviceConditions(a)
	c.Port = nil
	c.Interfaces = nil
	c.ConnectType = nil
	return c
}

// ruleShape projects the record into the Rule shape used by ListDevices
// and notification text. The rule id field carries the device id; a
// pending target renders as the query-only "match" keyword.
func (r *DeviceRecord) ruleShape() types.Rule {
	target := r.Target
	if !target.IsPolicy() {
		target = types.TargetMatch
	}
	return types.Rule{
		ID:         types.RuleID(r.ID),
		Target:     target,
		Conditions: deviceConditions(r.Attributes),
	}
}

// ruleText is the canonical device_rule string carried by notifications.
func (r *DeviceRecord) ruleText() string {
	return rules.Format(r.ruleShape())
}

// sortRecords orders a projection by device id for stable listings.
func sortRecords(out []types.Rule) {
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
}
