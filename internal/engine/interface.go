// Package engine implements the USB device policy engine: it owns the rule
// set and the device record table, evaluates device events, applies
// authorization targets through the device manager capability, and emits
// notifications to subscribed listeners.
package engine

import (
	"context"

	"github.com/solatis/usbwarden/internal/types"
)

// Interface is the operation and notification boundary the policy engine
// exposes to external controllers (the IPC server). All operations are
// synchronous, independently callable, and safe to invoke concurrently
// with device event processing.
type Interface interface {
	// AppendRule parses spec, assigns a unique rule id and inserts the
	// rule after parentID (0 = end of set).
	AppendRule(spec string, parentID types.RuleID) (types.RuleID, error)

	// RemoveRule deletes the rule with the given id. Targets already
	// applied to devices are not recomputed.
	RemoveRule(id types.RuleID) error

	// ListRules returns rules matching query in evaluation order; an
	// empty query returns all rules.
	ListRules(query string) []types.Rule

	// ApplyDevicePolicy overrides a device's target, bypassing rule
	// evaluation. With permanent set, a rule matching the device's
	// identifying attributes is synthesized and appended, and its id
	// returned; otherwise the returned rule id is 0.
	ApplyDevicePolicy(ctx context.Context, id types.DeviceID, target types.Target, permanent bool) (types.RuleID, error)

	// ListDevices returns live device records matching query, rendered
	// in rule shape for uniform client consumption. The rule id field of
	// each entry carries the device id.
	ListDevices(query string) []types.Rule

	// Subscribe registers a notification listener. The returned channel
	// receives notifications in mutation commit order; the cancel
	// function unregisters the listener and closes the channel.
	Subscribe(buffer int) (<-chan Notification, func())
}

// NotificationKind discriminates the notification variants.
type NotificationKind string

const (
	NotifyDevicePresence NotificationKind = "DevicePresenceChanged"
	NotifyDevicePolicy   NotificationKind = "DevicePolicyChanged"
	NotifyException      NotificationKind = "ExceptionMessage"
)

// DevicePresenceChanged is emitted exactly once per processed device event,
// after the device record has reached its new stable state.
type DevicePresenceChanged struct {
	DeviceID   types.DeviceID `json:"device_id"`
	Event      string         `json:"event"`
	Target     string         `json:"target"`
	DeviceRule string         `json:"device_rule"`
}

// DevicePolicyChanged is emitted whenever a device's target changes value,
// via evaluation or administrative override.
type DevicePolicyChanged struct {
	DeviceID   types.DeviceID `json:"device_id"`
	OldTarget  string         `json:"old_target"`
	NewTarget  string         `json:"new_target"`
	DeviceRule string         `json:"device_rule"`
	RuleID     types.RuleID   `json:"rule_id"`
}

// ExceptionMessage is a best-effort diagnostic signal for recoverable
// internal failures. Purely observational, never used for flow control.
type ExceptionMessage struct {
	Context string `json:"context"`
	Object  string `json:"object"`
	Reason  string `json:"reason"`
}

// Notification is one entry of the engine's ordered notification stream.
// Exactly one payload field is non-nil, selected by Kind.
type Notification struct {
	Kind           NotificationKind       `json:"kind"`
	DevicePresence *DevicePresenceChanged `json:"device_presence,omitempty"`
	DevicePolicy   *DevicePolicyChanged   `json:"device_policy,omitempty"`
	Exception      *ExceptionMessage      `json:"exception,omitempty"`
}

// DeviceManager is the capability used to physically apply an authorization
// target to a device at the kernel boundary. Implementations live in
// internal/devmgr. Failures are non-fatal to the engine: the intended
// target stays recorded and the divergence is reported.
type DeviceManager interface {
	ApplyTarget(ctx context.Context, sysPath string, target types.Target) error
}
