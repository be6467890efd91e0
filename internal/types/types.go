// Package types provides domain models shared across usbwarden components.
//
// Zero-dependency design: types.go, rules.go and errors.go use only the
// standard library so the rule parser and matcher can be reused without
// pulling in daemon dependencies. ID utilities in ids.go import uuid but
// are isolated for selective inclusion.
package types

import (
	"fmt"
	"strings"
)

// RuleID identifies a committed rule within a rule set.
// Engine-assigned, monotonically increasing, never reused within a process
// lifetime. Zero is reserved as "unset/implicit" (administrative overrides
// and the implicit default target report rule id 0).
type RuleID uint32

// DeviceID identifies one connected device instance.
// Distinct counter from RuleID; stable for the lifetime of the physical
// connection, never reused within a process lifetime.
type DeviceID uint32

// Target is an authorization decision for a device.
type Target int

const (
	// TargetPending marks a device that was observed but not yet evaluated.
	TargetPending Target = iota
	// TargetAllow authorizes the device to operate.
	TargetAllow
	// TargetBlock deauthorizes the device but keeps it visible.
	TargetBlock
	// TargetReject deauthorizes the device and revokes its bus access.
	TargetReject
	// TargetMatch is a pass-through marker used by query-only rules.
	TargetMatch
)

// String returns the rule-grammar keyword for the target.
func (t Target) String() string {
	switch t {
	case TargetAllow:
		return "allow"
	case TargetBlock:
		return "block"
	case TargetReject:
		return "reject"
	case TargetMatch:
		return "match"
	default:
		return "pending"
	}
}

// ParseTarget converts a rule-grammar keyword to a Target.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(s) {
	case "allow":
		return TargetAllow, nil
	case "block":
		return TargetBlock, nil
	case "reject":
		return TargetReject, nil
	case "match":
		return TargetMatch, nil
	default:
		return TargetPending, fmt.Errorf("%w: unknown target %q", ErrInvalidRuleSyntax, s)
	}
}

// IsPolicy reports whether the target is an enforceable authorization
// decision (allow, block or reject). Match and Pending are not enforceable.
func (t Target) IsPolicy() bool {
	return t == TargetAllow || t == TargetBlock || t == TargetReject
}

// InterfaceType describes one USB interface as class:subclass:protocol.
// A false Has* flag makes that byte a wildcard, e.g. 03:*:* matches every
// HID interface.
type InterfaceType struct {
	Class       uint8
	SubClass    uint8
	Protocol    uint8
	HasSubClass bool
	HasProtocol bool
}

// String renders the interface type in cc:ss:pp form with * for wildcards.
func (i InterfaceType) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%02x:", i.Class)
	if i.HasSubClass {
		fmt.Fprintf(&b, "%02x:", i.SubClass)
	} else {
		b.WriteString("*:")
	}
	if i.HasProtocol {
		fmt.Fprintf(&b, "%02x", i.Protocol)
	} else {
		b.WriteString("*")
	}
	return b.String()
}

// Matches reports whether a concrete device interface satisfies this
// (possibly wildcarded) interface type.
func (i InterfaceType) Matches(dev InterfaceType) bool {
	if i.Class != dev.Class {
		return false
	}
	if i.HasSubClass && i.SubClass != dev.SubClass {
		return false
	}
	if i.HasProtocol && i.Protocol != dev.Protocol {
		return false
	}
	return true
}

// DeviceAttributes is a structured snapshot of a device's declared
// properties at last observation. String fields are empty when the device
// does not declare them.
type DeviceAttributes struct {
	VendorID    string // 4 lowercase hex digits
	ProductID   string // 4 lowercase hex digits
	Serial      string
	Name        string // product string descriptor
	Hash        string // descriptor identity hash, base64url
	Port        string // kernel port path, e.g. "1-2"
	Interfaces  []InterfaceType
	ConnectType string // "hotplug" or "hardwired"
}

// EventType classifies a device event from the external event source.
type EventType int

const (
	EventInsert EventType = iota + 1
	EventUpdate
	EventRemove
)

// String returns the wire name of the event type.
func (e EventType) String() string {
	switch e {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// DeviceEvent is the engine's external input: one insert/update/remove
// observation of a physical device.
//
// SysPath is the kernel's stable identifier for the physical connection and
// is used to correlate successive events for the same device. The event
// source must deliver insert before update before remove per SysPath.
type DeviceEvent struct {
	Type       EventType
	SysPath    string
	Attributes DeviceAttributes
}

// Resource limits enforced by the rule parser and engine.
const (
	// MaxRuleLength bounds a single rule specification line.
	// 4KB accommodates large with-interface sets without unbounded parses.
	MaxRuleLength = 4096

	// MaxSetValues limits the member count of a one-of/none-of set.
	// 64 values supports port and interface fan-out without quadratic scans.
	MaxSetValues = 64

	// MaxInterfacesPerDevice bounds the interface list of a device snapshot.
	// The USB spec allows 255 interfaces per configuration; composite
	// devices in practice stay far below 32.
	MaxInterfacesPerDevice = 32

	// MaxAttributeLength bounds serial, name and port strings from both
	// rules and device snapshots. Descriptor strings are at most 126
	// UTF-16 code units; 256 bytes leaves room for multi-byte runes.
	MaxAttributeLength = 256
)
