// Package config provides configuration management for the usbwarden daemon.
package config

import (
	"time"

	"github.com/solatis/usbwarden/internal/types"
)

// DaemonConfig holds the daemon's runtime configuration.
type DaemonConfig struct {
	// IPCSocket is the unix socket path the control API listens on.
	IPCSocket string
	// SocketGroup optionally names a group granted access to the socket.
	SocketGroup string
	// RuleFile is the persistent policy file, loaded at startup and
	// rewritten on every rule mutation.
	RuleFile string
	// ImplicitPolicyTarget applies when no rule matches a device.
	ImplicitPolicyTarget types.Target
	// PresentDevicePolicy handles devices already connected at startup:
	// apply-policy, allow, block or keep.
	PresentDevicePolicy string
	// AuditDBURL is the audit trail database (sqlite:// or postgres://).
	// Empty disables the audit trail.
	AuditDBURL string
	// EnforcementTimeout bounds a single kernel enforcement write.
	EnforcementTimeout time.Duration
	// PIDFile is written at startup when non-empty.
	PIDFile string
	// AuditOnly observes and records without enforcing.
	AuditOnly bool
	// DeviceRoot is the filesystem root for sysfs access. Only tests and
	// containerized setups change it.
	DeviceRoot string
}

// DefaultDaemonConfig returns configuration with default values.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		IPCSocket:            "/run/usbwarden/usbwarden.sock",
		RuleFile:             "/etc/usbwarden/rules.conf",
		ImplicitPolicyTarget: types.TargetBlock,
		PresentDevicePolicy:  "apply-policy",
		AuditDBURL:           "sqlite:///var/lib/usbwarden/audit.db",
		EnforcementTimeout:   5 * time.Second,
		DeviceRoot:           "/",
	}
}
