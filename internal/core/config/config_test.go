package config

import (
	"os"
	"testing"
	"time"

	"github.com/solatis/usbwarden/internal/types"
)

func TestLoadConfig(t *testing.T) {
	// Clean environment
	os.Unsetenv("UW_DAEMON_IPC_SOCKET")
	os.Unsetenv("UW_DAEMON_IMPLICIT_POLICY_TARGET")

	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.IPCSocket != "/run/usbwarden/usbwarden.sock" {
			t.Errorf("expected default socket, got %s", cfg.IPCSocket)
		}
		if cfg.RuleFile != "/etc/usbwarden/rules.conf" {
			t.Errorf("expected default rule file, got %s", cfg.RuleFile)
		}
		if cfg.ImplicitPolicyTarget != types.TargetBlock {
			t.Errorf("expected implicit target block, got %s", cfg.ImplicitPolicyTarget)
		}
		if cfg.PresentDevicePolicy != "apply-policy" {
			t.Errorf("expected present_device_policy apply-policy, got %s", cfg.PresentDevicePolicy)
		}
		if cfg.EnforcementTimeout != 5*time.Second {
			t.Errorf("expected timeout 5s, got %v", cfg.EnforcementTimeout)
		}
		if cfg.AuditOnly {
			t.Error("audit_only should default to false")
		}
	})

	t.Run("environment override", func(t *testing.T) {
		os.Setenv("UW_DAEMON_IPC_SOCKET", "/tmp/test.sock")
		os.Setenv("UW_DAEMON_IMPLICIT_POLICY_TARGET", "reject")
		defer os.Unsetenv("UW_DAEMON_IPC_SOCKET")
		defer os.Unsetenv("UW_DAEMON_IMPLICIT_POLICY_TARGET")

		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.IPCSocket != "/tmp/test.sock" {
			t.Errorf("expected socket /tmp/test.sock, got %s", cfg.IPCSocket)
		}
		if cfg.ImplicitPolicyTarget != types.TargetReject {
			t.Errorf("expected implicit target reject, got %s", cfg.ImplicitPolicyTarget)
		}
	})

	t.Run("invalid implicit target", func(t *testing.T) {
		os.Setenv("UW_DAEMON_IMPLICIT_POLICY_TARGET", "whitelist")
		defer os.Unsetenv("UW_DAEMON_IMPLICIT_POLICY_TARGET")

		_, err := LoadConfig("")
		if err == nil {
			t.Error("expected error for unknown target keyword")
		}
	})

	t.Run("match is not a valid implicit target", func(t *testing.T) {
		os.Setenv("UW_DAEMON_IMPLICIT_POLICY_TARGET", "match")
		defer os.Unsetenv("UW_DAEMON_IMPLICIT_POLICY_TARGET")

		_, err := LoadConfig("")
		if err == nil {
			t.Error("expected error: match is query-only, not enforceable")
		}
	})

	t.Run("invalid present device policy", func(t *testing.T) {
		os.Setenv("UW_DAEMON_PRESENT_DEVICE_POLICY", "panic")
		defer os.Unsetenv("UW_DAEMON_PRESENT_DEVICE_POLICY")

		_, err := LoadConfig("")
		if err == nil {
			t.Error("expected error for unknown present device policy")
		}
	})

	t.Run("invalid database scheme", func(t *testing.T) {
		os.Setenv("UW_DAEMON_AUDIT_DB_URL", "mysql://localhost/audit")
		defer os.Unsetenv("UW_DAEMON_AUDIT_DB_URL")

		_, err := LoadConfig("")
		if err == nil {
			t.Error("expected error for unsupported database scheme")
		}
	})

	t.Run("invalid negative timeout", func(t *testing.T) {
		os.Setenv("UW_DAEMON_ENFORCEMENT_TIMEOUT", "-1s")
		defer os.Unsetenv("UW_DAEMON_ENFORCEMENT_TIMEOUT")

		_, err := LoadConfig("")
		if err == nil {
			t.Error("expected error for negative enforcement_timeout")
		}
	})
}
