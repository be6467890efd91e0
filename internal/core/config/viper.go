package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/solatis/usbwarden/internal/types"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*DaemonConfig, error) {
	v := viper.New()

	// Set defaults matching DefaultDaemonConfig
	v.SetDefault("daemon.ipc_socket", "/run/usbwarden/usbwarden.sock")
	v.SetDefault("daemon.socket_group", "")
	v.SetDefault("daemon.rule_file", "/etc/usbwarden/rules.conf")
	v.SetDefault("daemon.implicit_policy_target", "block")
	v.SetDefault("daemon.present_device_policy", "apply-policy")
	v.SetDefault("daemon.audit_db_url", "sqlite:///var/lib/usbwarden/audit.db")
	v.SetDefault("daemon.enforcement_timeout", "5s")
	v.SetDefault("daemon.pid_file", "")
	v.SetDefault("daemon.audit_only", false)
	v.SetDefault("daemon.device_root", "/")

	// Bind environment variables with UW_ prefix
	v.SetEnvPrefix("UW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Security check: database credentials are environment-only
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	target, err := types.ParseTarget(v.GetString("daemon.implicit_policy_target"))
	if err != nil {
		return nil, fmt.Errorf("implicit_policy_target: %w", err)
	}

	cfg := &DaemonConfig{
		IPCSocket:            v.GetString("daemon.ipc_socket"),
		SocketGroup:          v.GetString("daemon.socket_group"),
		RuleFile:             v.GetString("daemon.rule_file"),
		ImplicitPolicyTarget: target,
		PresentDevicePolicy:  v.GetString("daemon.present_device_policy"),
		AuditDBURL:           v.GetString("daemon.audit_db_url"),
		EnforcementTimeout:   v.GetDuration("daemon.enforcement_timeout"),
		PIDFile:              v.GetString("daemon.pid_file"),
		AuditOnly:            v.GetBool("daemon.audit_only"),
		DeviceRoot:           v.GetString("daemon.device_root"),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks socket path, target validity, present-device policy
// and timeout sanity.
func validateConfig(cfg *DaemonConfig) error {
	if cfg.IPCSocket == "" {
		return fmt.Errorf("ipc_socket must not be empty")
	}
	if !cfg.ImplicitPolicyTarget.IsPolicy() {
		return fmt.Errorf("implicit_policy_target must be allow, block or reject, got %s",
			cfg.ImplicitPolicyTarget)
	}
	switch cfg.PresentDevicePolicy {
	case "apply-policy", "allow", "block", "keep":
	default:
		return fmt.Errorf("present_device_policy must be apply-policy, allow, block or keep, got %q",
			cfg.PresentDevicePolicy)
	}
	if cfg.EnforcementTimeout <= 0 {
		return fmt.Errorf("enforcement_timeout must be positive, got %v", cfg.EnforcementTimeout)
	}
	if cfg.AuditDBURL != "" {
		if !strings.HasPrefix(cfg.AuditDBURL, "sqlite://") &&
			!strings.HasPrefix(cfg.AuditDBURL, "postgres://") {
			return fmt.Errorf("audit_db_url must use the sqlite:// or postgres:// scheme")
		}
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only credentials: a
// database URL carrying a password may only arrive via UW_DAEMON_AUDIT_DB_URL.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if !v.InConfig("daemon.audit_db_url") {
		return nil
	}
	raw := v.GetString("daemon.audit_db_url")
	u, err := url.Parse(raw)
	if err != nil {
		return nil // caught later by scheme validation
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			return fmt.Errorf("database passwords not allowed in config files (use UW_DAEMON_AUDIT_DB_URL environment variable)")
		}
	}
	return nil
}
