package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/solatis/usbwarden/internal/audit"
	"github.com/solatis/usbwarden/internal/core/config"
	"github.com/solatis/usbwarden/internal/core/db"
	"github.com/solatis/usbwarden/internal/core/server"
	"github.com/solatis/usbwarden/internal/devmgr"
	"github.com/solatis/usbwarden/internal/engine"
	"github.com/solatis/usbwarden/internal/metric"
	"github.com/solatis/usbwarden/internal/rules"
	"github.com/solatis/usbwarden/internal/uevent"
)

const Version = "0.1.0"

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the USB device authorization daemon",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().String("ipc-socket", "", "control API unix socket path")
	daemonCmd.Flags().String("rule-file", "", "policy rule file path")
	daemonCmd.Flags().Bool("audit-only", false, "observe and record without enforcing")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := newLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("ipc-socket") {
		cfg.IPCSocket, _ = cmd.Flags().GetString("ipc-socket")
	}
	if cmd.Flags().Changed("rule-file") {
		cfg.RuleFile, _ = cmd.Flags().GetString("rule-file")
	}
	if cmd.Flags().Changed("audit-only") {
		cfg.AuditOnly, _ = cmd.Flags().GetBool("audit-only")
	}
	if dbURL != "" {
		cfg.AuditDBURL = dbURL
	}

	registry := prometheus.NewRegistry()
	metrics := metric.NewMetrics(registry)

	// Audit trail, when configured.
	var recorder *audit.Recorder
	if cfg.AuditDBURL != "" {
		database, err := db.Open(cfg.AuditDBURL)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		defer database.Close()

		var migrationID string
		checkQuery := `SELECT migration_id FROM migrations WHERE migration_id = '001_audit_trail.sql'`
		if err := database.Get(&migrationID, database.Rebind(checkQuery)); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("migration 001_audit_trail not applied - run 'usbwarden migrate' first")
			}
			return fmt.Errorf("failed to check migrations: %w", err)
		}

		queries, err := db.LoadQueries(database)
		if err != nil {
			return fmt.Errorf("failed to load queries: %w", err)
		}
		recorder = audit.NewRecorder(queries, log)
	}

	// Policy rule set, loaded from the persistent rule file.
	set := rules.NewRuleSet(cfg.ImplicitPolicyTarget)
	if cfg.RuleFile != "" {
		if _, err := rules.LoadFile(cfg.RuleFile, set); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load rule file: %w", err)
			}
			log.Info("rule file does not exist yet, starting with empty rule set",
				"path", cfg.RuleFile)
		}
	}

	var manager engine.DeviceManager
	if cfg.AuditOnly {
		manager = devmgr.NewNoop(log)
	} else {
		manager = devmgr.NewSysfs(cfg.DeviceRoot, log)
	}

	eng := engine.New(engine.Config{
		DefaultTarget:       cfg.ImplicitPolicyTarget,
		PresentDevicePolicy: cfg.PresentDevicePolicy,
		RuleFile:            cfg.RuleFile,
		EnforcementTimeout:  cfg.EnforcementTimeout,
	}, set, manager, log, metrics)
	defer eng.Close()

	// The recorder subscribes before any device is processed, so the audit
	// trail captures the startup scan as well.
	if recorder != nil {
		notes, cancel := eng.Subscribe(1024)
		defer cancel()
		go recorder.Run(notes)
	}

	// Devices already connected at startup.
	reader := uevent.NewSysfsReader(cfg.DeviceRoot)
	present, err := reader.Scan()
	if err != nil {
		return fmt.Errorf("failed to scan present devices: %w", err)
	}
	for _, ev := range present {
		eng.ProcessPresentDevice(ctx, ev)
	}
	log.Info("processed present devices", "count", len(present),
		"policy", cfg.PresentDevicePolicy)

	monitor, err := uevent.NewMonitor(reader, eng, log)
	if err != nil {
		return fmt.Errorf("failed to connect uevent monitor: %w", err)
	}
	monitor.Start()
	defer monitor.Stop()

	apiServer, err := server.NewServer(cfg, eng, recorder, registry, log)
	if err != nil {
		return fmt.Errorf("failed to create control API server: %w", err)
	}

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PIDFile)
	}

	log.Info("starting usbwarden daemon", "version", Version,
		"socket", cfg.IPCSocket, "rules", set.Len(), "audit_only", cfg.AuditOnly)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apiServer.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func writePIDFile(path string) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}
