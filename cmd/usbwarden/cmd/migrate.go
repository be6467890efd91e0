package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/usbwarden/internal/core/config"
	"github.com/solatis/usbwarden/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending audit database migrations",
	RunE:  runMigrate,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runMigrateStatus,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func auditDBURL() (string, error) {
	if dbURL != "" {
		return dbURL, nil
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.AuditDBURL == "" {
		return "", fmt.Errorf("no audit database configured (set daemon.audit_db_url or --db-url)")
	}
	return cfg.AuditDBURL, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	url, err := auditDBURL()
	if err != nil {
		return err
	}

	database, err := db.Open(url)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if err := db.MigrateUp(database); err != nil {
		return err
	}

	fmt.Println("migrations applied")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	url, err := auditDBURL()
	if err != nil {
		return err
	}

	database, err := db.Open(url)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	statuses, err := db.MigrateStatus(database)
	if err != nil {
		return err
	}

	for _, s := range statuses {
		state := "pending"
		if s.Applied {
			state = fmt.Sprintf("applied (%dms)", s.ExecutionMs)
		}
		fmt.Printf("%-40s %s\n", s.ID, state)
	}
	return nil
}
