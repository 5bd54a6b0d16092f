// timeclock-admin is the operator CLI for the time clock backend.
//
// Server-side commands (need DB_* / REDIS_ADDRESS env, same as the gateway):
//
//	timeclock-admin sweep --dry-run
//	timeclock-admin seed-admin --company-id=... --username=... --password=...
//	timeclock-admin import-legacy --company-id=... --file=export.json
//
// Device-side commands operate on a local offline queue database:
//
//	timeclock-admin queue stats --db ./queue.db
//	timeclock-admin queue retry --db ./queue.db
//	timeclock-admin queue cleanup --db ./queue.db
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/timeclock_backend/config"
	"bitbucket.org/mmdatafocus/timeclock_backend/models"
	"bitbucket.org/mmdatafocus/timeclock_backend/queue"
	"bitbucket.org/mmdatafocus/timeclock_backend/sweeper"
	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "timeclock-admin",
		Short:         "Operator tooling for the time clock backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newSweepCommand())
	cmd.AddCommand(newSeedAdminCommand())
	cmd.AddCommand(newImportLegacyCommand())
	cmd.AddCommand(newQueueCommand())
	return cmd
}

// connectServer brings up the shared DB (and Redis) singletons the same way
// the gateway does on boot.
func connectServer(needRedis bool) (*gorm.DB, error) {
	config.ConnectDatabaseWithRetry()
	if needRedis {
		config.ConnectRedisWithRetry()
	}
	db := config.GetDB()
	if db == nil {
		return nil, fmt.Errorf("database not initialized (config.GetDB returned nil). Set DB_* env vars")
	}
	return db, nil
}

func newSweepCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one auto clock-out sweep pass",
		Long: `Run one auto clock-out sweep pass against the shared database.

With --dry-run the sweep reports what it would close without writing
anything and without taking the single-flight lease.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connectServer(!dryRun)
			if err != nil {
				return err
			}
			summary, err := sweeper.New(db, config.GetLogger()).SweepOnce(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(summary, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without closing entries")
	return cmd
}

func newSeedAdminCommand() *cobra.Command {
	var companyId, username, password string

	cmd := &cobra.Command{
		Use:   "seed-admin",
		Short: "Create or reset an admin user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(companyId) == "" || strings.TrimSpace(username) == "" || password == "" {
				return fmt.Errorf("--company-id, --username and --password are required")
			}
			db, err := connectServer(false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			existing, err := models.GetUserByUsername(ctx, db, username)
			if err != nil && err != utils.ErrorRecordNotFound {
				return err
			}
			if existing != nil {
				// Rehashing the same password would rotate the stored
				// hash for nothing, so compare first.
				if existing.Role == models.UserRoleAdmin &&
					existing.IsActive != nil && *existing.IsActive &&
					utils.ComparePassword(existing.PasswordHash, password) == nil {
					fmt.Printf("admin user %q (id=%d) already up to date\n", username, existing.ID)
					return nil
				}
				hash, err := utils.HashPassword(password)
				if err != nil {
					return err
				}
				err = db.WithContext(ctx).Model(&models.User{}).
					Where("id = ?", existing.ID).
					Updates(map[string]interface{}{
						"password_hash": string(hash),
						"role":          models.UserRoleAdmin,
						"is_active":     true,
					}).Error
				if err != nil {
					return err
				}
				fmt.Printf("updated admin user %q (id=%d)\n", username, existing.ID)
				return nil
			}

			user, err := models.CreateUser(ctx, db, companyId, username, password, models.UserRoleAdmin)
			if err != nil {
				return err
			}
			fmt.Printf("created admin user %q (id=%d)\n", username, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&companyId, "company-id", "", "company the admin belongs to")
	cmd.Flags().StringVar(&username, "username", "", "admin username")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	return cmd
}

func newImportLegacyCommand() *cobra.Command {
	var file string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import-legacy",
		Short: "Import a legacy flat-format time entry export",
		Long: `Import a JSON array of legacy flat-format time entries.

Each row is normalized into the canonical entry shape before insert:
missing geofence verdicts are treated as valid, comma-separated
exception tags become the canonical tag set, and auto-closed rows get
the auto_clockout tag. Rows that fail to parse are reported and
skipped; the rest are inserted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(file) == "" {
				return fmt.Errorf("--file is required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var rows []models.LegacyTimeEntry
			if err := json.Unmarshal(raw, &rows); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			db, err := connectServer(false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			imported, skipped := 0, 0
			for _, row := range rows {
				entry, err := models.NormalizeLegacyEntry(row)
				if err != nil {
					fmt.Fprintf(os.Stderr, "skip legacy row id=%d: %v\n", row.Id, err)
					skipped++
					continue
				}
				if dryRun {
					imported++
					continue
				}
				if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
					fmt.Fprintf(os.Stderr, "skip legacy row id=%d: %v\n", row.Id, err)
					skipped++
					continue
				}
				imported++
			}
			verb := "imported"
			if dryRun {
				verb = "would import"
			}
			fmt.Printf("%s %d entries, skipped %d\n", verb, imported, skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the legacy JSON export")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and report without inserting")
	return cmd
}

func newQueueCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain a local offline operation queue",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the queue SQLite database")

	openQueue := func() (*queue.Queue, error) {
		if strings.TrimSpace(dbPath) == "" {
			return nil, fmt.Errorf("--db is required")
		}
		return queue.Open(dbPath)
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and state breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()
			s, err := q.Stats()
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(s, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Move failed items back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()
			n, err := q.RetryFailed()
			if err != nil {
				return err
			}
			fmt.Printf("requeued %d failed items\n", n)
			return nil
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired items older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()
			n, err := q.CleanupExpired()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired items\n", n)
			return nil
		},
	}

	cmd.AddCommand(stats, retry, cleanup)
	return cmd
}
