package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

// legacyUsageBucket is the flat, tenant-unscoped usage bucket written by
// deployments that predate the C9 tenant isolation guard: keys were
// "<tenantID>\x00<userID>\x00<application>" directly off the database
// root, rather than nested under the per-tenant scope bucket pkg/tenant
// uses today. migrate moves any such records into their tenant's scoped
// "usage" bucket so an operator upgrading an old data directory doesn't
// lose usage history.
var legacyUsageBucket = []byte("usage")

func init() {
	migrateCmd.Flags().String("data-dir", "./data", "Directory holding the tenant store database")
	migrateCmd.Flags().Bool("dry-run", false, "Show what would be migrated without making changes")
	migrateCmd.Flags().String("backup", "", "Path to back up the database to before migrating (default: <data-dir>/pulsebeam.db.backup)")
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate a pulsebeam data directory's bucket schema to the current version",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backupPath, _ := cmd.Flags().GetString("backup")

		dbPath := filepath.Join(dataDir, "pulsebeam.db")
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database not found at %s", dbPath)
		}

		fmt.Println("pulsebeam bucket-schema migration")
		fmt.Printf("database: %s\n", dbPath)
		fmt.Printf("dry run: %v\n", dryRun)

		if !dryRun {
			if backupPath == "" {
				backupPath = dbPath + ".backup"
			}
			fmt.Printf("creating backup: %s\n", backupPath)
			if err := copyFile(dbPath, backupPath); err != nil {
				return fmt.Errorf("failed to create backup: %w", err)
			}
		}

		db, err := bolt.Open(dbPath, 0600, nil)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		migrated, err := migrateLegacyUsageBucket(db, dryRun)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		if dryRun {
			fmt.Printf("dry run complete: %d legacy usage records would migrate\n", migrated)
		} else {
			fmt.Printf("migration complete: %d legacy usage records migrated\n", migrated)
			if migrated > 0 {
				fmt.Println("the flat 'usage' bucket has been preserved for rollback; remove it manually once verified")
			}
		}
		return nil
	},
}

// migrateLegacyUsageBucket copies every record in the root-level
// legacyUsageBucket into its tenant's scoped usage bucket, leaving the
// original bucket in place so the operator can roll back. Keys that
// don't parse as "<tenantID>\x00<userID>\x00<application>" are skipped
// and reported, the same way the teacher's migration tool skips
// records that fail to unmarshal rather than aborting the whole run.
func migrateLegacyUsageBucket(db *bolt.DB, dryRun bool) (int, error) {
	type record struct {
		tenantID, userID, application string
		value                         []byte
	}

	var records []record
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(legacyUsageBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			tenantID, userID, application, ok := splitLegacyUsageKey(k)
			if !ok {
				fmt.Printf("skipping malformed legacy usage key %q\n", k)
				return nil
			}
			var count int64
			if err := json.Unmarshal(v, &count); err != nil {
				fmt.Printf("skipping legacy usage key %q: %v\n", k, err)
				return nil
			}
			records = append(records, record{tenantID, userID, application, v})
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 || dryRun {
		return len(records), nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		scopes, err := tx.CreateBucketIfNotExists(bucketTenantScopesForMigration)
		if err != nil {
			return err
		}
		for _, r := range records {
			tenantBucket, err := scopes.CreateBucketIfNotExists([]byte(r.tenantID))
			if err != nil {
				return err
			}
			usage, err := tenantBucket.CreateBucketIfNotExists([]byte("usage"))
			if err != nil {
				return err
			}
			key := []byte(r.userID + "\x00" + r.application)
			if err := usage.Put(key, r.value); err != nil {
				return fmt.Errorf("migrate usage for tenant %s: %w", r.tenantID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// bucketTenantScopesForMigration must match pkg/tenant's unexported
// bucketTenantScopes name ("t"); duplicated here since this tool
// operates on the raw bbolt file rather than importing pkg/tenant,
// the same arm's-length relationship the teacher's migration tool has
// to pkg/storage.
var bucketTenantScopesForMigration = []byte("t")

func splitLegacyUsageKey(k []byte) (tenantID, userID, application string, ok bool) {
	parts := make([]string, 0, 3)
	start := 0
	for i, b := range k {
		if b == 0 {
			parts = append(parts, string(k[start:i]))
			start = i + 1
		}
	}
	parts = append(parts, string(k[start:]))
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
