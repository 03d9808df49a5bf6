package database

import (
	"fmt"
	"log"

	"wa-agent-support/config"
	"wa-agent-support/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDatabase connects to Postgres and prepares the schema.
func InitDatabase(cfg *config.Config) {
	dsn := DSN(cfg)

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // No logging for cleaner output
	})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	log.Println("Database connected successfully")

	if err := autoMigrateTables(); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	if err := createJobConstraints(); err != nil {
		log.Fatal("Failed to create job constraints:", err)
	}

	if err := createNotifyTrigger(); err != nil {
		log.Printf("Warning: Failed to create NOTIFY trigger: %v", err)
	}
}

// DSN builds the Postgres connection string, shared with the pq listener.
func DSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// autoMigrateTables checks and migrates only tables that don't exist
func autoMigrateTables() error {
	tables := []struct {
		name  string
		model interface{}
	}{
		{"wa_sessions", &models.WaSession{}},
		{"conversations", &models.Conversation{}},
		{"messages", &models.Message{}},
		{"jobs", &models.Job{}},
		{"agents", &models.Agent{}},
		{"agent_knowledge_bases", &models.AgentKnowledgeBase{}},
		{"kb_chunks", &models.KbChunk{}},
		{"audit_logs", &models.AuditLog{}},
		{"usage_logs", &models.UsageLog{}},
	}

	migratedCount := 0
	skippedCount := 0

	log.Println("Checking database tables...")

	for _, table := range tables {
		if !DB.Migrator().HasTable(table.model) {
			log.Printf("Table '%s' not found, creating...", table.name)
			if err := DB.AutoMigrate(table.model); err != nil {
				return fmt.Errorf("failed to migrate table %s: %v", table.name, err)
			}
			log.Printf("✓ Created table: %s", table.name)
			migratedCount++
		} else {
			log.Printf("✓ Table '%s' already exists, skipping", table.name)
			skippedCount++
		}
	}

	if migratedCount > 0 {
		log.Printf("Database migration completed: %d tables created, %d tables skipped", migratedCount, skippedCount)
	} else {
		log.Printf("All database tables already exist (%d tables), no migration needed", skippedCount)
	}
	return nil
}

// createJobConstraints enforces the queue invariant: for a given
// (chat_key, turn, stage) at most one job may be pending, processing or
// completed. A failed terminal may coexist with a replacement created by
// an explicit retry.
func createJobConstraints() error {
	err := DB.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_unique
		ON jobs (chat_key, turn, stage)
		WHERE status IN ('pending', 'processing', 'completed');
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create active-job unique index: %v", err)
	}

	log.Println("✓ Job queue constraints in place")
	return nil
}

// createNotifyTrigger creates Postgres NOTIFY trigger for the job queue
func createNotifyTrigger() error {
	log.Println("Creating NOTIFY trigger for pipeline jobs queue...")

	// Create function for NOTIFY
	err := DB.Exec(`
		CREATE OR REPLACE FUNCTION notify_pipeline_job_insert()
		RETURNS TRIGGER AS $$
		BEGIN
			PERFORM pg_notify('pipeline_jobs_channel', 'new');
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create notify function: %v", err)
	}

	// Drop existing trigger if exists
	err = DB.Exec(`
		DROP TRIGGER IF EXISTS pipeline_jobs_insert_trigger ON jobs;
	`).Error
	if err != nil {
		return fmt.Errorf("failed to drop existing trigger: %v", err)
	}

	// Create trigger
	err = DB.Exec(`
		CREATE TRIGGER pipeline_jobs_insert_trigger
		AFTER INSERT ON jobs
		FOR EACH ROW
		EXECUTE FUNCTION notify_pipeline_job_insert();
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create trigger: %v", err)
	}

	log.Println("✓ NOTIFY trigger created successfully for pipeline_jobs_channel")
	return nil
}
