package main

import (
	"fmt"
	"log"
	"os"

	"area/internal/config"
	"area/internal/models"
	"area/internal/providers"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.User{},
		&models.ServiceConnection{},
		&models.Automation{},
		&models.ExecutionRecord{},
		&models.Channel{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// Ledger lookups pair automation with item or time ordering.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_execution_automation_item ON execution_records(automation_id, item_id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_execution_automation_time ON execution_records(automation_id, timestamp)")

	// Webhook intake resolves channels by watched resource.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_channels_service_resource ON channels(service, resource_id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_channels_expiration ON channels(expiration)")

	log.Println("Additional indexes created successfully!")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding automation templates...")
		seedTemplates(db)
		log.Println("Templates seeded successfully!")
	}

	log.Println("Migration process completed!")
}

// seedTemplates installs the starter template catalog. Existing
// templates with the same name are left untouched.
func seedTemplates(db *gorm.DB) {
	templates := []struct {
		name        string
		description string
		trigger     providers.Spec
		reactions   []providers.Spec
	}{
		{
			name:        "Issue triage",
			description: "Label and acknowledge new issues",
			trigger:     providers.Spec{Service: "github", Action: "github_new_issue", Params: map[string]string{"repository": ""}},
			reactions: []providers.Spec{
				{Service: "github", Action: "github_add_labels", Params: map[string]string{"repository": "", "labels": "triage"}},
				{Service: "github", Action: "github_create_comment", Params: map[string]string{"repository": "", "body": "Thanks for reporting, we will take a look."}},
			},
		},
		{
			name:        "Push notification email",
			description: "Email yourself on every push to main",
			trigger:     providers.Spec{Service: "github", Action: "github_push", Params: map[string]string{"repository": "", "branch": "main"}},
			reactions: []providers.Spec{
				{Service: "gmail", Action: "gmail_send_email", Params: map[string]string{"to": "", "subject": "Push to {{repository}}", "body": "{{author}} pushed: {{message}}"}},
			},
		},
		{
			name:        "Inbox to calendar",
			description: "Create a calendar event for each new email from a sender",
			trigger:     providers.Spec{Service: "gmail", Action: "gmail_new_email", Params: map[string]string{"fromEmail": ""}},
			reactions: []providers.Spec{
				{Service: "calendar", Action: "calendar_create_event", Params: map[string]string{"summary": "Follow up: {{subject}}", "description": "{{snippet}}"}},
			},
		},
	}

	for _, t := range templates {
		var count int64
		db.Model(&models.Automation{}).
			Where("name = ? AND is_template = ?", t.name, true).
			Count(&count)
		if count > 0 {
			continue
		}

		automation := models.Automation{
			Name:        t.name,
			Description: t.description,
			IsTemplate:  true,
		}
		if err := automation.SetTrigger(t.trigger); err != nil {
			log.Printf("seed %q: %v", t.name, err)
			continue
		}
		if err := automation.SetReactions(t.reactions); err != nil {
			log.Printf("seed %q: %v", t.name, err)
			continue
		}
		if err := db.Create(&automation).Error; err != nil {
			log.Printf("seed %q: %v", t.name, err)
		}
	}
}
