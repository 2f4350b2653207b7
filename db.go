package main

import (
	"log"
	"os"
	"strings"

	"labtrack/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var db *gorm.DB

func initDB() {
	var err error
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set. This project requires a Postgres DSN in DB_DSN.")
	}
	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect postgres database:", err)
	}
	// Control schema migrations with env DB_AUTO_MIGRATE (default true). Any permission errors will be logged and ignored.
	shouldMigrate := true
	if v := os.Getenv("DB_AUTO_MIGRATE"); v != "" {
		lv := strings.ToLower(v)
		if lv == "false" || lv == "0" || lv == "no" {
			shouldMigrate = false
		}
	}
	if shouldMigrate {
		// roles first so the users FK can be applied safely
		if err := db.AutoMigrate(&models.Role{}); err != nil {
			log.Printf("migration warning (roles): %v", err)
		}
		seedRoles()

		// Migrate models individually so a failure on one doesn't block others
		for name, model := range map[string]any{
			"users":              &models.User{},
			"refresh_tokens":     &models.RefreshToken{},
			"profiles":           &models.Profile{},
			"pending_uploads":    &models.PendingUpload{},
			"processed_files":    &models.ProcessedFile{},
			"reports":            &models.Report{},
			"metrics":            &models.Metric{},
			"metric_aliases":     &models.MetricAlias{},
			"metric_definitions": &models.MetricDefinition{},
		} {
			if err := db.AutoMigrate(model); err != nil {
				log.Printf("migration warning (%s): %v", name, err)
			}
		}
		if err := ensurePipelineIndexes(); err != nil {
			log.Printf("warning: ensuring pipeline indexes failed: %v", err)
		}
	}
	seedDB()
}

// ensurePipelineIndexes backstops the composite indexes the duplicate guard
// depends on, in case the tables predate the current model tags.
func ensurePipelineIndexes() error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_pending_profile_hash ON pending_uploads(profile_id, content_hash)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_processed_profile_hash ON processed_files(profile_id, content_hash)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_metric_report_name ON metrics(report_id, name)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_report_profile_date ON reports(profile_id, sample_date)`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return err
		}
	}
	return nil
}

func seedRoles() {
	roles := []models.Role{{Name: "administrator", Description: "full access"}, {Name: "user", Description: "regular user"}}
	for _, r := range roles {
		var cnt int64
		db.Model(&models.Role{}).Where("name = ?", r.Name).Count(&cnt)
		if cnt == 0 {
			db.Create(&r)
		}
	}
}

func seedDB() {
	seedRoles()

	// Check if admin user exists
	var count int64
	db.Model(&models.User{}).Where("username = ?", "admin").Count(&count)
	if count == 0 {
		var role models.Role
		if err := db.Where("name = ?", "administrator").First(&role).Error; err != nil {
			log.Printf("failed to find administrator role: %v", err)
		}
		rid := role.ID
		admin := models.User{
			Username: "admin",
			RoleID:   &rid,
		}
		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
		admin.HashedPassword = hashedPassword
		db.Create(&admin)
		log.Println("Seeded admin user: username=admin, password=admin123")
	}
	// Ensure admin has at least one profile to attach test data to
	var admin models.User
	if err := db.Where("username = ?", "admin").First(&admin).Error; err != nil {
		log.Printf("failed to find admin user after seeding: %v", err)
		return
	}
	var pcount int64
	db.Model(&models.Profile{}).Where("user_id = ?", admin.ID).Count(&pcount)
	if pcount == 0 {
		profile := models.Profile{UserID: admin.ID, DisplayName: "Administrator"}
		if err := db.Create(&profile).Error; err != nil {
			log.Printf("failed to create profile for admin: %v", err)
		} else {
			log.Println("Seeded admin profile for user id:", admin.ID)
		}
	}
	ensureUploadBase()
}

// ensureUploadBase creates the base uploads directory when disk storage is
// configured. Without UPLOAD_BASE the pipeline stores uploads inline.
func ensureUploadBase() {
	base := uploadBaseDir()
	if base == "" {
		log.Println("UPLOAD_BASE not set; uploads will be stored inline in the database")
		return
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		log.Printf("failed to create upload base dir %s: %v", base, err)
	}
}

// uploadBaseDir returns the base directory for on-disk uploads. Empty means
// no storage backend is configured and uploads are kept inline.
func uploadBaseDir() string {
	return os.Getenv("UPLOAD_BASE")
}
