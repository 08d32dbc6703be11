package db

import (
	"errors"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"errsight/internal/config"
)

// ErrNotFound is returned for queries against nonexistent groups or
// applications. It is an expected outcome for the query layer, not an
// internal error.
var ErrNotFound = errors.New("not found")

// Connect opens a GORM database connection using APP_DATABASE_URL (PostgreSQL URL).
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate auto-migrates the core tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Application{},
		&ErrorGroup{},
		&Occurrence{},
		&CascadeLink{},
		&BaselineState{},
		&BaselineAlert{},
		&APIKey{},
	)
}

// EnsureApplication returns the id for the named application, creating the
// row on first use. The insert uses ON CONFLICT DO NOTHING so concurrent
// first reports of the same name never create duplicates.
func EnsureApplication(db *gorm.DB, name string) (uint, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("application name is required")
	}

	app := Application{Name: name}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&app).Error; err != nil {
		return 0, err
	}
	if app.ID != 0 {
		return app.ID, nil
	}

	// Conflict path: the row already existed, fetch it.
	var existing Application
	if err := db.Where("name = ?", name).First(&existing).Error; err != nil {
		return 0, err
	}
	return existing.ID, nil
}

// GetApplicationByName resolves an application name for the query layer.
func GetApplicationByName(db *gorm.DB, name string) (*Application, error) {
	var app Application
	if err := db.Where("name = ?", name).First(&app).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &app, nil
}

// EnsureBootstrapKey makes sure the ingest API key from config exists and is
// bound to the bootstrap application. An existing key is left as-is.
func EnsureBootstrapKey(db *gorm.DB, cfg *config.Config) error {
	if cfg.BootstrapAPIKey == "" {
		return nil
	}

	appID, err := EnsureApplication(db, cfg.BootstrapApplication)
	if err != nil {
		return err
	}

	var count int64
	if err := db.Model(&APIKey{}).Where("key = ?", cfg.BootstrapAPIKey).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	key := &APIKey{
		ApplicationID: appID,
		Name:          cfg.BootstrapApplication,
		Key:           cfg.BootstrapAPIKey,
		Active:        true,
	}
	return db.Create(key).Error
}
