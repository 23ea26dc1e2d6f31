package db

import (
	"fmt"

	"github.com/formrelay/formrelay/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table the service owns.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Setting{},
		&models.Form{},
		&models.FormMeta{},
		&models.Submission{},
		&models.DispatchState{},
		&models.IntegrationSetting{},
		&models.FieldMapping{},
		&models.IntegrationLog{},
		&models.RetryTask{},
	); errMigrate != nil {
		return fmt.Errorf("db: auto migrate: %w", errMigrate)
	}
	return nil
}

// MissingTables lists required tables that do not exist yet.
func MissingTables(conn *gorm.DB) []string {
	if conn == nil {
		return nil
	}
	required := []any{&models.Form{}, &models.Submission{}, &models.IntegrationLog{}, &models.RetryTask{}}
	var missing []string
	for _, model := range required {
		if conn.Migrator().HasTable(model) {
			continue
		}
		stmt := &gorm.Statement{DB: conn}
		if errParse := stmt.Parse(model); errParse == nil {
			missing = append(missing, stmt.Schema.Table)
		}
	}
	return missing
}
