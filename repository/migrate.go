package repository

import (
	"fmt"

	"github.com/to404hanga/online_judge_pipeline/model"
	"gorm.io/gorm"
)

// Migrate creates or updates the tables the pipeline reads and writes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Problem{}, &model.User{}, &model.Submission{}, &model.SolveMarker{}); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	return nil
}
