package repository

import (
	"context"
	"fmt"

	"github.com/to404hanga/online_judge_pipeline/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StatsInput struct {
	SubmissionID uint64
	UserID       uint64
	ProblemID    uint64
	Difficulty   model.Difficulty
	Accepted     bool
}

type StatsOutcome struct {
	Applied      bool // false 表示该提交的统计已经计入过
	FirstAttempt bool
	FirstSolve   bool
	RatingDelta  int
}

type StatsRepository struct {
	db *gorm.DB
}

func NewStatsRepository(db *gorm.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// Apply folds one judged submission into the problem and user aggregates.
// Everything happens in one transaction guarded by the submission's stats_applied flag,
// so a retried job never counts twice. Counters only move through SQL increments.
func (r *StatsRepository) Apply(ctx context.Context, in StatsInput) (StatsOutcome, error) {
	var out StatsOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out = StatsOutcome{}
		res := tx.Model(&model.Submission{}).
			Where("id = ? AND stats_applied = ?", in.SubmissionID, false).
			Update("stats_applied", true)
		if res.Error != nil {
			return fmt.Errorf("failed to claim submission stats: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		out.Applied = true

		firstAttempt, err := insertMarker(tx, in.UserID, in.ProblemID, model.MarkerAttempt)
		if err != nil {
			return err
		}
		out.FirstAttempt = firstAttempt
		if in.Accepted {
			firstSolve, err := insertMarker(tx, in.UserID, in.ProblemID, model.MarkerSolve)
			if err != nil {
				return err
			}
			out.FirstSolve = firstSolve
		}

		problemUpdates := map[string]any{
			"total_submissions": gorm.Expr("total_submissions + ?", 1),
		}
		if in.Accepted {
			problemUpdates["total_accepted"] = gorm.Expr("total_accepted + ?", 1)
		}
		if out.FirstAttempt {
			problemUpdates["total_attempted"] = gorm.Expr("total_attempted + ?", 1)
		}
		if err = tx.Model(&model.Problem{}).Where("id = ?", in.ProblemID).Updates(problemUpdates).Error; err != nil {
			return fmt.Errorf("failed to update problem counters: %w", err)
		}
		// 单独一条语句, 读取的是上面递增后的值
		err = tx.Model(&model.Problem{}).Where("id = ?", in.ProblemID).
			Update("acceptance_rate", gorm.Expr("CASE WHEN total_submissions > 0 THEN total_accepted * 1.0 / total_submissions ELSE 0 END")).Error
		if err != nil {
			return fmt.Errorf("failed to update acceptance rate: %w", err)
		}

		userUpdates := map[string]any{
			"stats_attempted": gorm.Expr("stats_attempted + ?", 1),
		}
		if out.FirstSolve {
			userUpdates["stats_solved"] = gorm.Expr("stats_solved + ?", 1)
			if col := in.Difficulty.SolvedColumn(); col != "" {
				userUpdates[col] = gorm.Expr(col+" + ?", 1)
			}
			if delta := in.Difficulty.RatingDelta(); delta > 0 {
				userUpdates["rating"] = gorm.Expr("rating + ?", delta)
				out.RatingDelta = delta
			}
		}
		if err = tx.Model(&model.User{}).Where("id = ?", in.UserID).Updates(userUpdates).Error; err != nil {
			return fmt.Errorf("failed to update user stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return StatsOutcome{}, err
	}
	return out, nil
}

// insertMarker reports whether this call created the marker.
func insertMarker(tx *gorm.DB, userID, problemID uint64, kind model.MarkerKind) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.SolveMarker{
		UserID:    userID,
		ProblemID: problemID,
		Kind:      kind,
	})
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert %s marker: %w", kind, res.Error)
	}
	return res.RowsAffected == 1, nil
}
