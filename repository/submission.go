package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/to404hanga/online_judge_pipeline/model"
	"gorm.io/gorm"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrProblemNotFound    = errors.New("problem not found")
)

type SubmissionRepository struct {
	db *gorm.DB
}

func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

func (r *SubmissionRepository) Create(ctx context.Context, s *model.Submission) error {
	if s.Verdict == "" {
		s.Verdict = model.VerdictPending
	}
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

func (r *SubmissionRepository) Get(ctx context.Context, id uint64) (*model.Submission, error) {
	var s model.Submission
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return &s, nil
}

func (r *SubmissionRepository) SetJobID(ctx context.Context, id uint64, jobID string) error {
	return r.update(ctx, id, map[string]any{"job_id": jobID})
}

func (r *SubmissionRepository) MarkRunning(ctx context.Context, id uint64, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"verdict":          model.VerdictRunning,
		"judge_start_time": at,
	})
}

// SaveResult persists the verdict bundle held in s.
func (r *SubmissionRepository) SaveResult(ctx context.Context, s *model.Submission) error {
	err := r.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id = ?", s.ID).
		Select("verdict", "runtime", "memory", "test_results", "total_test_cases", "passed_test_cases",
			"error_message", "compilation_output", "judge_end_time").
		Updates(s).Error
	if err != nil {
		return fmt.Errorf("failed to save submission result: %w", err)
	}
	return nil
}

func (r *SubmissionRepository) MarkInternalError(ctx context.Context, id uint64, msg string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"verdict":        model.VerdictInternalError,
		"error_message":  msg,
		"judge_end_time": at,
	})
}

func (r *SubmissionRepository) update(ctx context.Context, id uint64, updates map[string]any) error {
	err := r.db.WithContext(ctx).Model(&model.Submission{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update submission: %w", err)
	}
	return nil
}

type ProblemRepository struct {
	db *gorm.DB
}

func NewProblemRepository(db *gorm.DB) *ProblemRepository {
	return &ProblemRepository{db: db}
}

func (r *ProblemRepository) Get(ctx context.Context, id uint64) (*model.Problem, error) {
	var p model.Problem
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProblemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get problem: %w", err)
	}
	return &p, nil
}
