package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/to404hanga/online_judge_pipeline/executor"
	"github.com/to404hanga/online_judge_pipeline/executor/config"
	"github.com/to404hanga/online_judge_pipeline/executor/service"
	"github.com/to404hanga/online_judge_pipeline/model"
	"github.com/to404hanga/online_judge_pipeline/queue"
	"github.com/to404hanga/online_judge_pipeline/repository"
	"github.com/to404hanga/pkg404/cachex/lru"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

const (
	problemKey = "problem:%d"

	DefaultRunTimeout  = 30 * time.Second
	DefaultRunExamples = 3
	DefaultProblemTTL  = time.Minute
)

var (
	ErrUnsupportedLanguage = executor.ErrUnsupportedLanguage
	ErrProblemNotFound     = repository.ErrProblemNotFound
	ErrSubmissionNotFound  = repository.ErrSubmissionNotFound
	ErrJudgeUnavailable    = executor.ErrJudgeUnavailable
	ErrRunTimeout          = errors.New("code execution timed out")
	ErrTestIndexOutOfRange = errors.New("test index out of range")
	ErrRunFailed           = errors.New("code execution failed")
)

type SubmitRequest struct {
	UserID    uint64
	ProblemID uint64
	ContestID *uint64
	Code      string
	Language  model.Language
}

type RunRequest struct {
	ProblemID uint64
	Code      string
	Language  model.Language
	TestIndex *int // 为空时使用前 DefaultRunExamples 个样例
}

type Service struct {
	log         loggerv2.Logger
	queue       *queue.Queue
	submissions *repository.SubmissionRepository
	problems    *repository.ProblemRepository
	cache       *lru.Cache
	problemTTL  time.Duration
	runTimeout  time.Duration
	runExamples int
	now         func() time.Time
}

// cachedProblem 记录加载时间, 题目被修改后最多 problemTTL 内仍读到旧版本
type cachedProblem struct {
	problem  *model.Problem
	loadedAt time.Time
}

func NewService(log loggerv2.Logger, q *queue.Queue, submissions *repository.SubmissionRepository,
	problems *repository.ProblemRepository, cache *lru.Cache, runTimeout, problemTTL time.Duration) *Service {
	if runTimeout <= 0 || runTimeout > DefaultRunTimeout {
		runTimeout = DefaultRunTimeout
	}
	if problemTTL <= 0 {
		problemTTL = DefaultProblemTTL
	}
	return &Service{
		log:         log,
		queue:       q,
		submissions: submissions,
		problems:    problems,
		cache:       cache,
		problemTTL:  problemTTL,
		runTimeout:  runTimeout,
		runExamples: DefaultRunExamples,
		now:         time.Now,
	}
}

// Submit validates the request, records a Pending submission and enqueues its judge job.
// Nothing is recorded when the judge is unavailable.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.Submission, error) {
	if !config.Supported(req.Language) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}
	if err := s.checkAvailable(ctx); err != nil {
		return nil, err
	}
	problem, err := s.problem(ctx, req.ProblemID)
	if err != nil {
		return nil, err
	}

	sub := &model.Submission{
		UserID:    req.UserID,
		ProblemID: req.ProblemID,
		ContestID: req.ContestID,
		Code:      req.Code,
		Language:  req.Language,
		Verdict:   model.VerdictPending,
	}
	if err = s.submissions.Create(ctx, sub); err != nil {
		return nil, err
	}
	ctx = loggerv2.ContextWithFields(ctx, logger.Uint64("submissionID", sub.ID))

	jobID := model.SubmissionJobID(sub.ID)
	_, err = s.queue.Enqueue(ctx, queue.KindJudgeSubmission, jobID, model.JudgePayload{
		SubmissionID: sub.ID,
		ProblemID:    problem.ID,
		Code:         req.Code,
		Language:     req.Language,
		TestCases:    problem.JudgeCases(),
		TimeLimit:    problem.TimeLimit,
		MemoryLimit:  problem.MemoryLimit,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "enqueue judge job failed", logger.Error(err))
		if markErr := s.submissions.MarkInternalError(ctx, sub.ID, "Failed to queue submission for judging", time.Now()); markErr != nil {
			s.log.ErrorContext(ctx, "mark submission failed", logger.Error(markErr))
		}
		return nil, fmt.Errorf("failed to enqueue submission: %w", err)
	}
	if err = s.submissions.SetJobID(ctx, sub.ID, jobID); err != nil {
		// 任务已入队, 只记录日志
		s.log.WarnContext(ctx, "save job id failed", logger.Error(err))
	} else {
		sub.JobID = jobID
	}
	s.log.InfoContext(ctx, "submission queued", logger.String("jobID", jobID), logger.String("language", req.Language.String()))
	return sub, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*model.Submission, error) {
	return s.submissions.Get(ctx, id)
}

// JobState returns the queue state of a submission's job, or "" when the job has been trimmed.
func (s *Service) JobState(ctx context.Context, sub *model.Submission) (queue.State, error) {
	job, err := s.queue.Get(ctx, model.SubmissionJobID(sub.ID))
	if errors.Is(err, queue.ErrJobNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return job.State, nil
}

// Run executes code against the problem's visible examples and waits for the result.
func (s *Service) Run(ctx context.Context, req RunRequest) (*service.JudgeResult, error) {
	if !config.Supported(req.Language) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}
	if err := s.checkAvailable(ctx); err != nil {
		return nil, err
	}
	problem, err := s.problem(ctx, req.ProblemID)
	if err != nil {
		return nil, err
	}
	cases, err := s.runCases(problem, req.TestIndex)
	if err != nil {
		return nil, err
	}

	job, err := s.queue.Enqueue(ctx, queue.KindRunCode, "", model.RunPayload{
		Code:        req.Code,
		Language:    req.Language,
		TestCases:   cases,
		TimeLimit:   problem.TimeLimit,
		MemoryLimit: problem.MemoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}
	job, err = s.queue.Wait(ctx, job.ID, s.runTimeout)
	if errors.Is(err, queue.ErrWaitTimeout) {
		return nil, ErrRunTimeout
	}
	if err != nil {
		return nil, err
	}
	if job.State == queue.StateFailed {
		return nil, fmt.Errorf("%w: %s", ErrRunFailed, job.Error)
	}
	var res service.JudgeResult
	if err = job.DecodeResult(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) runCases(problem *model.Problem, index *int) ([]model.TestCase, error) {
	examples := make([]model.TestCase, 0, len(problem.Examples))
	for _, ex := range problem.Examples {
		ex.IsHidden = false
		examples = append(examples, ex)
	}
	if index != nil {
		if *index < 0 || *index >= len(examples) {
			return nil, ErrTestIndexOutOfRange
		}
		return examples[*index : *index+1], nil
	}
	if len(examples) > s.runExamples {
		examples = examples[:s.runExamples]
	}
	return examples, nil
}

// Available reports whether at least one worker with a usable sandbox is alive.
func (s *Service) Available(ctx context.Context) (bool, error) {
	return s.queue.Alive(ctx)
}

func (s *Service) checkAvailable(ctx context.Context) error {
	alive, err := s.queue.Alive(ctx)
	if err != nil {
		return fmt.Errorf("failed to check judge availability: %w", err)
	}
	if !alive {
		return ErrJudgeUnavailable
	}
	return nil
}

func (s *Service) problem(ctx context.Context, id uint64) (*model.Problem, error) {
	key := fmt.Sprintf(problemKey, id)
	now := s.now()
	if v, ok := s.cache.Get(key); ok {
		if c, ok := v.(cachedProblem); ok && now.Sub(c.loadedAt) < s.problemTTL {
			return c.problem, nil
		}
	}
	p, err := s.problems.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, cachedProblem{problem: p, loadedAt: now})
	return p, nil
}
