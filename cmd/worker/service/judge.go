package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/to404hanga/online_judge_pipeline/executor"
	execservice "github.com/to404hanga/online_judge_pipeline/executor/service"
	"github.com/to404hanga/online_judge_pipeline/model"
	"github.com/to404hanga/online_judge_pipeline/queue"
	"github.com/to404hanga/online_judge_pipeline/ranking"
	"github.com/to404hanga/online_judge_pipeline/repository"
	"github.com/to404hanga/pkg404/gotools/retry"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	workerHandleInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "online_judge",
		Subsystem: "worker",
		Name:      "handle_job_in_flight",
		Help:      "Current number of in-flight jobs.",
	})

	workerHandleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "online_judge",
		Subsystem: "worker",
		Name:      "handle_job_total",
		Help:      "Total number of handled jobs.",
	}, []string{"kind", "result", "reason"})

	workerHandleDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "online_judge",
		Subsystem: "worker",
		Name:      "handle_job_duration_seconds",
		Help:      "Duration of handled jobs in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
	}, []string{"kind", "result"})

	workerVerdictTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "online_judge",
		Subsystem: "worker",
		Name:      "verdict_total",
		Help:      "Total number of persisted verdicts.",
	}, []string{"language", "verdict"})
)

func init() {
	prometheus.MustRegister(
		workerHandleInFlight,
		workerHandleTotal,
		workerHandleDurationSeconds,
		workerVerdictTotal,
	)
}

type Options struct {
	Concurrency         int
	StartsPerSecond     float64
	MaintenanceInterval time.Duration
	HeartbeatInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.StartsPerSecond <= 0 {
		o.StartsPerSecond = 10
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	return o
}

// jobError carries the metrics reason of a failed job.
type jobError struct {
	reason string
	err    error
}

func (e *jobError) Error() string { return e.err.Error() }

func (e *jobError) Unwrap() error { return e.err }

func failWith(reason string, err error) error {
	return &jobError{reason: reason, err: err}
}

type JudgeService struct {
	log         loggerv2.Logger
	queue       *queue.Queue
	judger      executor.Judger
	submissions *repository.SubmissionRepository
	problems    *repository.ProblemRepository
	stats       *repository.StatsRepository
	trigger     ranking.Trigger
	limiter     *rate.Limiter
	opts        Options
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[string]*queue.Delivery
}

func NewJudgeService(log loggerv2.Logger, q *queue.Queue, judger executor.Judger,
	submissions *repository.SubmissionRepository, problems *repository.ProblemRepository,
	stats *repository.StatsRepository, trigger ranking.Trigger, opts Options) *JudgeService {
	opts = opts.withDefaults()
	s := &JudgeService{
		log:         log,
		queue:       q,
		judger:      judger,
		submissions: submissions,
		problems:    problems,
		stats:       stats,
		trigger:     trigger,
		limiter:     rate.NewLimiter(rate.Limit(opts.StartsPerSecond), 1),
		opts:        opts,
		now:         time.Now,
		inFlight:    make(map[string]*queue.Delivery),
	}
	q.OnExhausted(s.abandoned)
	return s
}

// Start runs the worker pool until ctx is done.
func (s *JudgeService) Start(ctx context.Context) error {
	s.log.InfoContext(ctx, "Starting judger service",
		logger.String("consumer", s.queue.Consumer()),
		logger.Any("concurrency", s.opts.Concurrency),
		logger.Any("available", s.judger.Available()))

	if err := s.queue.Init(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.queue.RunMaintenance(ctx, s.opts.MaintenanceInterval)
	})
	g.Go(func() error {
		return s.heartbeat(ctx)
	})
	if runner, ok := s.trigger.(interface{ Run(context.Context) error }); ok {
		g.Go(func() error {
			return runner.Run(ctx)
		})
	}
	for i := 0; i < s.opts.Concurrency; i++ {
		g.Go(func() error {
			return s.loop(ctx)
		})
	}
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if leaveErr := s.queue.Leave(closeCtx); leaveErr != nil {
		s.log.WarnContext(closeCtx, "leave worker set failed", logger.Error(leaveErr))
	}
	if closeErr := s.judger.Close(closeCtx); closeErr != nil {
		s.log.WarnContext(closeCtx, "close judger failed", logger.Error(closeErr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// heartbeat announces the worker and keeps in-flight jobs from being reclaimed.
// HeartbeatInterval must stay well below the queue's ReclaimIdle.
func (s *JudgeService) heartbeat(ctx context.Context) error {
	// 沙箱不可用时不上报心跳, API 据此拒绝新的提交
	if !s.judger.Available() {
		s.log.WarnContext(ctx, "judge sandbox unavailable, worker will not announce itself")
	}
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if s.judger.Available() {
			if err := s.queue.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				s.log.ErrorContext(ctx, "send heartbeat failed", logger.Error(err))
			}
		}
		if err := s.touchInFlight(ctx); err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "touch in-flight jobs failed", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *JudgeService) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deliveries, err := s.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.ErrorContext(ctx, "failed to claim jobs", logger.Error(err))
			time.Sleep(100 * time.Millisecond) // 出错稍作等待
			continue
		}
		for _, d := range deliveries {
			// 已领取的任务不会因取消而中断, 限流等待不受 ctx 影响
			if err = s.limiter.Wait(context.WithoutCancel(ctx)); err != nil {
				s.log.WarnContext(ctx, "rate limiter wait failed", logger.Error(err))
			}
			s.Process(context.WithoutCancel(ctx), d)
		}
	}
}

// Process runs one delivery to completion and reports the outcome to the queue.
func (s *JudgeService) Process(ctx context.Context, d *queue.Delivery) {
	opStartTime := time.Now()
	kind := string(d.Job.Kind)
	result := "success"
	reason := "ok"

	s.track(d)
	workerHandleInFlight.Inc()
	defer func() {
		s.untrack(d)
		workerHandleInFlight.Dec()
		workerHandleTotal.WithLabelValues(kind, result, reason).Inc()
		workerHandleDurationSeconds.WithLabelValues(kind, result).Observe(time.Since(opStartTime).Seconds())
	}()

	ctx = loggerv2.ContextWithFields(ctx,
		logger.String("jobID", d.Job.ID),
		logger.String("kind", kind),
		logger.Any("attempt", d.Job.Attempts))

	var (
		res *execservice.JudgeResult
		err error
	)
	switch d.Job.Kind {
	case queue.KindJudgeSubmission:
		res, err = s.handleJudge(ctx, d.Job)
	case queue.KindRunCode:
		res, err = s.handleRun(ctx, d.Job)
	default:
		err = failWith("unknown_kind", fmt.Errorf("unknown job kind %q", d.Job.Kind))
	}

	if err != nil {
		result = "error"
		reason = "internal"
		var je *jobError
		if errors.As(err, &je) {
			reason = je.reason
		}
		retrying, failErr := s.queue.Fail(ctx, d, err)
		if failErr != nil {
			s.log.ErrorContext(ctx, "failed to report job failure", logger.Error(failErr))
		}
		s.log.ErrorContext(ctx, "job failed", logger.Error(err), logger.Any("retrying", retrying))
		return
	}
	if err = s.queue.Complete(ctx, d, res); err != nil {
		result = "error"
		reason = "queue_complete"
		s.log.ErrorContext(ctx, "failed to complete job", logger.Error(err))
		return
	}
	s.log.InfoContext(ctx, "job completed", logger.String("verdict", string(res.Verdict)))
}

func (s *JudgeService) handleRun(ctx context.Context, job *queue.Job) (*execservice.JudgeResult, error) {
	var p model.RunPayload
	if err := job.DecodePayload(&p); err != nil {
		return nil, failWith("decode_payload", err)
	}
	res, err := s.judger.Run(ctx, &execservice.JudgeTask{
		WorkspaceKey: job.ID,
		SourceCode:   p.Code,
		Language:     p.Language,
		TestCases:    p.TestCases,
		TimeLimit:    p.TimeLimit,
		MemoryLimit:  p.MemoryLimit,
	})
	if err != nil {
		return nil, failWith("judge", err)
	}
	return res, nil
}

func (s *JudgeService) handleJudge(ctx context.Context, job *queue.Job) (*execservice.JudgeResult, error) {
	var p model.JudgePayload
	if err := job.DecodePayload(&p); err != nil {
		return nil, failWith("decode_payload", err)
	}
	ctx = loggerv2.ContextWithFields(ctx, logger.Uint64("submissionID", p.SubmissionID))

	sub, err := s.submissions.Get(ctx, p.SubmissionID)
	if err != nil {
		return nil, failWith("db_get_submission", err)
	}

	err = retry.Do(ctx, func() error {
		return s.submissions.MarkRunning(ctx, sub.ID, s.now())
	}, retry.WithBaseInterval(time.Second))
	if err != nil {
		return nil, s.internalError(ctx, sub.ID, "db_mark_running", err)
	}

	res, err := s.judger.Run(ctx, &execservice.JudgeTask{
		WorkspaceKey: job.ID,
		SourceCode:   p.Code,
		Language:     p.Language,
		TestCases:    p.TestCases,
		TimeLimit:    p.TimeLimit,
		MemoryLimit:  p.MemoryLimit,
	})
	if err != nil {
		return nil, s.internalError(ctx, sub.ID, "judge", err)
	}

	end := s.now()
	err = retry.Do(ctx, func() error {
		return s.submissions.SaveResult(ctx, &model.Submission{
			ID:                sub.ID,
			Verdict:           res.Verdict,
			Runtime:           res.Runtime,
			Memory:            res.Memory,
			TestResults:       res.TestResults,
			TotalTestCases:    res.TotalTestCases,
			PassedTestCases:   res.PassedTestCases,
			ErrorMessage:      res.ErrorMessage,
			CompilationOutput: res.CompilationOutput,
			JudgeEndTime:      &end,
		})
	}, retry.WithBaseInterval(time.Second))
	if err != nil {
		return nil, s.internalError(ctx, sub.ID, "db_save_result", err)
	}
	workerVerdictTotal.WithLabelValues(p.Language.String(), string(res.Verdict)).Inc()

	problem, err := s.problems.Get(ctx, p.ProblemID)
	if err != nil {
		return nil, s.internalError(ctx, sub.ID, "db_get_problem", err)
	}
	var outcome repository.StatsOutcome
	err = retry.Do(ctx, func() error {
		var errInternal error
		outcome, errInternal = s.stats.Apply(ctx, repository.StatsInput{
			SubmissionID: sub.ID,
			UserID:       sub.UserID,
			ProblemID:    problem.ID,
			Difficulty:   problem.Difficulty,
			Accepted:     res.Verdict == model.VerdictAccepted,
		})
		return errInternal
	}, retry.WithBaseInterval(time.Second))
	if err != nil {
		return nil, s.internalError(ctx, sub.ID, "db_apply_stats", err)
	}
	if !outcome.Applied {
		s.log.InfoContext(ctx, "stats already applied, skipping")
	}

	if outcome.RatingDelta > 0 {
		// 排名可由后续任意一次重算修正, 触发失败不影响判题结果
		if err = s.trigger.Trigger(ctx, sub.UserID); err != nil {
			s.log.ErrorContext(ctx, "failed to trigger rank recomputation", logger.Error(err))
		}
	}
	return res, nil
}

func (s *JudgeService) track(d *queue.Delivery) {
	s.mu.Lock()
	s.inFlight[d.Job.ID] = d
	s.mu.Unlock()
}

func (s *JudgeService) untrack(d *queue.Delivery) {
	s.mu.Lock()
	delete(s.inFlight, d.Job.ID)
	s.mu.Unlock()
}

// touchInFlight refreshes the claim of every job this worker is still running.
func (s *JudgeService) touchInFlight(ctx context.Context) error {
	s.mu.Lock()
	ds := make([]*queue.Delivery, 0, len(s.inFlight))
	for _, d := range s.inFlight {
		ds = append(ds, d)
	}
	s.mu.Unlock()
	if len(ds) == 0 {
		return nil
	}
	return s.queue.Touch(ctx, ds...)
}

// abandoned settles the submission of a judge job whose last attempt died with its worker.
func (s *JudgeService) abandoned(ctx context.Context, job *queue.Job, cause error) {
	if job.Kind != queue.KindJudgeSubmission {
		return
	}
	var p model.JudgePayload
	if err := job.DecodePayload(&p); err != nil {
		s.log.ErrorContext(ctx, "decode abandoned job failed", logger.String("jobID", job.ID), logger.Error(err))
		return
	}
	ctx = loggerv2.ContextWithFields(ctx, logger.String("jobID", job.ID), logger.Uint64("submissionID", p.SubmissionID))
	sub, err := s.submissions.Get(ctx, p.SubmissionID)
	if err != nil {
		s.log.ErrorContext(ctx, "get abandoned submission failed", logger.Error(err))
		return
	}
	// 结果已落库时只差确认任务, 保留已有结论
	if sub.Verdict.Terminal() {
		return
	}
	workerHandleTotal.WithLabelValues(string(job.Kind), "error", "abandoned").Inc()
	s.markInternalError(ctx, sub.ID, cause)
}

// internalError marks the submission as Internal Error and returns the cause for the queue to retry.
func (s *JudgeService) internalError(ctx context.Context, submissionID uint64, reason string, cause error) error {
	s.markInternalError(ctx, submissionID, cause)
	return failWith(reason, cause)
}

func (s *JudgeService) markInternalError(ctx context.Context, submissionID uint64, cause error) {
	msg := "Internal error: " + cause.Error()
	err := retry.Do(ctx, func() error {
		return s.submissions.MarkInternalError(ctx, submissionID, msg, s.now())
	}, retry.WithBaseInterval(time.Second))
	if err != nil {
		s.log.ErrorContext(ctx, "failed to mark submission internal error", logger.Error(err))
	}
}
