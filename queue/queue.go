package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/to404hanga/pkg404/gotools/retry"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

const (
	DefaultGroup = "judger_group"

	defaultPrefix = "oj"
)

type Options struct {
	Prefix       string
	Group        string
	Consumer     string
	MaxAttempts  int
	BackoffBase  time.Duration // 第 n 次失败后等待 BackoffBase * 2^(n-1)
	Block        time.Duration
	ReclaimIdle  time.Duration // 被领取后超过该时长未确认的任务视为 worker 已崩溃
	CompletedTTL time.Duration
	CompletedMax int
	FailedTTL    time.Duration
	FailedMax    int
	HeartbeatTTL time.Duration // worker 心跳超过该时长视为离线
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = defaultPrefix
	}
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if o.Consumer == "" {
		hostname, _ := os.Hostname()
		o.Consumer = fmt.Sprintf("%s-%s", hostname, uuid.NewString())
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.Block <= 0 {
		o.Block = time.Second
	}
	if o.ReclaimIdle <= 0 {
		o.ReclaimIdle = 5 * time.Minute
	}
	if o.CompletedTTL <= 0 {
		o.CompletedTTL = time.Hour
	}
	if o.CompletedMax <= 0 {
		o.CompletedMax = 100
	}
	if o.FailedTTL <= 0 {
		o.FailedTTL = 24 * time.Hour
	}
	if o.FailedMax <= 0 {
		o.FailedMax = 500
	}
	if o.HeartbeatTTL <= 0 {
		o.HeartbeatTTL = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Queue is a durable job broker on redis streams.
// Run-code jobs live on their own stream which is always read first.
type Queue struct {
	rdb  redis.UniversalClient
	log  loggerv2.Logger
	opts Options

	runStream   string
	judgeStream string
	delayedKey  string
	doneKey     string
	failedKey   string
	workersKey  string

	onExhausted ExhaustedFunc
}

// ExhaustedFunc is called after Reclaim fails a job that has no attempts left.
type ExhaustedFunc func(ctx context.Context, job *Job, cause error)

func New(rdb redis.UniversalClient, log loggerv2.Logger, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		rdb:         rdb,
		log:         log,
		opts:        opts,
		runStream:   opts.Prefix + ":queue:run",
		judgeStream: opts.Prefix + ":queue:judge",
		delayedKey:  opts.Prefix + ":queue:delayed",
		doneKey:     opts.Prefix + ":queue:completed",
		failedKey:   opts.Prefix + ":queue:failed",
		workersKey:  opts.Prefix + ":queue:workers",
	}
}

// Init creates the consumer group on both streams.
func (q *Queue) Init(ctx context.Context) error {
	for _, stream := range []string{q.runStream, q.judgeStream} {
		err := q.rdb.XGroupCreateMkStream(ctx, stream, q.opts.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
		}
	}
	return nil
}

// OnExhausted registers fn for jobs abandoned on their last attempt.
// It must be called before RunMaintenance starts.
func (q *Queue) OnExhausted(fn ExhaustedFunc) {
	q.onExhausted = fn
}

func (q *Queue) Consumer() string {
	return q.opts.Consumer
}

func (q *Queue) jobKey(id string) string {
	return q.opts.Prefix + ":job:" + id
}

func (q *Queue) doneChannel(id string) string {
	return q.opts.Prefix + ":job:done:" + id
}

func (q *Queue) streamOf(kind Kind) string {
	if kind == KindRunCode {
		return q.runStream
	}
	return q.judgeStream
}

func (q *Queue) nowMillis() int64 {
	return q.opts.Now().UnixMilli()
}

// Enqueue stores the job and dispatches it. An empty id gets a random one.
// Enqueueing an id that already exists returns the existing job without dispatching it again.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, id string, payload any) (*Job, error) {
	if id == "" {
		id = uuid.NewString()
	}
	data, err := Encode(payload)
	if err != nil {
		return nil, err
	}
	key := q.jobKey(id)
	created, err := q.rdb.HSetNX(ctx, key, fieldID, id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if !created {
		return q.Get(ctx, id)
	}

	now := q.nowMillis()
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			fieldKind:        string(kind),
			fieldState:       string(StateWaiting),
			fieldAttempts:    0,
			fieldMaxAttempts: q.opts.MaxAttempts,
			fieldPayload:     data,
			fieldCreatedAt:   now,
			fieldUpdatedAt:   now,
		})
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.streamOf(kind),
			Values: map[string]any{fieldID: id},
		})
		return nil
	})
	if err != nil {
		// 清理只写了一半的任务, 允许调用方重试
		_ = q.rdb.Del(context.WithoutCancel(ctx), key).Err()
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}
	return &Job{
		ID:          id,
		Kind:        kind,
		State:       StateWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		Payload:     data,
		CreatedAt:   time.UnixMilli(now),
		UpdatedAt:   time.UnixMilli(now),
	}, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	m, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(m) == 0 || m[fieldKind] == "" {
		return nil, ErrJobNotFound
	}
	return jobFromHash(m), nil
}

// Claim hands this consumer the next jobs, run-code first.
// It blocks up to Options.Block when both streams are empty and may return no deliveries.
func (q *Queue) Claim(ctx context.Context) ([]*Delivery, error) {
	for _, stream := range []string{q.runStream, q.judgeStream} {
		ds, err := q.read(ctx, []string{stream, ">"}, -1)
		if err != nil || len(ds) > 0 {
			return ds, err
		}
	}
	return q.read(ctx, []string{q.runStream, q.judgeStream, ">", ">"}, q.opts.Block)
}

func (q *Queue) read(ctx context.Context, streams []string, block time.Duration) ([]*Delivery, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  streams, // > 表示只接收新消息
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream message: %w", err)
	}

	var deliveries []*Delivery
	// 优先处理 run-code
	for _, want := range []string{q.runStream, q.judgeStream} {
		for _, s := range res {
			if s.Stream != want {
				continue
			}
			for _, msg := range s.Messages {
				d, err := q.activate(ctx, s.Stream, msg)
				if err != nil {
					return deliveries, err
				}
				if d != nil {
					deliveries = append(deliveries, d)
				}
			}
		}
	}
	return deliveries, nil
}

func (q *Queue) activate(ctx context.Context, stream string, msg redis.XMessage) (*Delivery, error) {
	id, _ := msg.Values[fieldID].(string)
	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		q.log.WarnContext(ctx, "dropping stream entry without job", logger.String("stream", stream), logger.String("msgID", msg.ID), logger.String("jobID", id))
		return nil, q.ack(ctx, stream, msg.ID)
	}
	if err != nil {
		return nil, err
	}

	now := q.nowMillis()
	var attempts *redis.IntCmd
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		attempts = pipe.HIncrBy(ctx, q.jobKey(id), fieldAttempts, 1)
		pipe.HSet(ctx, q.jobKey(id), fieldState, string(StateActive), fieldUpdatedAt, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to activate job: %w", err)
	}
	job.Attempts = int(attempts.Val())
	job.State = StateActive
	job.UpdatedAt = time.UnixMilli(now)
	return &Delivery{Job: job, stream: stream, msgID: msg.ID}, nil
}

func (q *Queue) ack(ctx context.Context, stream, msgID string) error {
	return retry.Do(ctx, func() error {
		_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAck(ctx, stream, q.opts.Group, msgID)
			pipe.XDel(ctx, stream, msgID)
			return nil
		})
		return err
	}, retry.WithBaseInterval(100*time.Millisecond))
}

// Complete stores the result, acknowledges the delivery and wakes any waiter.
func (q *Queue) Complete(ctx context.Context, d *Delivery, result any) error {
	data, err := Encode(result)
	if err != nil {
		return err
	}
	now := q.nowMillis()
	id := d.Job.ID
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), map[string]any{
			fieldState:      string(StateCompleted),
			fieldResult:     data,
			fieldError:      "",
			fieldUpdatedAt:  now,
			fieldFinishedAt: now,
		})
		pipe.ZAdd(ctx, q.doneKey, redis.Z{Score: float64(now), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if err = q.ack(ctx, d.stream, d.msgID); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	d.Job.State = StateCompleted
	d.Job.Result = data
	q.notify(ctx, id)
	q.trim(ctx, q.doneKey, q.opts.CompletedTTL, q.opts.CompletedMax)
	return nil
}

// Fail records cause and either schedules a retry with exponential backoff or,
// once attempts are exhausted, marks the job failed. It reports whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, d *Delivery, cause error) (bool, error) {
	now := q.nowMillis()
	id := d.Job.ID
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	retrying := d.Job.Attempts < d.Job.MaxAttempts
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if retrying {
			at := now + q.Backoff(d.Job.Attempts).Milliseconds()
			pipe.HSet(ctx, q.jobKey(id), fieldState, string(StateDelayed), fieldError, msg, fieldUpdatedAt, now)
			pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(at), Member: id})
			return nil
		}
		pipe.HSet(ctx, q.jobKey(id), fieldState, string(StateFailed), fieldError, msg, fieldUpdatedAt, now, fieldFinishedAt, now)
		pipe.ZAdd(ctx, q.failedKey, redis.Z{Score: float64(now), Member: id})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record job failure: %w", err)
	}
	if err = q.ack(ctx, d.stream, d.msgID); err != nil {
		return retrying, fmt.Errorf("failed to ack job: %w", err)
	}
	d.Job.Error = msg
	if retrying {
		d.Job.State = StateDelayed
		return true, nil
	}
	d.Job.State = StateFailed
	q.notify(ctx, id)
	q.trim(ctx, q.failedKey, q.opts.FailedTTL, q.opts.FailedMax)
	return false, nil
}

// Backoff is the delay before the retry that follows the given attempt.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.opts.BackoffBase << (attempt - 1)
}

// PromoteDelayed moves retries whose backoff has elapsed back onto their stream.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.nowMillis(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list delayed jobs: %w", err)
	}
	promoted := 0
	for _, id := range ids {
		// ZREM 成功者负责投递, 多个 worker 并发时只投递一次
		removed, err := q.rdb.ZRem(ctx, q.delayedKey, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to remove delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		kind, err := q.rdb.HGet(ctx, q.jobKey(id), fieldKind).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return promoted, fmt.Errorf("failed to load delayed job: %w", err)
		}
		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(id), fieldState, string(StateWaiting), fieldUpdatedAt, q.nowMillis())
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: q.streamOf(Kind(kind)),
				Values: map[string]any{fieldID: id},
			})
			return nil
		})
		if err != nil {
			return promoted, fmt.Errorf("failed to requeue job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Reclaim takes over entries another consumer claimed but never acknowledged
// and treats each as a failed attempt.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	reclaimed := 0
	for _, stream := range []string{q.runStream, q.judgeStream} {
		msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    q.opts.Group,
			MinIdle:  q.opts.ReclaimIdle,
			Start:    "0-0",
			Count:    50,
			Consumer: q.opts.Consumer,
		}).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("failed to autoclaim %s: %w", stream, err)
		}
		for _, msg := range msgs {
			id, _ := msg.Values[fieldID].(string)
			job, err := q.Get(ctx, id)
			if errors.Is(err, ErrJobNotFound) {
				if err = q.ack(ctx, stream, msg.ID); err != nil {
					return reclaimed, err
				}
				continue
			}
			if err != nil {
				return reclaimed, err
			}
			d := &Delivery{Job: job, stream: stream, msgID: msg.ID}
			retrying, err := q.Fail(ctx, d, ErrAbandoned)
			if err != nil {
				return reclaimed, err
			}
			q.log.WarnContext(ctx, "reclaimed abandoned job", logger.String("jobID", id), logger.String("stream", stream), logger.Any("retrying", retrying))
			if !retrying && q.onExhausted != nil {
				q.onExhausted(ctx, d.Job, ErrAbandoned)
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}

// Touch resets the idle time of deliveries this consumer is still working on,
// keeping them out of Reclaim. Call it well within Options.ReclaimIdle.
func (q *Queue) Touch(ctx context.Context, ds ...*Delivery) error {
	for _, d := range ds {
		err := q.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   d.stream,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			MinIdle:  0,
			Messages: []string{d.msgID},
		}).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to touch job %s: %w", d.Job.ID, err)
		}
	}
	return nil
}

// RunMaintenance promotes due retries and reclaims abandoned jobs until ctx is done.
func (q *Queue) RunMaintenance(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
				q.log.ErrorContext(ctx, "promote delayed jobs failed", logger.Error(err))
			}
			if _, err := q.Reclaim(ctx); err != nil && ctx.Err() == nil {
				q.log.ErrorContext(ctx, "reclaim jobs failed", logger.Error(err))
			}
		}
	}
}

// Wait blocks until the job finishes, timeout elapses or ctx is done.
func (q *Queue) Wait(ctx context.Context, id string, timeout time.Duration) (*Job, error) {
	// 先订阅再查询状态, 避免错过完成通知
	ps := q.rdb.Subscribe(ctx, q.doneChannel(id))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe job channel: %w", err)
	}
	ch := ps.Channel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	// 通知丢失时的兜底轮询
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Finished() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrWaitTimeout
		case <-ch:
		case <-ticker.C:
		}
	}
}

// Heartbeat announces that this consumer can judge.
func (q *Queue) Heartbeat(ctx context.Context) error {
	now := q.nowMillis()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.workersKey, redis.Z{Score: float64(now), Member: q.opts.Consumer})
		pipe.ZRemRangeByScore(ctx, q.workersKey, "-inf", strconv.FormatInt(now-q.opts.HeartbeatTTL.Milliseconds(), 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return nil
}

// Leave withdraws this consumer's heartbeat.
func (q *Queue) Leave(ctx context.Context) error {
	return q.rdb.ZRem(ctx, q.workersKey, q.opts.Consumer).Err()
}

// Alive reports whether any consumer sent a heartbeat within the TTL.
func (q *Queue) Alive(ctx context.Context) (bool, error) {
	since := q.nowMillis() - q.opts.HeartbeatTTL.Milliseconds()
	n, err := q.rdb.ZCount(ctx, q.workersKey, strconv.FormatInt(since, 10), "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("failed to count live workers: %w", err)
	}
	return n > 0, nil
}

func (q *Queue) notify(ctx context.Context, id string) {
	if err := q.rdb.Publish(ctx, q.doneChannel(id), id).Err(); err != nil {
		q.log.WarnContext(ctx, "publish job done failed", logger.String("jobID", id), logger.Error(err))
	}
}

// trim drops finished jobs that are older than ttl or beyond the newest limit.
func (q *Queue) trim(ctx context.Context, set string, ttl time.Duration, limit int) {
	cutoff := q.opts.Now().Add(-ttl).UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		q.log.WarnContext(ctx, "list expired jobs failed", logger.String("set", set), logger.Error(err))
		return
	}
	total, err := q.rdb.ZCard(ctx, set).Result()
	if err != nil {
		q.log.WarnContext(ctx, "count finished jobs failed", logger.String("set", set), logger.Error(err))
		return
	}
	if over := int(total) - len(ids) - limit; over > 0 {
		extra, err := q.rdb.ZRange(ctx, set, int64(len(ids)), int64(len(ids)+over-1)).Result()
		if err != nil {
			q.log.WarnContext(ctx, "list overflow jobs failed", logger.String("set", set), logger.Error(err))
			return
		}
		ids = append(ids, extra...)
	}
	if len(ids) == 0 {
		return
	}
	keys := make([]string, 0, len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, q.jobKey(id))
		members = append(members, id)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, set, members...)
		return nil
	})
	if err != nil {
		q.log.WarnContext(ctx, "trim finished jobs failed", logger.String("set", set), logger.Error(err))
	}
}
