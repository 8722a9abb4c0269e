package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type payload struct {
	SubmissionID uint64 `json:"submissionId"`
	Code         string `json:"code"`
}

func newTestQueue(t *testing.T, opts Options) (*Queue, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := New(rdb, loggerv2.GetGlobalLogger(), opts)
	require.NoError(t, q.Init(context.Background()))
	return q, rdb
}

func claimOne(t *testing.T, q *Queue) *Delivery {
	t.Helper()
	ds, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func TestQueue_EnqueueClaimComplete(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, KindJudgeSubmission, "submission-1", payload{SubmissionID: 1, Code: "print(1)"})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)

	d := claimOne(t, q)
	assert.Equal(t, "submission-1", d.Job.ID)
	assert.Equal(t, KindJudgeSubmission, d.Job.Kind)
	assert.Equal(t, StateActive, d.Job.State)
	assert.Equal(t, 1, d.Job.Attempts)

	var p payload
	require.NoError(t, d.Job.DecodePayload(&p))
	assert.Equal(t, uint64(1), p.SubmissionID)
	assert.Equal(t, "print(1)", p.Code)

	require.NoError(t, q.Complete(ctx, d, map[string]string{"verdict": "Accepted"}))

	got, err := q.Get(ctx, "submission-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.False(t, got.FinishedAt.IsZero())
	var res map[string]string
	require.NoError(t, got.DecodeResult(&res))
	assert.Equal(t, "Accepted", res["verdict"])

	// 已确认的消息不会再次投递
	ds, err := q.read(ctx, []string{q.judgeStream, ">"}, -1)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestQueue_EnqueueIsIdempotent(t *testing.T) {
	q, rdb := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindJudgeSubmission, "submission-7", payload{SubmissionID: 7})
	require.NoError(t, err)
	again, err := q.Enqueue(ctx, KindJudgeSubmission, "submission-7", payload{SubmissionID: 7})
	require.NoError(t, err)
	assert.Equal(t, "submission-7", again.ID)

	n, err := rdb.XLen(ctx, q.judgeStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueue_RunCodeHasPriority(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindJudgeSubmission, "judge", payload{})
	require.NoError(t, err)
	run, err := q.Enqueue(ctx, KindRunCode, "", payload{})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)

	first := claimOne(t, q)
	assert.Equal(t, KindRunCode, first.Job.Kind)
	assert.Equal(t, run.ID, first.Job.ID)

	second := claimOne(t, q)
	assert.Equal(t, "judge", second.Job.ID)
}

func TestQueue_RetryWithBackoff(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	q, _ := newTestQueue(t, Options{Now: clock.Now})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindJudgeSubmission, "flaky", payload{})
	require.NoError(t, err)

	boom := errors.New("database is down")
	for attempt := 1; attempt <= 2; attempt++ {
		d := claimOne(t, q)
		assert.Equal(t, attempt, d.Job.Attempts)
		retrying, err := q.Fail(ctx, d, boom)
		require.NoError(t, err)
		assert.True(t, retrying)

		job, err := q.Get(ctx, "flaky")
		require.NoError(t, err)
		assert.Equal(t, StateDelayed, job.State)
		assert.Equal(t, boom.Error(), job.Error)

		backoff := q.Backoff(attempt)
		clock.Advance(backoff - time.Millisecond)
		n, err := q.PromoteDelayed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "promoted before backoff elapsed")

		clock.Advance(time.Millisecond)
		n, err = q.PromoteDelayed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	d := claimOne(t, q)
	assert.Equal(t, 3, d.Job.Attempts)
	retrying, err := q.Fail(ctx, d, boom)
	require.NoError(t, err)
	assert.False(t, retrying)

	job, err := q.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.True(t, job.State.Finished())
}

func TestQueue_Backoff(t *testing.T) {
	q := New(nil, loggerv2.GetGlobalLogger(), Options{})
	assert.Equal(t, 2*time.Second, q.Backoff(1))
	assert.Equal(t, 4*time.Second, q.Backoff(2))
	assert.Equal(t, 8*time.Second, q.Backoff(3))
}

func TestQueue_Wait(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	t.Run("times out", func(t *testing.T) {
		_, err := q.Enqueue(ctx, KindRunCode, "slow", payload{})
		require.NoError(t, err)
		_, err = q.Wait(ctx, "slow", 100*time.Millisecond)
		assert.ErrorIs(t, err, ErrWaitTimeout)
	})

	t.Run("wakes on completion", func(t *testing.T) {
		_, err := q.Enqueue(ctx, KindRunCode, "fast", payload{})
		require.NoError(t, err)
		ds, err := q.read(ctx, []string{q.runStream, ">"}, -1)
		require.NoError(t, err)
		var d *Delivery
		for _, x := range ds {
			if x.Job.ID == "fast" {
				d = x
			}
		}
		if d == nil {
			// slow 先被读出, 再读一次
			ds, err = q.read(ctx, []string{q.runStream, ">"}, -1)
			require.NoError(t, err)
			require.Len(t, ds, 1)
			d = ds[0]
		}
		require.Equal(t, "fast", d.Job.ID)

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = q.Complete(context.Background(), d, "done")
		}()
		job, err := q.Wait(ctx, "fast", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, job.State)
		var out string
		require.NoError(t, job.DecodeResult(&out))
		assert.Equal(t, "done", out)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := q.Wait(ctx, "missing", time.Second)
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestQueue_RetentionTrim(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	q, _ := newTestQueue(t, Options{Now: clock.Now, CompletedMax: 2})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, KindJudgeSubmission, id, payload{})
		require.NoError(t, err)
		d := claimOne(t, q)
		require.NoError(t, q.Complete(ctx, d, id))
		clock.Advance(time.Second)
	}
	_, err := q.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.Get(ctx, "c")
	assert.NoError(t, err)

	// 超过保留时长的全部清理
	clock.Advance(2 * time.Hour)
	_, err = q.Enqueue(ctx, KindJudgeSubmission, "d", payload{})
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, claimOne(t, q), "d"))
	_, err = q.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.Get(ctx, "d")
	assert.NoError(t, err)
}

func TestQueue_ReclaimAbandoned(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	crashed := New(rdb, loggerv2.GetGlobalLogger(), Options{Consumer: "crashed"})
	require.NoError(t, crashed.Init(ctx))
	_, err := crashed.Enqueue(ctx, KindJudgeSubmission, "orphan", payload{})
	require.NoError(t, err)
	claimOne(t, crashed)

	survivor := New(rdb, loggerv2.GetGlobalLogger(), Options{Consumer: "survivor", ReclaimIdle: time.Millisecond})
	time.Sleep(20 * time.Millisecond)
	n, err := survivor.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := survivor.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, 1, job.Attempts)

	// 已经被重新调度, 再次回收不会重复处理
	n, err = survivor.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_ReclaimExhausted(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	crashed := New(rdb, loggerv2.GetGlobalLogger(), Options{Consumer: "crashed", MaxAttempts: 1})
	require.NoError(t, crashed.Init(ctx))
	_, err := crashed.Enqueue(ctx, KindJudgeSubmission, "last-try", payload{SubmissionID: 9})
	require.NoError(t, err)
	claimOne(t, crashed)

	var exhausted []*Job
	var causes []error
	survivor := New(rdb, loggerv2.GetGlobalLogger(), Options{Consumer: "survivor", ReclaimIdle: time.Millisecond})
	survivor.OnExhausted(func(_ context.Context, job *Job, cause error) {
		exhausted = append(exhausted, job)
		causes = append(causes, cause)
	})
	time.Sleep(20 * time.Millisecond)
	n, err := survivor.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, exhausted, 1)
	assert.Equal(t, "last-try", exhausted[0].ID)
	assert.Equal(t, StateFailed, exhausted[0].State)
	assert.ErrorIs(t, causes[0], ErrAbandoned)
	var p payload
	require.NoError(t, exhausted[0].DecodePayload(&p))
	assert.Equal(t, uint64(9), p.SubmissionID)

	job, err := survivor.Get(ctx, "last-try")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, ErrAbandoned.Error(), job.Error)
}

func TestQueue_TouchKeepsDeliveryClaimed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	busy := New(rdb, loggerv2.GetGlobalLogger(), Options{Consumer: "busy"})
	require.NoError(t, busy.Init(ctx))
	_, err := busy.Enqueue(ctx, KindJudgeSubmission, "long", payload{})
	require.NoError(t, err)
	d := claimOne(t, busy)

	other := New(rdb, loggerv2.GetGlobalLogger(), Options{Consumer: "other", ReclaimIdle: 50 * time.Millisecond})
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, busy.Touch(ctx, d))

	n, err := other.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	job, err := busy.Get(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, StateActive, job.State)
	assert.Equal(t, 1, job.Attempts)

	require.NoError(t, busy.Complete(ctx, d, map[string]string{"ok": "yes"}))
	ds, err := other.Claim(ctx)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestQueue_Heartbeat(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	q, _ := newTestQueue(t, Options{Now: clock.Now, HeartbeatTTL: 10 * time.Second})
	ctx := context.Background()

	alive, err := q.Alive(ctx)
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, q.Heartbeat(ctx))
	alive, err = q.Alive(ctx)
	require.NoError(t, err)
	assert.True(t, alive)

	clock.Advance(11 * time.Second)
	alive, err = q.Alive(ctx)
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, q.Heartbeat(ctx))
	require.NoError(t, q.Leave(ctx))
	alive, err = q.Alive(ctx)
	require.NoError(t, err)
	assert.False(t, alive)
}
