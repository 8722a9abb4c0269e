package queue

import (
	"errors"
	"strconv"
	"time"
)

type Kind string

const (
	KindJudgeSubmission Kind = "judge-submission"
	KindRunCode         Kind = "run-code"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrWaitTimeout = errors.New("wait for job timed out")
	ErrAbandoned   = errors.New("worker stopped before finishing the job")
)

// Job is the queue's view of one unit of work, stored as a redis hash.
type Job struct {
	ID          string
	Kind        Kind
	State       State
	Attempts    int
	MaxAttempts int
	Payload     []byte // zstd 压缩后的 JSON
	Result      []byte
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  time.Time
}

func (j *Job) DecodePayload(v any) error {
	return Decode(j.Payload, v)
}

// DecodeResult decodes the result stored by Complete.
func (j *Job) DecodeResult(v any) error {
	if len(j.Result) == 0 {
		return errors.New("job has no result")
	}
	return Decode(j.Result, v)
}

// Delivery is a job claimed by one consumer, bound to its stream entry.
type Delivery struct {
	Job    *Job
	stream string
	msgID  string
}

const (
	fieldID          = "id"
	fieldKind        = "kind"
	fieldState       = "state"
	fieldAttempts    = "attempts"
	fieldMaxAttempts = "maxAttempts"
	fieldPayload     = "payload"
	fieldResult      = "result"
	fieldError       = "error"
	fieldCreatedAt   = "createdAt"
	fieldUpdatedAt   = "updatedAt"
	fieldFinishedAt  = "finishedAt"
)

func jobFromHash(m map[string]string) *Job {
	j := &Job{
		ID:      m[fieldID],
		Kind:    Kind(m[fieldKind]),
		State:   State(m[fieldState]),
		Payload: []byte(m[fieldPayload]),
		Result:  []byte(m[fieldResult]),
		Error:   m[fieldError],
	}
	j.Attempts, _ = strconv.Atoi(m[fieldAttempts])
	j.MaxAttempts, _ = strconv.Atoi(m[fieldMaxAttempts])
	j.CreatedAt = parseMillis(m[fieldCreatedAt])
	j.UpdatedAt = parseMillis(m[fieldUpdatedAt])
	j.FinishedAt = parseMillis(m[fieldFinishedAt])
	return j
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
