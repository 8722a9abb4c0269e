package model

import "fmt"

// JudgePayload is what the API hands the worker for a persisted submission.
type JudgePayload struct {
	SubmissionID uint64     `json:"submissionId"`
	ProblemID    uint64     `json:"problemId"`
	Code         string     `json:"code"`
	Language     Language   `json:"language"`
	TestCases    []TestCase `json:"testCases"`
	TimeLimit    int        `json:"timeLimit"`   // 毫秒
	MemoryLimit  int        `json:"memoryLimit"` // MB
}

// RunPayload is an ephemeral run against visible cases; nothing is persisted.
type RunPayload struct {
	Code        string     `json:"code"`
	Language    Language   `json:"language"`
	TestCases   []TestCase `json:"testCases"`
	TimeLimit   int        `json:"timeLimit"`
	MemoryLimit int        `json:"memoryLimit"`
}

// SubmissionJobID derives the queue job id of a submission, so each submission maps to one job.
func SubmissionJobID(submissionID uint64) string {
	return fmt.Sprintf("submission-%d", submissionID)
}
