package model

import "time"

// Language is the identifier a submission declares for its source code.
type Language string

const (
	LanguageC          Language = "c"
	LanguageCPP        Language = "cpp"
	LanguageJava       Language = "java"
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
)

func (l Language) String() string {
	return string(l)
}

// Verdict is the judging outcome of a submission or of a single test case.
type Verdict string

const (
	VerdictPending             Verdict = "Pending"
	VerdictRunning             Verdict = "Running"
	VerdictAccepted            Verdict = "Accepted"
	VerdictWrongAnswer         Verdict = "Wrong Answer"
	VerdictTimeLimitExceeded   Verdict = "Time Limit Exceeded"
	VerdictMemoryLimitExceeded Verdict = "Memory Limit Exceeded"
	VerdictRuntimeError        Verdict = "Runtime Error"
	VerdictCompilationError    Verdict = "Compilation Error"
	VerdictInternalError       Verdict = "Internal Error"
)

// Terminal reports whether the verdict ends the submission lifecycle.
func (v Verdict) Terminal() bool {
	return v != VerdictPending && v != VerdictRunning && v != ""
}

// TestCase is one stdin/stdout pair a program is judged against.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	IsHidden       bool   `json:"isHidden"`
}

// TestResult is the outcome of running one test case.
// Hidden cases only ever carry redacted tokens in Input, ExpectedOutput and ActualOutput.
type TestResult struct {
	Index          int     `json:"index"`
	Input          string  `json:"input"`
	ExpectedOutput string  `json:"expectedOutput"`
	ActualOutput   string  `json:"actualOutput"`
	Passed         bool    `json:"passed"`
	Verdict        Verdict `json:"verdict"`
	Runtime        int64   `json:"runtime"` // 毫秒
	Memory         int64   `json:"memory"`  // KB
	ErrorMessage   string  `json:"errorMessage,omitempty"`
	IsHidden       bool    `json:"isHidden"`
}

type Submission struct {
	ID                uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID            uint64       `gorm:"index:idx_submission_user_problem,priority:1;not null" json:"userId"`
	ProblemID         uint64       `gorm:"index:idx_submission_user_problem,priority:2;not null" json:"problemId"`
	ContestID         *uint64      `gorm:"index" json:"contestId,omitempty"`
	Code              string       `gorm:"type:text;not null" json:"code"`
	Language          Language     `gorm:"type:varchar(16);not null" json:"language"`
	Verdict           Verdict      `gorm:"type:varchar(32);not null;default:Pending;index" json:"verdict"`
	Runtime           int64        `gorm:"not null;default:0" json:"runtime"` // 毫秒
	Memory            int64        `gorm:"not null;default:0" json:"memory"`  // KB
	TestResults       []TestResult `gorm:"serializer:json;type:text" json:"testResults"`
	TotalTestCases    int          `gorm:"not null;default:0" json:"totalTestCases"`
	PassedTestCases   int          `gorm:"not null;default:0" json:"passedTestCases"`
	ErrorMessage      string       `gorm:"type:text" json:"errorMessage,omitempty"`
	CompilationOutput string       `gorm:"type:text" json:"compilationOutput,omitempty"`
	JobID             string       `gorm:"type:varchar(64);index" json:"jobId"`
	JudgeStartTime    *time.Time   `json:"judgeStartTime,omitempty"`
	JudgeEndTime      *time.Time   `json:"judgeEndTime,omitempty"`
	StatsApplied      bool         `gorm:"not null;default:false" json:"-"` // 防止重试时重复统计
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}
