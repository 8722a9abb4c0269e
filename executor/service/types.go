package service

import (
	"context"
	"errors"
	"time"

	"github.com/to404hanga/online_judge_pipeline/executor/config"
	"github.com/to404hanga/online_judge_pipeline/model"
)

var ErrJudgeUnavailable = errors.New("judge unavailable: no container sandbox and unsafe mode disabled")

type JudgeTask struct {
	WorkspaceKey string // 用于命名临时工作目录, 一般为提交ID或任务ID
	SourceCode   string
	Language     model.Language
	TestCases    []model.TestCase
	TimeLimit    int // Milliseconds
	MemoryLimit  int // Megabytes
}

// JudgeResult is the verdict bundle produced for one submission.
type JudgeResult struct {
	Verdict           model.Verdict      `json:"verdict"`
	Runtime           int64              `json:"runtime"` // Milliseconds
	Memory            int64              `json:"memory"`  // Kilobytes
	TestResults       []model.TestResult `json:"testResults"`
	PassedTestCases   int                `json:"passedTestCases"`
	TotalTestCases    int                `json:"totalTestCases"`
	ErrorMessage      string             `json:"errorMessage,omitempty"`
	CompilationOutput string             `json:"compilationOutput,omitempty"`
}

// BoxSpec describes the isolated environment for one stage of one submission.
type BoxSpec struct {
	Runtime       config.Runtime
	Workspace     string // 宿主机上的工作目录
	MemoryLimitMB int
	Writable      bool // 编译阶段需要写入产物, 运行阶段只读
}

type ExecRequest struct {
	Cmd         []string
	Stdin       string
	Timeout     time.Duration
	MergeStderr bool // 编译输出需要合并 stdout 与 stderr
}

type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	TimedOut   bool
	OOMKilled  bool
	TimeUsed   int64 // Milliseconds
	MemoryUsed int64 // Kilobytes
}

// Box is a sandbox instance bound to one workspace.
type Box interface {
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)
	Close(ctx context.Context) error
}

// Sandbox is the execution strategy selected once at process start.
type Sandbox interface {
	Name() string
	Available() bool
	// WorkDir returns the workspace path as seen by the sandboxed program.
	WorkDir(workspace string) string
	Open(ctx context.Context, spec BoxSpec) (Box, error)
	Close(ctx context.Context) error
}

// Options holds the resource caps shared by both strategies.
type Options struct {
	PidsLimit       int64
	OpenFilesLimit  int
	TmpfsSizeMB     int
	CompileMemoryMB int
	OutputLimitKB   int
	HostWorkRoot    string // worker 自身运行在容器中时, 工作目录在宿主机上的路径
	WorkRoot        string
}

func (o Options) withDefaults() Options {
	if o.PidsLimit <= 0 {
		o.PidsLimit = 64
	}
	if o.OpenFilesLimit <= 0 {
		o.OpenFilesLimit = 64
	}
	if o.TmpfsSizeMB <= 0 {
		o.TmpfsSizeMB = 64
	}
	if o.CompileMemoryMB <= 0 {
		o.CompileMemoryMB = 512
	}
	if o.OutputLimitKB <= 0 {
		o.OutputLimitKB = 16 * 1024
	}
	return o
}

// unavailableSandbox refuses every job.
type unavailableSandbox struct{}

func (unavailableSandbox) Name() string { return "unavailable" }
func (unavailableSandbox) Available() bool { return false }
func (unavailableSandbox) WorkDir(workspace string) string { return workspace }
func (unavailableSandbox) Open(context.Context, BoxSpec) (Box, error) {
	return nil, ErrJudgeUnavailable
}
func (unavailableSandbox) Close(context.Context) error { return nil }

// NewUnavailableSandbox returns a Sandbox that rejects all work with ErrJudgeUnavailable.
func NewUnavailableSandbox() Sandbox {
	return unavailableSandbox{}
}
