package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/to404hanga/online_judge_pipeline/executor/config"
	"github.com/to404hanga/online_judge_pipeline/executor/service"
	"github.com/to404hanga/online_judge_pipeline/model"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

const (
	MinTimeLimitMs   = 100
	MaxTimeLimitMs   = 15000
	MinMemoryLimitMB = 64
	MaxMemoryLimitMB = 1024

	CompileTimeout = 15 * time.Second

	// 隐藏测试点的占位内容
	HiddenToken  = "Hidden"
	CorrectToken = "Correct"
	WrongToken   = "Wrong"
	ErrorToken   = "Error"

	maxMessageLen = 4096
)

var (
	ErrJudgeUnavailable    = service.ErrJudgeUnavailable
	ErrNoTestCases         = errors.New("no test cases to judge")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

var memoryExhaustedPattern = regexp.MustCompile(`(?i)out of memory|outofmemoryerror|memoryerror|bad_alloc|cannot allocate memory|heap limit`)

type Judger interface {
	Run(ctx context.Context, task *service.JudgeTask) (*service.JudgeResult, error)
	Available() bool
	Close(ctx context.Context) error
}

type SandboxJudger struct {
	log      loggerv2.Logger
	sandbox  service.Sandbox
	workRoot string
	runGrace time.Duration
}

var _ Judger = (*SandboxJudger)(nil)

// NewSandboxJudger builds a judger on top of the sandbox strategy chosen at startup.
// runGrace is added to the per-test time limit to absorb process start overhead.
func NewSandboxJudger(log loggerv2.Logger, sandbox service.Sandbox, workRoot string, runGrace time.Duration) *SandboxJudger {
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	return &SandboxJudger{
		log:      log,
		sandbox:  sandbox,
		workRoot: workRoot,
		runGrace: runGrace,
	}
}

func (j *SandboxJudger) Available() bool {
	return j.sandbox.Available()
}

func (j *SandboxJudger) Run(ctx context.Context, task *service.JudgeTask) (*service.JudgeResult, error) {
	cfg, ok := config.Lookup(task.Language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, task.Language)
	}
	if !j.sandbox.Available() {
		return nil, ErrJudgeUnavailable
	}
	if len(task.TestCases) == 0 {
		return nil, ErrNoTestCases
	}
	timeLimit, memoryLimit := ClampLimits(cfg, task.TimeLimit, task.MemoryLimit)

	workspace, err := j.prepareWorkspace(task.WorkspaceKey)
	if err != nil {
		return nil, err
	}
	// 无论何种结果都清理工作目录
	defer j.cleanup(ctx, workspace)

	rt := cfg.Resolve(task.Language, task.SourceCode, j.sandbox.WorkDir(workspace))
	if err = os.WriteFile(filepath.Join(workspace, rt.SourceFile), []byte(task.SourceCode), 0644); err != nil {
		return nil, fmt.Errorf("write source failed: %w", err)
	}

	if rt.NeedsCompile() {
		compileResult, err := j.compile(ctx, rt, workspace)
		if err != nil {
			return nil, err
		}
		if compileResult != nil {
			compileResult.TotalTestCases = len(task.TestCases)
			return compileResult, nil
		}
	}

	return j.runTests(ctx, rt, workspace, task.TestCases, timeLimit, memoryLimit)
}

// compile returns a non-nil result only when the build failed.
func (j *SandboxJudger) compile(ctx context.Context, rt config.Runtime, workspace string) (*service.JudgeResult, error) {
	box, err := j.sandbox.Open(ctx, service.BoxSpec{
		Runtime:   rt,
		Workspace: workspace,
		Writable:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("open compile sandbox failed: %w", err)
	}
	defer j.closeBox(ctx, box)

	res, err := box.Exec(ctx, service.ExecRequest{
		Cmd:         rt.BuildCommand,
		Timeout:     CompileTimeout,
		MergeStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("compile failed: %w", err)
	}
	output := clip(res.Stdout)
	switch {
	case res.TimedOut:
		if output != "" {
			output += "\n"
		}
		output += fmt.Sprintf("Compilation timed out after %s", CompileTimeout)
	case res.ExitCode != 0:
		if output == "" {
			output = fmt.Sprintf("Compiler exited with code %d", res.ExitCode)
		}
	default:
		return nil, nil
	}
	return &service.JudgeResult{
		Verdict:           model.VerdictCompilationError,
		TestResults:       []model.TestResult{},
		ErrorMessage:      "Compilation failed",
		CompilationOutput: output,
	}, nil
}

func (j *SandboxJudger) runTests(ctx context.Context, rt config.Runtime, workspace string, tests []model.TestCase, timeLimit time.Duration, memoryLimitMB int) (*service.JudgeResult, error) {
	box, err := j.sandbox.Open(ctx, service.BoxSpec{
		Runtime:       rt,
		Workspace:     workspace,
		MemoryLimitMB: memoryLimitMB,
	})
	if err != nil {
		return nil, fmt.Errorf("open run sandbox failed: %w", err)
	}
	defer j.closeBox(ctx, box)

	result := &service.JudgeResult{
		Verdict:        model.VerdictAccepted,
		TestResults:    make([]model.TestResult, 0, len(tests)),
		TotalTestCases: len(tests),
	}
	// 第一个失败的测试点决定结果, TLE/MLE 除外(直接覆盖并终止)
	fail := func(v model.Verdict, idx int, detail string, hidden bool) {
		if result.Verdict != model.VerdictAccepted && v != model.VerdictTimeLimitExceeded && v != model.VerdictMemoryLimitExceeded {
			return
		}
		result.Verdict = v
		msg := fmt.Sprintf("%s on test %d", v, idx+1)
		if detail != "" && !hidden {
			msg += ": " + detail
		}
		result.ErrorMessage = msg
	}

	for i, tc := range tests {
		res, err := box.Exec(ctx, service.ExecRequest{
			Cmd:     rt.RunCommand,
			Stdin:   tc.Input,
			Timeout: timeLimit + j.runGrace,
		})
		if err != nil {
			return nil, fmt.Errorf("run test %d failed: %w", i+1, err)
		}
		if res.TimeUsed > result.Runtime {
			result.Runtime = res.TimeUsed
		}
		if res.MemoryUsed > result.Memory {
			result.Memory = res.MemoryUsed
		}

		tr := model.TestResult{
			Index:          i,
			Input:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
			ActualOutput:   res.Stdout,
			Runtime:        res.TimeUsed,
			Memory:         res.MemoryUsed,
			IsHidden:       tc.IsHidden,
		}
		halt := false
		switch {
		case res.TimedOut:
			tr.Verdict = model.VerdictTimeLimitExceeded
			tr.ErrorMessage = fmt.Sprintf("Time limit of %d ms exceeded", timeLimit.Milliseconds())
			fail(tr.Verdict, i, "", tc.IsHidden)
			halt = true
		case res.OOMKilled || (res.ExitCode != 0 && memoryExhaustedPattern.MatchString(res.Stderr)):
			tr.Verdict = model.VerdictMemoryLimitExceeded
			tr.ErrorMessage = fmt.Sprintf("Memory limit of %d MB exceeded", memoryLimitMB)
			fail(tr.Verdict, i, "", tc.IsHidden)
			halt = true
		case res.ExitCode != 0:
			tr.Verdict = model.VerdictRuntimeError
			tr.ErrorMessage = runtimeErrorMessage(res)
			fail(tr.Verdict, i, tr.ErrorMessage, tc.IsHidden)
		case strings.TrimSpace(res.Stdout) == strings.TrimSpace(tc.ExpectedOutput):
			tr.Verdict = model.VerdictAccepted
			tr.Passed = true
			result.PassedTestCases++
		default:
			tr.Verdict = model.VerdictWrongAnswer
			fail(tr.Verdict, i, "", tc.IsHidden)
		}
		if tc.IsHidden {
			redact(&tr)
		}
		result.TestResults = append(result.TestResults, tr)
		if halt {
			break
		}
	}

	if result.Verdict == model.VerdictAccepted && result.PassedTestCases != result.TotalTestCases {
		// 理论上不会发生, 保证 Accepted 与全部通过等价
		result.Verdict = model.VerdictWrongAnswer
	}
	j.log.DebugContext(ctx, "judge finished",
		logger.String("language", rt.Language.String()),
		logger.String("verdict", string(result.Verdict)),
		logger.Any("passed", result.PassedTestCases),
		logger.Any("total", result.TotalTestCases),
	)
	return result, nil
}

func (j *SandboxJudger) prepareWorkspace(key string) (string, error) {
	if err := os.MkdirAll(j.workRoot, 0755); err != nil {
		return "", fmt.Errorf("create work root failed: %w", err)
	}
	pattern := "oj-*"
	if key != "" {
		pattern = "oj-" + sanitize(key) + "-*"
	}
	dir, err := os.MkdirTemp(j.workRoot, pattern)
	if err != nil {
		return "", fmt.Errorf("create workspace failed: %w", err)
	}
	// 沙箱内以 nobody 身份编译, 需要写权限
	if err = os.Chmod(dir, 0777); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("chmod workspace failed: %w", err)
	}
	return dir, nil
}

func (j *SandboxJudger) cleanup(ctx context.Context, workspace string) {
	if err := os.RemoveAll(workspace); err != nil {
		j.log.WarnContext(ctx, "remove workspace failed", logger.String("workspace", workspace), logger.Error(err))
	}
}

func (j *SandboxJudger) closeBox(ctx context.Context, box service.Box) {
	if err := box.Close(ctx); err != nil {
		j.log.WarnContext(ctx, "close sandbox failed", logger.Error(err))
	}
}

func (j *SandboxJudger) Close(ctx context.Context) error {
	return j.sandbox.Close(ctx)
}

// ClampLimits bounds the requested limits and raises memory to the language floor.
func ClampLimits(cfg config.LanguageConfig, timeLimitMs, memoryLimitMB int) (time.Duration, int) {
	if timeLimitMs <= 0 {
		timeLimitMs = int(cfg.DefaultTimeout.Milliseconds())
	}
	timeLimitMs = min(max(timeLimitMs, MinTimeLimitMs), MaxTimeLimitMs)
	memoryLimitMB = min(max(memoryLimitMB, MinMemoryLimitMB), MaxMemoryLimitMB)
	memoryLimitMB = max(memoryLimitMB, cfg.MemoryFloorMB)
	return time.Duration(timeLimitMs) * time.Millisecond, memoryLimitMB
}

func redact(tr *model.TestResult) {
	tr.Input = HiddenToken
	tr.ExpectedOutput = HiddenToken
	switch {
	case tr.Passed:
		tr.ActualOutput = CorrectToken
	case tr.Verdict == model.VerdictWrongAnswer:
		tr.ActualOutput = WrongToken
	default:
		tr.ActualOutput = ErrorToken
	}
	if tr.ErrorMessage != "" {
		tr.ErrorMessage = string(tr.Verdict)
	}
}

func runtimeErrorMessage(res *service.ExecResult) string {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		return fmt.Sprintf("Process exited with code %d", res.ExitCode)
	}
	return clip(msg)
}

func clip(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen] + "...(truncated)"
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
