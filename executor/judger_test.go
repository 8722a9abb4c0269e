package executor

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/to404hanga/online_judge_pipeline/executor/config"
	"github.com/to404hanga/online_judge_pipeline/executor/service"
	"github.com/to404hanga/online_judge_pipeline/model"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

// fakeSandbox 按 stdin 返回预设结果, 记录每个阶段打开的盒子
type fakeSandbox struct {
	mu         sync.Mutex
	available  bool
	compile    *service.ExecResult
	compileErr error
	run        func(stdin string) *service.ExecResult
	specs      []service.BoxSpec
	requests   []service.ExecRequest
	workspaces []string
	closed     int
}

func (f *fakeSandbox) Name() string { return "fake" }

func (f *fakeSandbox) Available() bool { return f.available }

func (f *fakeSandbox) WorkDir(string) string { return "/sandbox" }

func (f *fakeSandbox) Close(context.Context) error { return nil }

func (f *fakeSandbox) Open(_ context.Context, spec service.BoxSpec) (service.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	f.workspaces = append(f.workspaces, spec.Workspace)
	return &fakeBox{sb: f, writable: spec.Writable}, nil
}

type fakeBox struct {
	sb       *fakeSandbox
	writable bool
}

func (b *fakeBox) Exec(_ context.Context, req service.ExecRequest) (*service.ExecResult, error) {
	b.sb.mu.Lock()
	b.sb.requests = append(b.sb.requests, req)
	b.sb.mu.Unlock()
	if b.writable {
		if b.sb.compileErr != nil {
			return nil, b.sb.compileErr
		}
		if b.sb.compile != nil {
			return b.sb.compile, nil
		}
		return &service.ExecResult{}, nil
	}
	return b.sb.run(req.Stdin), nil
}

func (b *fakeBox) Close(context.Context) error {
	b.sb.mu.Lock()
	b.sb.closed++
	b.sb.mu.Unlock()
	return nil
}

// echoDouble 模拟 "读入 n 输出 2n" 的程序
func echoDouble(stdin string) *service.ExecResult {
	switch strings.TrimSpace(stdin) {
	case "1":
		return &service.ExecResult{Stdout: "2\n", TimeUsed: 3, MemoryUsed: 1000}
	case "2":
		return &service.ExecResult{Stdout: "4\n", TimeUsed: 7, MemoryUsed: 1500}
	case "3":
		return &service.ExecResult{Stdout: "6\n", TimeUsed: 5, MemoryUsed: 1200}
	}
	return &service.ExecResult{Stdout: "\n"}
}

func newTestJudger(t *testing.T, sb *fakeSandbox) *SandboxJudger {
	t.Helper()
	return NewSandboxJudger(loggerv2.GetGlobalLogger(), sb, t.TempDir(), 200*time.Millisecond)
}

func doubleCases(hidden bool) []model.TestCase {
	return []model.TestCase{
		{Input: "1", ExpectedOutput: "2"},
		{Input: "2", ExpectedOutput: "4", IsHidden: hidden},
		{Input: "3", ExpectedOutput: "6", IsHidden: hidden},
	}
}

func TestSandboxJudger_Accepted(t *testing.T) {
	sb := &fakeSandbox{available: true, run: echoDouble}
	j := newTestJudger(t, sb)

	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode:  "n = int(input())\nprint(n * 2)\n",
		Language:    model.LanguagePython,
		TestCases:   doubleCases(false),
		TimeLimit:   1000,
		MemoryLimit: 256,
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAccepted, res.Verdict)
	assert.Equal(t, 3, res.PassedTestCases)
	assert.Equal(t, 3, res.TotalTestCases)
	assert.Len(t, res.TestResults, 3)
	assert.Equal(t, int64(7), res.Runtime)
	assert.Equal(t, int64(1500), res.Memory)
	assert.Empty(t, res.ErrorMessage)

	// 解释型语言只打开一次只读盒子
	require.Len(t, sb.specs, 1)
	assert.False(t, sb.specs[0].Writable)
	assert.Equal(t, 256, sb.specs[0].MemoryLimitMB)
	for _, req := range sb.requests {
		assert.Equal(t, 1200*time.Millisecond, req.Timeout)
		assert.Equal(t, []string{"python3", "-B", "/sandbox/main.py"}, req.Cmd)
	}
	assert.Equal(t, 1, sb.closed)
}

func TestSandboxJudger_WrongAnswerOnHiddenTest(t *testing.T) {
	sb := &fakeSandbox{available: true, run: func(stdin string) *service.ExecResult {
		if strings.TrimSpace(stdin) == "2" {
			return &service.ExecResult{Stdout: "5\n", TimeUsed: 2}
		}
		return echoDouble(stdin)
	}}
	j := newTestJudger(t, sb)

	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "code",
		Language:   model.LanguagePython,
		TestCases:  doubleCases(true),
		TimeLimit:  1000,
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictWrongAnswer, res.Verdict)
	assert.Equal(t, 2, res.PassedTestCases)
	assert.Equal(t, "Wrong Answer on test 2", res.ErrorMessage)
	require.Len(t, res.TestResults, 3)

	visible := res.TestResults[0]
	assert.Equal(t, "1", visible.Input)
	assert.Equal(t, "2\n", visible.ActualOutput)

	failed := res.TestResults[1]
	assert.False(t, failed.Passed)
	assert.Equal(t, HiddenToken, failed.Input)
	assert.Equal(t, HiddenToken, failed.ExpectedOutput)
	assert.Equal(t, WrongToken, failed.ActualOutput)

	passed := res.TestResults[2]
	assert.True(t, passed.Passed)
	assert.Equal(t, CorrectToken, passed.ActualOutput)
}

func TestSandboxJudger_OutputIsTrimmed(t *testing.T) {
	sb := &fakeSandbox{available: true, run: func(string) *service.ExecResult {
		return &service.ExecResult{Stdout: "  hello world \n\n"}
	}}
	j := newTestJudger(t, sb)

	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "code",
		Language:   model.LanguageJavaScript,
		TestCases:  []model.TestCase{{Input: "", ExpectedOutput: "hello world"}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAccepted, res.Verdict)
}

func TestSandboxJudger_InnerWhitespaceIsCompared(t *testing.T) {
	sb := &fakeSandbox{available: true, run: func(string) *service.ExecResult {
		return &service.ExecResult{Stdout: "1  2\n"}
	}}
	j := newTestJudger(t, sb)

	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "code",
		Language:   model.LanguagePython,
		TestCases:  []model.TestCase{{Input: "", ExpectedOutput: "1 2"}},
	})
	require.NoError(t, err)
	// 只去掉首尾空白, 中间的空格必须完全一致
	assert.Equal(t, model.VerdictWrongAnswer, res.Verdict)
	assert.Zero(t, res.PassedTestCases)
	assert.Equal(t, "Wrong Answer on test 1", res.ErrorMessage)
}

func TestSandboxJudger_TimeLimitOnFirstTest(t *testing.T) {
	sb := &fakeSandbox{available: true, run: func(string) *service.ExecResult {
		return &service.ExecResult{TimedOut: true, TimeUsed: 1200}
	}}
	j := newTestJudger(t, sb)

	cases := make([]model.TestCase, 0, 5)
	for i := 1; i <= 5; i++ {
		cases = append(cases, model.TestCase{Input: "1", ExpectedOutput: "2"})
	}
	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "while True: pass",
		Language:   model.LanguagePython,
		TestCases:  cases,
		TimeLimit:  1000,
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictTimeLimitExceeded, res.Verdict)
	assert.Equal(t, "Time Limit Exceeded on test 1", res.ErrorMessage)
	assert.Len(t, res.TestResults, 1)
	assert.Zero(t, res.PassedTestCases)
	assert.Equal(t, 5, res.TotalTestCases)
	assert.Len(t, sb.requests, 1)
}

func TestSandboxJudger_TimeLimitHalts(t *testing.T) {
	sb := &fakeSandbox{available: true, run: func(stdin string) *service.ExecResult {
		if strings.TrimSpace(stdin) == "1" {
			return &service.ExecResult{Stdout: "3\n", TimeUsed: 1}
		}
		return &service.ExecResult{TimedOut: true, TimeUsed: 1200}
	}}
	j := newTestJudger(t, sb)

	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "code",
		Language:   model.LanguagePython,
		TestCases:  doubleCases(false),
		TimeLimit:  1000,
	})
	require.NoError(t, err)
	// TLE 覆盖先前的 WA 并终止
	assert.Equal(t, model.VerdictTimeLimitExceeded, res.Verdict)
	assert.Equal(t, "Time Limit Exceeded on test 2", res.ErrorMessage)
	assert.Len(t, res.TestResults, 2)
	assert.Equal(t, int64(1200), res.Runtime)
}

func TestSandboxJudger_MemoryLimit(t *testing.T) {
	testCases := []struct {
		name   string
		result *service.ExecResult
	}{
		{name: "oom killed", result: &service.ExecResult{ExitCode: 137, OOMKilled: true}},
		{name: "allocation failure message", result: &service.ExecResult{ExitCode: 1, Stderr: "Traceback...\nMemoryError"}},
		{name: "bad alloc", result: &service.ExecResult{ExitCode: 134, Stderr: "terminate called after throwing an instance of 'std::bad_alloc'"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sb := &fakeSandbox{available: true, run: func(string) *service.ExecResult { return tc.result }}
			j := newTestJudger(t, sb)
			res, err := j.Run(context.Background(), &service.JudgeTask{
				SourceCode: "code",
				Language:   model.LanguagePython,
				TestCases:  doubleCases(false),
			})
			require.NoError(t, err)
			assert.Equal(t, model.VerdictMemoryLimitExceeded, res.Verdict)
			assert.Len(t, res.TestResults, 1)
		})
	}
}

func TestSandboxJudger_RuntimeErrorContinues(t *testing.T) {
	sb := &fakeSandbox{available: true, run: func(stdin string) *service.ExecResult {
		if strings.TrimSpace(stdin) == "1" {
			return &service.ExecResult{ExitCode: 1, Stderr: "ZeroDivisionError: division by zero\n"}
		}
		return echoDouble(stdin)
	}}
	j := newTestJudger(t, sb)

	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "code",
		Language:   model.LanguagePython,
		TestCases:  doubleCases(false),
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictRuntimeError, res.Verdict)
	assert.Equal(t, "Runtime Error on test 1: ZeroDivisionError: division by zero", res.ErrorMessage)
	assert.Len(t, res.TestResults, 3)
	assert.Equal(t, 2, res.PassedTestCases)
}

func TestSandboxJudger_HiddenRuntimeErrorIsRedacted(t *testing.T) {
	sb := &fakeSandbox{available: true, run: func(string) *service.ExecResult {
		return &service.ExecResult{ExitCode: 1, Stderr: "secret stack trace"}
	}}
	j := newTestJudger(t, sb)

	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "code",
		Language:   model.LanguagePython,
		TestCases:  []model.TestCase{{Input: "1", ExpectedOutput: "2", IsHidden: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Runtime Error on test 1", res.ErrorMessage)
	tr := res.TestResults[0]
	assert.Equal(t, ErrorToken, tr.ActualOutput)
	assert.Equal(t, string(model.VerdictRuntimeError), tr.ErrorMessage)
	assert.NotContains(t, tr.ErrorMessage, "secret")
}

func TestSandboxJudger_CompilationError(t *testing.T) {
	sb := &fakeSandbox{
		available: true,
		compile:   &service.ExecResult{ExitCode: 1, Stdout: "main.cpp:1:1: error: expected ';'"},
		run:       echoDouble,
	}
	j := newTestJudger(t, sb)

	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "int main() { return 0 }",
		Language:   model.LanguageCPP,
		TestCases:  doubleCases(false),
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictCompilationError, res.Verdict)
	assert.Contains(t, res.CompilationOutput, "expected ';'")
	assert.Empty(t, res.TestResults)
	assert.Equal(t, 3, res.TotalTestCases)

	require.Len(t, sb.specs, 1)
	assert.True(t, sb.specs[0].Writable)
	assert.True(t, sb.requests[0].MergeStderr)
	assert.Equal(t, CompileTimeout, sb.requests[0].Timeout)
}

func TestSandboxJudger_CompileTimeout(t *testing.T) {
	sb := &fakeSandbox{
		available: true,
		compile:   &service.ExecResult{TimedOut: true},
		run:       echoDouble,
	}
	j := newTestJudger(t, sb)

	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "template hell",
		Language:   model.LanguageCPP,
		TestCases:  doubleCases(false),
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictCompilationError, res.Verdict)
	assert.Contains(t, res.CompilationOutput, "timed out")
}

func TestSandboxJudger_CompileInfraErrorIsReturned(t *testing.T) {
	boom := errors.New("daemon went away")
	sb := &fakeSandbox{available: true, compileErr: boom, run: echoDouble}
	j := newTestJudger(t, sb)

	_, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "int main() {}",
		Language:   model.LanguageC,
		TestCases:  doubleCases(false),
	})
	assert.ErrorIs(t, err, boom)
}

func TestSandboxJudger_CompiledThenRun(t *testing.T) {
	sb := &fakeSandbox{available: true, run: echoDouble}
	j := newTestJudger(t, sb)

	res, err := j.Run(context.Background(), &service.JudgeTask{
		SourceCode: "public class Solution { public static void main(String[] a) {} }",
		Language:   model.LanguageJava,
		TestCases:  doubleCases(false),
		TimeLimit:   1000,
		MemoryLimit: 128,
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAccepted, res.Verdict)
	require.Len(t, sb.specs, 2)
	assert.True(t, sb.specs[0].Writable)
	assert.False(t, sb.specs[1].Writable)
	// 内存被提升到 Java 的下限
	assert.Equal(t, 512, sb.specs[1].MemoryLimitMB)
	assert.Equal(t, []string{"java", "-XX:-UsePerfData", "-Xss64m", "-cp", "/sandbox", "Solution"}, sb.requests[1].Cmd)
	assert.Equal(t, 2, sb.closed)
}

func TestSandboxJudger_WorkspaceRemoved(t *testing.T) {
	sb := &fakeSandbox{available: true, compile: &service.ExecResult{ExitCode: 1}, run: echoDouble}
	j := newTestJudger(t, sb)

	_, err := j.Run(context.Background(), &service.JudgeTask{
		WorkspaceKey: "sub/42",
		SourceCode:   "x",
		Language:     model.LanguageC,
		TestCases:    doubleCases(false),
	})
	require.NoError(t, err)
	require.Len(t, sb.workspaces, 1)
	assert.Contains(t, sb.workspaces[0], "oj-sub_42-")
	_, statErr := os.Stat(sb.workspaces[0])
	assert.True(t, os.IsNotExist(statErr))
}

func TestSandboxJudger_Rejections(t *testing.T) {
	t.Run("unsupported language", func(t *testing.T) {
		j := newTestJudger(t, &fakeSandbox{available: true})
		_, err := j.Run(context.Background(), &service.JudgeTask{Language: "go", TestCases: doubleCases(false)})
		assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	})
	t.Run("unavailable", func(t *testing.T) {
		j := NewSandboxJudger(loggerv2.GetGlobalLogger(), service.NewUnavailableSandbox(), t.TempDir(), 0)
		assert.False(t, j.Available())
		_, err := j.Run(context.Background(), &service.JudgeTask{Language: model.LanguagePython, TestCases: doubleCases(false)})
		assert.ErrorIs(t, err, ErrJudgeUnavailable)
	})
	t.Run("no test cases", func(t *testing.T) {
		j := newTestJudger(t, &fakeSandbox{available: true})
		_, err := j.Run(context.Background(), &service.JudgeTask{Language: model.LanguagePython})
		assert.ErrorIs(t, err, ErrNoTestCases)
	})
}

func TestClampLimits(t *testing.T) {
	cpp, _ := config.Lookup(model.LanguageCPP)
	java, _ := config.Lookup(model.LanguageJava)

	testCases := []struct {
		name       string
		cfg        config.LanguageConfig
		timeMs     int
		memoryMB   int
		wantTime   time.Duration
		wantMemory int
	}{
		{name: "zero uses default", cfg: cpp, timeMs: 0, memoryMB: 0, wantTime: 2 * time.Second, wantMemory: 64},
		{name: "too small", cfg: cpp, timeMs: 10, memoryMB: 1, wantTime: 100 * time.Millisecond, wantMemory: 64},
		{name: "too large", cfg: cpp, timeMs: 60000, memoryMB: 4096, wantTime: 15 * time.Second, wantMemory: 1024},
		{name: "in range", cfg: cpp, timeMs: 1500, memoryMB: 300, wantTime: 1500 * time.Millisecond, wantMemory: 300},
		{name: "language floor", cfg: java, timeMs: 1000, memoryMB: 128, wantTime: time.Second, wantMemory: 512},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gotTime, gotMemory := ClampLimits(tc.cfg, tc.timeMs, tc.memoryMB)
			assert.Equal(t, tc.wantTime, gotTime)
			assert.Equal(t, tc.wantMemory, gotMemory)
		})
	}
}
