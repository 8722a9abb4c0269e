package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
	"golang.org/x/sys/unix"
)

// DirectProcess runs programs as plain child processes of the worker.
// It provides no isolation beyond rlimits and is only used behind an explicit unsafe opt-in.
type DirectProcess struct {
	log  loggerv2.Logger
	opts Options
}

var _ Sandbox = (*DirectProcess)(nil)

func NewDirectProcess(log loggerv2.Logger, opts Options) *DirectProcess {
	return &DirectProcess{log: log, opts: opts.withDefaults()}
}

func (p *DirectProcess) Name() string { return "direct" }

func (p *DirectProcess) Available() bool { return true }

func (p *DirectProcess) WorkDir(workspace string) string { return workspace }

func (p *DirectProcess) Open(ctx context.Context, spec BoxSpec) (Box, error) {
	memoryMB := spec.MemoryLimitMB
	if spec.Writable && memoryMB < p.opts.CompileMemoryMB {
		memoryMB = p.opts.CompileMemoryMB
	}
	return &processBox{
		log:         p.log,
		opts:        p.opts,
		workspace:   spec.Workspace,
		memoryBytes: uint64(memoryMB) * 1024 * 1024,
		limitAS:     !spec.Writable && !spec.Runtime.NoASLimit,
	}, nil
}

func (p *DirectProcess) Close(context.Context) error { return nil }

type processBox struct {
	log         loggerv2.Logger
	opts        Options
	workspace   string
	memoryBytes uint64
	limitAS     bool
}

func (b *processBox) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if len(req.Cmd) == 0 {
		return nil, errors.New("empty command")
	}
	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	limit := b.opts.OutputLimitKB * 1024
	stdout := &limitedBuffer{limit: limit}
	stderr := stdout
	if !req.MergeStderr {
		stderr = &limitedBuffer{limit: limit}
	}

	cmd := exec.CommandContext(runCtx, req.Cmd[0], req.Cmd[1:]...)
	cmd.Dir = b.workspace
	cmd.Stdin = strings.NewReader(req.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + b.workspace, "LANG=C.UTF-8"}
	// 独立进程组, 超时后整组杀死
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	startAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process failed: %w", err)
	}
	b.applyLimits(ctx, cmd.Process.Pid)
	waitErr := cmd.Wait()
	timeUsed := time.Since(startAt).Milliseconds()

	res := &ExecResult{
		Stdout:   stdout.String(),
		TimeUsed: timeUsed,
		ExitCode: 0,
	}
	if !req.MergeStderr {
		res.Stderr = stderr.String()
	}
	if state := cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
		if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
			res.MemoryUsed = ru.Maxrss // Linux 下单位为 KB
		}
	}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		res.TimedOut = true
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait process failed: %w", waitErr)
		}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.ExitCode = 128 + int(ws.Signal())
			if ws.Signal() == syscall.SIGKILL {
				// 不是我们杀的, 视为内存耗尽被系统杀死
				res.OOMKilled = true
			}
		}
	}
	return res, nil
}

// applyLimits 在进程启动后设置资源限制, 存在极短的竞争窗口, 仅作尽力而为
func (b *processBox) applyLimits(ctx context.Context, pid int) {
	nofile := uint64(b.opts.OpenFilesLimit)
	if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: nofile, Max: nofile}, nil); err != nil {
		b.log.WarnContext(ctx, "set RLIMIT_NOFILE failed", logger.Error(err))
	}
	if b.limitAS && b.memoryBytes > 0 {
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &unix.Rlimit{Cur: b.memoryBytes, Max: b.memoryBytes}, nil); err != nil {
			b.log.WarnContext(ctx, "set RLIMIT_AS failed", logger.Error(err))
		}
	}
}

func (b *processBox) Close(context.Context) error { return nil }

// limitedBuffer keeps at most limit bytes and silently drops the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if l.limit > 0 {
		remain := l.limit - l.buf.Len()
		if remain <= 0 {
			return n, nil
		}
		if len(p) > remain {
			p = p[:remain]
		}
	}
	l.buf.Write(p)
	return n, nil
}

func (l *limitedBuffer) String() string {
	return l.buf.String()
}
