package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

const (
	containerWorkDir = "/sandbox"
	stdinDirName     = ".stdin"
	sandboxUser      = "65534:65534" // nobody
	exitCodeKilled   = 137           // 128 + SIGKILL
)

// ContainerSandbox runs every stage in a throwaway container with no network,
// a bind-mounted workspace and dropped privileges.
type ContainerSandbox struct {
	client *client.Client
	log    loggerv2.Logger
	opts   Options

	imageMu sync.Mutex
	images  map[string]struct{}
}

var _ Sandbox = (*ContainerSandbox)(nil)

// NewContainerSandbox connects to the docker daemon and fails if it cannot be reached.
func NewContainerSandbox(ctx context.Context, log loggerv2.Logger, opts Options) (*ContainerSandbox, error) {
	c, err := client.New(client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client failed: %w", err)
	}
	if _, err = c.Ping(ctx, client.PingOptions{}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping docker daemon failed: %w", err)
	}
	return &ContainerSandbox{
		client: c,
		log:    log,
		opts:   opts.withDefaults(),
		images: make(map[string]struct{}),
	}, nil
}

func (s *ContainerSandbox) Name() string { return "container" }

func (s *ContainerSandbox) Available() bool { return true }

func (s *ContainerSandbox) WorkDir(string) string { return containerWorkDir }

func (s *ContainerSandbox) Open(ctx context.Context, spec BoxSpec) (Box, error) {
	// 确保Docker镜像已准备就绪
	if err := s.ensureImage(ctx, spec.Runtime.ImageName); err != nil {
		return nil, fmt.Errorf("ensure image failed: %w", err)
	}

	memoryMB := spec.MemoryLimitMB
	if spec.Writable && memoryMB < s.opts.CompileMemoryMB {
		memoryMB = s.opts.CompileMemoryMB
	}
	memory := int64(memoryMB) * 1024 * 1024
	pids := s.opts.PidsLimit

	mode := "ro"
	if spec.Writable {
		mode = "rw"
	}
	cfg := &container.Config{
		Image:           spec.Runtime.ImageName,
		Cmd:             []string{"tail", "-f", "/dev/null"},
		WorkingDir:      containerWorkDir,
		User:            sandboxUser,
		NetworkDisabled: true,
	}
	host := &container.HostConfig{
		Binds:          []string{fmt.Sprintf("%s:%s:%s", s.hostPath(spec.Workspace), containerWorkDir, mode)},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,nodev,size=%dm", s.opts.TmpfsSizeMB),
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,     // 与 Memory 相同即禁用 swap
			NanoCPUs:   1000000000, // 限制为1个CPU
			PidsLimit:  &pids,
		},
	}
	resp, err := s.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     cfg,
		HostConfig: host,
	})
	if err != nil {
		return nil, fmt.Errorf("create container failed: %w", err)
	}
	if _, err := s.client.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		if _, rmErr := s.client.ContainerRemove(ctx, resp.ID, client.ContainerRemoveOptions{Force: true}); rmErr != nil {
			s.log.ErrorContext(ctx, "remove container failed", logger.String("containerID", resp.ID), logger.Error(rmErr))
		}
		return nil, fmt.Errorf("start container failed: %w", err)
	}
	return &containerBox{
		sandbox:   s,
		id:        resp.ID,
		workspace: spec.Workspace,
	}, nil
}

func (s *ContainerSandbox) Close(ctx context.Context) error {
	return s.client.Close()
}

func (s *ContainerSandbox) hostPath(workspace string) string {
	if s.opts.HostWorkRoot == "" || s.opts.WorkRoot == "" {
		return workspace
	}
	rel, err := filepath.Rel(s.opts.WorkRoot, workspace)
	if err != nil || strings.HasPrefix(rel, "..") {
		return workspace
	}
	return filepath.Join(s.opts.HostWorkRoot, rel)
}

func (s *ContainerSandbox) ensureImage(ctx context.Context, image string) error {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	if _, ok := s.images[image]; ok {
		return nil
	}

	// 首先检查本地是否已存在该镜像
	filters := client.Filters{}
	filters.Add("reference", image)
	images, err := s.client.ImageList(ctx, client.ImageListOptions{
		Filters: filters,
	})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images.Items) > 0 {
		s.images[image] = struct{}{}
		return nil
	}

	// 本地不存在镜像时才尝试拉取
	s.log.InfoContext(ctx, "Local image not found, pulling from registry", logger.String("image", image))
	reader, err := s.client.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	if _, err = io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	s.images[image] = struct{}{}
	return nil
}

type containerBox struct {
	sandbox   *ContainerSandbox
	id        string
	workspace string
	seq       atomic.Int64
	closed    atomic.Bool
	oomSeen   atomic.Bool // 容器的 OOMKilled 标记一旦置位不会复位
}

func (b *containerBox) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if b.closed.Load() {
		return nil, errors.New("container box already closed")
	}
	s := b.sandbox

	// 输入通过工作目录中的文件重定向到标准输入, 运行后立即删除
	stdinDir := filepath.Join(b.workspace, stdinDirName)
	if err := os.MkdirAll(stdinDir, 0755); err != nil {
		return nil, fmt.Errorf("create stdin dir failed: %w", err)
	}
	name := strconv.FormatInt(b.seq.Add(1), 10) + ".in"
	hostInput := filepath.Join(stdinDir, name)
	if err := os.WriteFile(hostInput, []byte(req.Stdin), 0644); err != nil {
		return nil, fmt.Errorf("write stdin failed: %w", err)
	}
	defer os.Remove(hostInput)

	script := fmt.Sprintf("ulimit -n %d; exec \"$@\" < %s/%s/%s", s.opts.OpenFilesLimit, containerWorkDir, stdinDirName, name)
	if req.MergeStderr {
		script += " 2>&1"
	}
	cmd := append([]string{"sh", "-c", script, "sh"}, req.Cmd...)

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	// 启动内存监控goroutine
	memoryChan := make(chan int64, 1)
	go b.monitorMemoryUsage(runCtx, memoryChan)

	startAt := time.Now()
	stdout, stderr, exitCode, err := b.execWithAttach(runCtx, cmd)
	timeUsed := time.Since(startAt).Milliseconds()
	cancel()
	maxMemory := <-memoryChan

	res := &ExecResult{
		Stdout:     truncate(stdout, s.opts.OutputLimitKB*1024),
		Stderr:     truncate(stderr, s.opts.OutputLimitKB*1024),
		ExitCode:   exitCode,
		TimeUsed:   timeUsed,
		MemoryUsed: maxMemory / 1024,
	}
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// 超时的进程仍在容器内运行, 容器不可复用
			res.TimedOut = true
			b.closeQuietly(ctx)
			return res, nil
		}
		return nil, fmt.Errorf("exec in container failed: %w", err)
	}
	if exitCode == exitCodeKilled {
		res.OOMKilled = b.newOOMKill(ctx)
	}
	return res, nil
}

// newOOMKill reports whether the container recorded an OOM kill since the previous check.
// A SIGKILL without one is a runtime error, not a memory limit.
func (b *containerBox) newOOMKill(ctx context.Context) bool {
	inspect, err := b.sandbox.client.ContainerInspect(ctx, b.id, client.ContainerInspectOptions{})
	if err != nil {
		b.sandbox.log.WarnContext(ctx, "inspect container after kill failed", logger.String("containerID", b.id), logger.Error(err))
		return false
	}
	recorded := inspect.Container.State != nil && inspect.Container.State.OOMKilled
	return oomKilledSince(recorded, b.oomSeen.Swap(recorded))
}

// oomKilledSince is true only for the first observation of the sticky OOMKilled flag.
func oomKilledSince(recorded, seenBefore bool) bool {
	return recorded && !seenBefore
}

func (b *containerBox) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	// 使用独立的 context, 保证超时或取消后容器仍被清理
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := b.sandbox.client.ContainerRemove(rmCtx, b.id, client.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container failed: %w", err)
	}
	return nil
}

func (b *containerBox) closeQuietly(ctx context.Context) {
	if err := b.Close(ctx); err != nil {
		b.sandbox.log.WarnContext(ctx, "close container box failed", logger.String("containerID", b.id), logger.Error(err))
	}
}

// monitorMemoryUsage 监控容器内存使用量
func (b *containerBox) monitorMemoryUsage(ctx context.Context, memoryChan chan<- int64) {
	defer close(memoryChan)
	var maxMemory int64
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			memoryChan <- maxMemory
			return
		case <-ticker.C:
			stats, err := b.sandbox.client.ContainerStats(ctx, b.id, client.ContainerStatsOptions{})
			if err != nil {
				continue
			}
			var statsData container.StatsResponse
			if err := json.NewDecoder(stats.Body).Decode(&statsData); err != nil {
				stats.Body.Close()
				continue
			}
			stats.Body.Close()
			// 获取当前RSS内存使用量
			currentMemory := statsData.MemoryStats.Stats["rss"]
			if currentMemory == 0 {
				// cgroup v2 没有 rss 字段
				currentMemory = statsData.MemoryStats.Usage
			}
			if currentMemory > uint64(maxMemory) {
				maxMemory = int64(currentMemory)
			}
		}
	}
}

func (b *containerBox) execWithAttach(ctx context.Context, cmd []string) (string, string, int, error) {
	cli := b.sandbox.client
	created, err := cli.ExecCreate(ctx, b.id, client.ExecCreateOptions{
		Cmd:          cmd,
		WorkingDir:   containerWorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", -1, err
	}
	attach, err := cli.ExecAttach(ctx, created.ID, client.ExecAttachOptions{})
	if err != nil {
		return "", "", -1, err
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		done <- err
	}()

	select {
	case err = <-done:
		if err != nil && err != io.EOF {
			return "", "", -1, err
		}
	case <-ctx.Done():
		return "", "", -1, ctx.Err()
	}

	inspect, err := cli.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
	if err != nil {
		return stdoutBuf.String(), stderrBuf.String(), -1, err
	}
	return stdoutBuf.String(), stderrBuf.String(), inspect.ExitCode, nil
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}
