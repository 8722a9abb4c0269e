package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/to404hanga/online_judge_pipeline/executor/config"
	"github.com/to404hanga/online_judge_pipeline/model"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

func openDirectBox(t *testing.T) Box {
	t.Helper()
	p := NewDirectProcess(loggerv2.GetGlobalLogger(), Options{})
	box, err := p.Open(context.Background(), BoxSpec{
		Runtime:       config.Runtime{Language: model.LanguagePython, NoASLimit: true},
		Workspace:     t.TempDir(),
		MemoryLimitMB: 256,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = box.Close(context.Background()) })
	return box
}

func TestProcessBox_Stdin(t *testing.T) {
	box := openDirectBox(t)
	res, err := box.Exec(context.Background(), ExecRequest{
		Cmd:     []string{"cat"},
		Stdin:   "hello\nworld\n",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestProcessBox_ExitCodeAndStderr(t *testing.T) {
	box := openDirectBox(t)
	res, err := box.Exec(context.Background(), ExecRequest{
		Cmd:     []string{"sh", "-c", "echo oops >&2; exit 3"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.False(t, res.OOMKilled)
}

func TestProcessBox_MergeStderr(t *testing.T) {
	box := openDirectBox(t)
	res, err := box.Exec(context.Background(), ExecRequest{
		Cmd:         []string{"sh", "-c", "echo out; echo err >&2"},
		Timeout:     5 * time.Second,
		MergeStderr: true,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "out")
	assert.Contains(t, res.Stdout, "err")
	assert.Empty(t, res.Stderr)
}

func TestProcessBox_Timeout(t *testing.T) {
	box := openDirectBox(t)
	start := time.Now()
	res, err := box.Exec(context.Background(), ExecRequest{
		Cmd:     []string{"sh", "-c", "sleep 10"},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	// 整个进程组被杀死, 不会等到 sleep 结束
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessBox_CallerCancel(t *testing.T) {
	box := openDirectBox(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := box.Exec(ctx, ExecRequest{
		Cmd:     []string{"sleep", "10"},
		Timeout: 5 * time.Second,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd", b.String())
}

func TestDetect_DirectRequiresOptIn(t *testing.T) {
	log := loggerv2.GetGlobalLogger()
	ctx := context.Background()

	sb := Detect(ctx, log, ModeDirect, false, Options{})
	assert.False(t, sb.Available())
	_, err := sb.Open(ctx, BoxSpec{})
	assert.ErrorIs(t, err, ErrJudgeUnavailable)

	sb = Detect(ctx, log, ModeDirect, true, Options{})
	assert.True(t, sb.Available())
	assert.Equal(t, "direct", sb.Name())
}
