package ioc

import (
	"context"
	"log"
	"time"

	"github.com/spf13/viper"
	"github.com/to404hanga/online_judge_pipeline/config"
	"github.com/to404hanga/online_judge_pipeline/executor"
	"github.com/to404hanga/online_judge_pipeline/executor/service"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

func loadSandboxConfig() config.SandboxConfig {
	var cfg config.SandboxConfig
	if err := viper.UnmarshalKey(cfg.Key(), &cfg); err != nil {
		log.Panicf("unmarshal sandbox config fail, err: %v", err)
	}
	return cfg
}

// InitSandbox checks the container runtime once; it never fails, an unusable host yields a refusing sandbox.
func InitSandbox(l loggerv2.Logger) service.Sandbox {
	cfg := loadSandboxConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return service.Detect(ctx, l, cfg.Mode, cfg.AllowUnsafe, service.Options{
		PidsLimit:       cfg.PidsLimit,
		OpenFilesLimit:  cfg.OpenFilesLimit,
		TmpfsSizeMB:     cfg.TmpfsSizeMB,
		CompileMemoryMB: cfg.CompileMemoryMB,
		OutputLimitKB:   cfg.OutputLimitKB,
		HostWorkRoot:    cfg.HostWorkRoot,
		WorkRoot:        cfg.WorkRoot,
	})
}

func InitJudger(l loggerv2.Logger, sandbox service.Sandbox) executor.Judger {
	cfg := loadSandboxConfig()
	if cfg.RunGraceMs <= 0 {
		cfg.RunGraceMs = 200
	}
	return executor.NewSandboxJudger(l, sandbox, cfg.WorkRoot, time.Duration(cfg.RunGraceMs)*time.Millisecond)
}
