//go:build wireinject

package main

import (
	"github.com/google/wire"
	iocself "github.com/to404hanga/online_judge_pipeline/cmd/worker/ioc"
	"github.com/to404hanga/online_judge_pipeline/cmd/worker/service"
	"github.com/to404hanga/online_judge_pipeline/ioc"
	"github.com/to404hanga/online_judge_pipeline/repository"
)

func BuildDependency() *service.JudgeService {
	wire.Build(
		ioc.InitLogger,
		ioc.InitDB,
		ioc.InitRedis,
		ioc.InitQueue,
		ioc.InitSandbox,
		ioc.InitJudger,
		repository.NewSubmissionRepository,
		repository.NewProblemRepository,
		repository.NewStatsRepository,
		iocself.InitRankTrigger,
		iocself.InitJudgeService,
	)
	return nil
}
