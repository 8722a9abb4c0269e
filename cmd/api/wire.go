//go:build wireinject

package main

import (
	"github.com/google/wire"
	iocself "github.com/to404hanga/online_judge_pipeline/cmd/api/ioc"
	"github.com/to404hanga/online_judge_pipeline/cmd/api/web"
	"github.com/to404hanga/online_judge_pipeline/ioc"
	"github.com/to404hanga/online_judge_pipeline/repository"
)

func BuildDependency() *web.Server {
	wire.Build(
		ioc.InitLogger,
		ioc.InitDB,
		ioc.InitRedis,
		ioc.InitQueue,
		repository.NewSubmissionRepository,
		repository.NewProblemRepository,
		iocself.InitLRUCache,
		iocself.InitSubmitService,
		iocself.InitHandler,
		iocself.InitServer,
	)
	return nil
}
