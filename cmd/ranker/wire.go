//go:build wireinject

package main

import (
	"github.com/google/wire"
	iocself "github.com/to404hanga/online_judge_pipeline/cmd/ranker/ioc"
	"github.com/to404hanga/online_judge_pipeline/cmd/ranker/service"
	"github.com/to404hanga/online_judge_pipeline/ioc"
	"github.com/to404hanga/online_judge_pipeline/ranking"
)

func BuildDependency() *service.RankerService {
	wire.Build(
		ioc.InitLogger,
		ioc.InitDB,
		ioc.InitKafka,
		iocself.InitRankerConsumerGroup,
		ranking.NewRanker,
		ranking.NewScheduler,
		iocself.InitRankerService,
	)
	return nil
}
