package ioc

import (
	"log"

	"github.com/IBM/sarama"
	"github.com/spf13/viper"
	"github.com/to404hanga/online_judge_pipeline/cmd/ranker/service"
	"github.com/to404hanga/online_judge_pipeline/config"
	"github.com/to404hanga/online_judge_pipeline/ioc"
	"github.com/to404hanga/online_judge_pipeline/ranking"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

func loadRankingConfig() config.RankingConfig {
	var cfg config.RankingConfig
	if err := viper.UnmarshalKey(cfg.Key(), &cfg); err != nil {
		log.Panicf("unmarshal ranking config failed, err: %v", err)
	}
	return cfg
}

func InitRankerConsumerGroup(client sarama.Client) sarama.ConsumerGroup {
	groupID := loadRankingConfig().GroupID
	if groupID == "" {
		groupID = service.RankerGroupID
	}
	return ioc.InitConsumerGroup(client, groupID)
}

func InitRankerService(l loggerv2.Logger, cg sarama.ConsumerGroup, scheduler *ranking.Scheduler) *service.RankerService {
	return service.NewRankerService(l, cg, loadRankingConfig().Topic, scheduler)
}
