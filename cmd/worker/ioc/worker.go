package ioc

import (
	"log"
	"time"

	"github.com/spf13/viper"
	"github.com/to404hanga/online_judge_pipeline/cmd/worker/config"
	"github.com/to404hanga/online_judge_pipeline/cmd/worker/service"
	sharedconfig "github.com/to404hanga/online_judge_pipeline/config"
	"github.com/to404hanga/online_judge_pipeline/event"
	"github.com/to404hanga/online_judge_pipeline/executor"
	"github.com/to404hanga/online_judge_pipeline/ioc"
	"github.com/to404hanga/online_judge_pipeline/queue"
	"github.com/to404hanga/online_judge_pipeline/ranking"
	"github.com/to404hanga/online_judge_pipeline/repository"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
	"gorm.io/gorm"
)

func InitJudgeService(l loggerv2.Logger, q *queue.Queue, judger executor.Judger,
	submissions *repository.SubmissionRepository, problems *repository.ProblemRepository,
	stats *repository.StatsRepository, trigger ranking.Trigger) *service.JudgeService {
	var cfg config.WorkerConfig
	err := viper.UnmarshalKey(cfg.Key(), &cfg)
	if err != nil {
		log.Panicf("unmarshal worker config failed, err: %v", err)
	}
	var queueCfg sharedconfig.QueueConfig
	if err = viper.UnmarshalKey(queueCfg.Key(), &queueCfg); err != nil {
		log.Panicf("unmarshal queue config failed, err: %v", err)
	}

	// 心跳同时刷新进行中的任务, 间隔必须远小于回收阈值
	heartbeat := time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
	reclaimIdle := time.Duration(queueCfg.ReclaimIdleMinutes) * time.Minute
	if heartbeat > 0 && reclaimIdle > 0 && heartbeat*2 > reclaimIdle {
		log.Panicf("worker.heartbeatIntervalMs %d must be below half of queue.reclaimIdleMinutes", cfg.HeartbeatIntervalMs)
	}

	return service.NewJudgeService(l, q, judger, submissions, problems, stats, trigger, service.Options{
		Concurrency:         cfg.Concurrency,
		StartsPerSecond:     cfg.StartsPerSecond,
		MaintenanceInterval: time.Duration(cfg.MaintenanceIntervalMs) * time.Millisecond,
		HeartbeatInterval:   heartbeat,
	})
}

// InitRankTrigger recomputes ranks in process by default; kafka mode hands them to the ranker.
func InitRankTrigger(l loggerv2.Logger, db *gorm.DB) ranking.Trigger {
	var cfg sharedconfig.RankingConfig
	err := viper.UnmarshalKey(cfg.Key(), &cfg)
	if err != nil {
		log.Panicf("unmarshal ranking config failed, err: %v", err)
	}

	switch cfg.Mode {
	case sharedconfig.RankingModeKafka:
		// 只有 kafka 模式才需要连接 broker
		producer := event.NewSaramaProducer(ioc.InitSyncProducer(ioc.InitKafka()))
		l.Info("rank recomputation delegated to ranker", logger.String("topic", cfg.Topic))
		return event.NewRankTrigger(producer, cfg.Topic, l)
	case sharedconfig.RankingModeInline, "":
		return ranking.NewScheduler(ranking.NewRanker(db, l), l)
	default:
		log.Panicf("unknown ranking mode %q", cfg.Mode)
		return nil
	}
}

func MetricsAddr() string {
	var cfg config.WorkerConfig
	if err := viper.UnmarshalKey(cfg.Key(), &cfg); err != nil || cfg.MetricsAddr == "" {
		return ":2112"
	}
	return cfg.MetricsAddr
}
