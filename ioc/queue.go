package ioc

import (
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/to404hanga/online_judge_pipeline/config"
	"github.com/to404hanga/online_judge_pipeline/queue"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

func InitQueue(rdb redis.UniversalClient, l loggerv2.Logger) *queue.Queue {
	var cfg config.QueueConfig
	if err := viper.UnmarshalKey(cfg.Key(), &cfg); err != nil {
		log.Panicf("unmarshal queue config fail, err: %v", err)
	}

	// 未配置的项由 queue 使用默认值
	return queue.New(rdb, l, queue.Options{
		Prefix:       cfg.Prefix,
		Group:        cfg.Group,
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		Block:        time.Duration(cfg.BlockMs) * time.Millisecond,
		ReclaimIdle:  time.Duration(cfg.ReclaimIdleMinutes) * time.Minute,
		CompletedTTL: time.Duration(cfg.CompletedTTLMinutes) * time.Minute,
		CompletedMax: cfg.CompletedMax,
		FailedTTL:    time.Duration(cfg.FailedTTLHours) * time.Hour,
		FailedMax:    cfg.FailedMax,
		HeartbeatTTL: time.Duration(cfg.HeartbeatTTLSeconds) * time.Second,
	})
}
