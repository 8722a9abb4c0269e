package ioc

import (
	"log"
	"time"

	"github.com/spf13/viper"
	"github.com/to404hanga/online_judge_pipeline/cmd/api/config"
	"github.com/to404hanga/online_judge_pipeline/cmd/api/web"
	"github.com/to404hanga/online_judge_pipeline/queue"
	"github.com/to404hanga/online_judge_pipeline/repository"
	"github.com/to404hanga/online_judge_pipeline/submit"
	"github.com/to404hanga/pkg404/cachex/lru"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

func loadAPIConfig() config.APIConfig {
	var cfg config.APIConfig
	if err := viper.UnmarshalKey(cfg.Key(), &cfg); err != nil {
		log.Panicf("unmarshal api config failed, err: %v", err)
	}
	return cfg
}

func InitLRUCache() *lru.Cache {
	var cfg config.LRUConfig
	err := viper.UnmarshalKey(cfg.Key(), &cfg)
	if err != nil {
		log.Panicf("unmarshal lru config failed, err: %v", err)
	}
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}

	cache, err := lru.NewSimpleLRU(cfg.Size)
	if err != nil {
		log.Panicf("init lru failed, err: %v", err)
	}

	return cache
}

func InitSubmitService(l loggerv2.Logger, q *queue.Queue, submissions *repository.SubmissionRepository,
	problems *repository.ProblemRepository, cache *lru.Cache) *submit.Service {
	cfg := loadAPIConfig()
	return submit.NewService(l, q, submissions, problems, cache,
		time.Duration(cfg.RunTimeoutSeconds)*time.Second, time.Duration(cfg.ProblemCacheTTLSeconds)*time.Second)
}

func InitHandler(l loggerv2.Logger, svc *submit.Service) *web.Handler {
	return web.NewHandler(l, svc, loadAPIConfig().MaxCodeBytes)
}

func InitServer(l loggerv2.Logger, h *web.Handler) *web.Server {
	return web.NewServer(l, loadAPIConfig().Addr, web.NewEngine(l, h))
}
