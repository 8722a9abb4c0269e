package ioc

import (
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/to404hanga/online_judge_pipeline/config"
)

func InitRedis() redis.UniversalClient {
	var cfg config.RedisConfig
	if err := viper.UnmarshalKey(cfg.Key(), &cfg); err != nil {
		log.Panicf("unmarshal redis config fail, err: %v", err)
	}

	addrs := cfg.Addrs
	if len(addrs) == 0 {
		addrs = []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
}
