package config

import (
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

type LoggerConfig struct {
	Development    bool                `yaml:"development"`    // 是否为开发模式
	Type           loggerv2.OutputType `yaml:"type"`           // 日志输出类型
	LogFilePath    string              `yaml:"logFilePath"`    // 日志文件路径
	AutoCreateFile bool                `yaml:"autoCreateFile"` // 是否自动创建文件和目录
}

func (LoggerConfig) Key() string {
	return "log"
}

type DBConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DBName      string `yaml:"database" mapstructure:"database"`
	TablePrefix string `yaml:"tablePrefix"`
	// 连接池配置
	MaxOpenConns    int  `yaml:"maxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int  `yaml:"maxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime int  `yaml:"connMaxLifetime"` // 连接最大生存时间（分钟）
	ConnMaxIdleTime int  `yaml:"connMaxIdleTime"` // 连接最大空闲时间（分钟）
	AutoMigrate     bool `yaml:"autoMigrate"`     // 启动时自动建表
}

func (DBConfig) Key() string {
	return "db"
}

type RedisConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Addrs    []string `yaml:"addrs"` // 非空时使用集群或哨兵地址, 忽略 host/port
	DB       int      `yaml:"db"`
	Password string   `yaml:"password"`
}

func (RedisConfig) Key() string {
	return "redis"
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

func (KafkaConfig) Key() string {
	return "kafka"
}

type SandboxConfig struct {
	Mode            string `yaml:"mode"`            // auto | container | direct
	AllowUnsafe     bool   `yaml:"allowUnsafe"`     // 允许在没有容器时直接运行用户代码
	WorkRoot        string `yaml:"workRoot"`        // 临时工作目录的父目录
	HostWorkRoot    string `yaml:"hostWorkRoot"`    // worker 运行在容器中时 workRoot 在宿主机上的路径
	RunGraceMs      int    `yaml:"runGraceMs"`      // 运行超时在时间限制之上的宽限
	PidsLimit       int64  `yaml:"pidsLimit"`
	OpenFilesLimit  int    `yaml:"openFilesLimit"`
	TmpfsSizeMB     int    `yaml:"tmpfsSizeMB"`
	CompileMemoryMB int    `yaml:"compileMemoryMB"`
	OutputLimitKB   int    `yaml:"outputLimitKB"`
}

func (SandboxConfig) Key() string {
	return "sandbox"
}

type QueueConfig struct {
	Prefix              string `yaml:"prefix"`
	Group               string `yaml:"group"`
	MaxAttempts         int    `yaml:"maxAttempts"`
	BackoffBaseMs       int    `yaml:"backoffBaseMs"`
	BlockMs             int    `yaml:"blockMs"`
	ReclaimIdleMinutes  int    `yaml:"reclaimIdleMinutes"`
	CompletedTTLMinutes int    `yaml:"completedTTLMinutes"`
	CompletedMax        int    `yaml:"completedMax"`
	FailedTTLHours      int    `yaml:"failedTTLHours"`
	FailedMax           int    `yaml:"failedMax"`
	HeartbeatTTLSeconds int    `yaml:"heartbeatTTLSeconds"`
}

func (QueueConfig) Key() string {
	return "queue"
}

const (
	RankingModeInline = "inline"
	RankingModeKafka  = "kafka"
)

type RankingConfig struct {
	Mode    string `yaml:"mode"`    // inline | kafka
	Topic   string `yaml:"topic"`   // kafka 模式下的排名事件 topic
	GroupID string `yaml:"groupId"` // ranker 的消费者组
}

func (RankingConfig) Key() string {
	return "ranking"
}
