package config

type WorkerConfig struct {
	Concurrency           int     `yaml:"concurrency"`           // 并发判题数
	StartsPerSecond       float64 `yaml:"startsPerSecond"`       // 每秒最多开始的任务数
	MaintenanceIntervalMs int     `yaml:"maintenanceIntervalMs"` // 延迟任务提升与崩溃回收的间隔
	HeartbeatIntervalMs   int     `yaml:"heartbeatIntervalMs"`
	MetricsAddr           string  `yaml:"metricsAddr"`
}

func (WorkerConfig) Key() string {
	return "worker"
}
