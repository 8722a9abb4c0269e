package config

type APIConfig struct {
	Addr                   string `yaml:"addr"`
	RunTimeoutSeconds      int    `yaml:"runTimeoutSeconds"` // run-code 同步等待上限, 不超过 30 秒
	MaxCodeBytes           int    `yaml:"maxCodeBytes"`
	ProblemCacheTTLSeconds int    `yaml:"problemCacheTTLSeconds"` // 题目缓存有效期, 过期后重新读库
}

func (APIConfig) Key() string {
	return "api"
}

type LRUConfig struct {
	Size int `yaml:"size"` // 缓存中可容纳的项数
}

func (LRUConfig) Key() string {
	return "lru"
}
