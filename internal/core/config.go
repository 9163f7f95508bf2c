package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// Config 应用程序配置
type Config struct {
	Crawl    models.CrawlConfig `mapstructure:"crawl"`
	Resource ResourceConfig     `mapstructure:"resource"`
	Session  SessionConfig      `mapstructure:"session"`
	Storage  StorageConfig      `mapstructure:"storage"`
	Logging  LoggingConfig      `mapstructure:"logging"`
	Output   OutputConfig       `mapstructure:"output"`
}

// ResourceConfig 系统负载监控配置
type ResourceConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	SafetyThresholdMB int64         `mapstructure:"safety_threshold_mb"` // 可用内存安全阈值
	CPULoadThreshold  int           `mapstructure:"cpu_load_threshold"`  // CPU使用率阈值(%)
	MaxWorkersLimit   int           `mapstructure:"max_workers_limit"`
}

// SessionConfig 会话池配置
type SessionConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	MaxPoolSize   int      `mapstructure:"max_pool_size"`
	MaxUsageCount int      `mapstructure:"max_usage_count"`
	MaxErrorScore float64  `mapstructure:"max_error_score"`
	UserAgents    []string `mapstructure:"user_agents"`
}

// StorageConfig 队列和状态存储配置
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // sqlite|memory
	DataDir     string `mapstructure:"data_dir"`
	EnableWAL   bool   `mapstructure:"enable_wal"`
	SnapshotDir string `mapstructure:"snapshot_dir"` // 错误快照目录,为空时仅保存在内存
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	WriteReport    bool   `mapstructure:"write_report"`
	IncludeResults bool   `mapstructure:"include_results"` // 报告中是否包含每个页面的结果
}

// LoadConfig 加载配置文件
// configPath为空时依次搜索 ./configs, . 和 ~/.crawlengine 下的config.yaml;
// 找不到配置文件时使用默认值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".crawlengine"))
		}
	}

	// 环境变量覆盖, 如 CRAWLENGINE_CRAWL_MAX_DEPTH=3
	v.SetEnvPrefix("CRAWLENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	d := models.DefaultCrawlConfig()

	// 爬取
	v.SetDefault("crawl.max_depth", d.MaxDepth)
	v.SetDefault("crawl.max_retries", d.MaxRetries)
	v.SetDefault("crawl.queue_strategy", d.QueueStrategy)
	v.SetDefault("crawl.link_strategy", string(d.LinkStrategy))
	v.SetDefault("crawl.exclude", []string{})
	v.SetDefault("crawl.respect_robots", d.RespectRobots)
	v.SetDefault("crawl.user_agent", d.UserAgent)
	v.SetDefault("crawl.request_timeout", d.RequestTimeout)
	v.SetDefault("crawl.robots_timeout", d.RobotsTimeout)
	v.SetDefault("crawl.persist_interval", d.PersistInterval)
	v.SetDefault("crawl.min_concurrency", d.MinConcurrency)
	v.SetDefault("crawl.max_concurrency", d.MaxConcurrency)
	v.SetDefault("crawl.scale_interval", d.ScaleInterval)
	v.SetDefault("crawl.max_per_minute", d.MaxPerMinute)
	v.SetDefault("crawl.max_concurrent_per_domain", d.MaxConcurrentPerDomain)
	v.SetDefault("crawl.rate_window", d.RateWindow)
	v.SetDefault("crawl.max_error_groups", d.MaxErrorGroups)
	v.SetDefault("crawl.max_error_snapshots", d.MaxErrorSnapshots)
	v.SetDefault("crawl.snapshot_every", d.SnapshotEvery)

	// 负载监控
	v.SetDefault("resource.enabled", true)
	v.SetDefault("resource.sample_interval", 2*time.Second)
	v.SetDefault("resource.safety_threshold_mb", 256)
	v.SetDefault("resource.cpu_load_threshold", 90)
	v.SetDefault("resource.max_workers_limit", 0)

	// 会话池
	v.SetDefault("session.enabled", false)
	v.SetDefault("session.max_pool_size", 10)
	v.SetDefault("session.max_usage_count", 50)
	v.SetDefault("session.max_error_score", 3)
	v.SetDefault("session.user_agents", []string{})

	// 存储
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.enable_wal", true)
	v.SetDefault("storage.snapshot_dir", "")

	// 日志
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	// 输出
	v.SetDefault("output.base_dir", "output")
	v.SetDefault("output.write_report", true)
	v.SetDefault("output.include_results", false)
}

// GetCrawlConfig 从配置中提取爬取配置
func (c *Config) GetCrawlConfig() models.CrawlConfig {
	return c.Crawl
}

// CLIFlags 命令行覆盖项
// 零值表示未指定,保留配置文件中的值
type CLIFlags struct {
	QueueID        string
	MaxDepth       int
	MaxRetries     int // -1表示未指定
	QueueStrategy  string
	LinkStrategy   string
	Exclude        []string
	IgnoreRobots   bool
	UserAgent      string
	MaxConcurrency int
	MaxPerMinute   int // -1表示未指定
	DataDir        string
	Driver         string
	LogLevel       string
	OutputDir      string
}

// MergeCLIFlags 合并命令行参数到配置
// 命令行参数优先于配置文件
func (c *Config) MergeCLIFlags(f CLIFlags) {
	if f.QueueID != "" {
		c.Crawl.QueueID = f.QueueID
	}
	if f.MaxDepth > 0 {
		c.Crawl.MaxDepth = f.MaxDepth
	}
	if f.MaxRetries >= 0 {
		c.Crawl.MaxRetries = f.MaxRetries
	}
	if f.QueueStrategy != "" {
		c.Crawl.QueueStrategy = f.QueueStrategy
	}
	if f.LinkStrategy != "" {
		c.Crawl.LinkStrategy = models.LinkStrategy(f.LinkStrategy)
	}
	if len(f.Exclude) > 0 {
		c.Crawl.Exclude = append(c.Crawl.Exclude, f.Exclude...)
	}
	if f.IgnoreRobots {
		c.Crawl.RespectRobots = false
	}
	if f.UserAgent != "" {
		c.Crawl.UserAgent = f.UserAgent
	}
	if f.MaxConcurrency > 0 {
		c.Crawl.MaxConcurrency = f.MaxConcurrency
		if c.Crawl.MinConcurrency > f.MaxConcurrency {
			c.Crawl.MinConcurrency = f.MaxConcurrency
		}
	}
	if f.MaxPerMinute >= 0 {
		c.Crawl.MaxPerMinute = f.MaxPerMinute
	}
	if f.DataDir != "" {
		c.Storage.DataDir = f.DataDir
	}
	if f.Driver != "" {
		c.Storage.Driver = f.Driver
	}
	if f.LogLevel != "" {
		c.Logging.Level = f.LogLevel
	}
	if f.OutputDir != "" {
		c.Output.BaseDir = f.OutputDir
	}
}

// Validate 验证完整配置
func (c *Config) Validate() error {
	if err := c.Crawl.Validate(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("不支持的存储驱动: %s (可选: sqlite, memory)", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DataDir == "" {
		return fmt.Errorf("sqlite存储需要指定data_dir")
	}
	if c.Session.Enabled && c.Session.MaxPoolSize <= 0 {
		return fmt.Errorf("会话池大小必须大于0")
	}
	return nil
}
