package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

func TestLoadConfig_Defaults(t *testing.T) {
	// 指向一个空配置文件,避免读到工作目录下的configs/config.yaml
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	d := models.DefaultCrawlConfig()
	if cfg.Crawl.MaxRetries != d.MaxRetries {
		t.Errorf("MaxRetries = %d, 期望 %d", cfg.Crawl.MaxRetries, d.MaxRetries)
	}
	if cfg.Crawl.LinkStrategy != d.LinkStrategy {
		t.Errorf("LinkStrategy = %s, 期望 %s", cfg.Crawl.LinkStrategy, d.LinkStrategy)
	}
	if cfg.Crawl.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %s", cfg.Crawl.RequestTimeout)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Logging.Level != "info" || cfg.Output.BaseDir != "output" {
		t.Errorf("默认值错误: storage=%+v logging=%+v output=%+v", cfg.Storage, cfg.Logging, cfg.Output)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("默认配置应通过验证: %v", err)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
crawl:
  max_depth: 3
  link_strategy: same-site
  exclude:
    - "*/logout*"
  rate_window: 30s
  max_per_minute: 20
storage:
  driver: memory
session:
  enabled: true
  max_pool_size: 4
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Crawl.MaxDepth != 3 {
		t.Errorf("MaxDepth = %d, 期望 3", cfg.Crawl.MaxDepth)
	}
	if cfg.Crawl.LinkStrategy != models.LinkStrategySameSite {
		t.Errorf("LinkStrategy = %s", cfg.Crawl.LinkStrategy)
	}
	if len(cfg.Crawl.Exclude) != 1 || cfg.Crawl.Exclude[0] != "*/logout*" {
		t.Errorf("Exclude = %v", cfg.Crawl.Exclude)
	}
	if cfg.Crawl.RateWindow != 30*time.Second {
		t.Errorf("RateWindow = %s, 期望 30s", cfg.Crawl.RateWindow)
	}
	if cfg.Crawl.MaxPerMinute != 20 {
		t.Errorf("MaxPerMinute = %d", cfg.Crawl.MaxPerMinute)
	}
	// 未覆盖的字段保留默认值
	if cfg.Crawl.MaxRetries != models.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d", cfg.Crawl.MaxRetries)
	}
	if !cfg.Session.Enabled || cfg.Session.MaxPoolSize != 4 {
		t.Errorf("Session = %+v", cfg.Session)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("crawl: [broken\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("格式错误的配置文件应返回错误")
	}
}

func TestMergeCLIFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags CLIFlags
		check func(t *testing.T, c *Config)
	}{
		{
			name:  "未指定时保留配置",
			flags: CLIFlags{MaxRetries: -1, MaxPerMinute: -1},
			check: func(t *testing.T, c *Config) {
				if c.Crawl.MaxRetries != models.DefaultMaxRetries || c.Crawl.MaxPerMinute != 120 {
					t.Errorf("配置被意外覆盖: %+v", c.Crawl)
				}
			},
		},
		{
			name:  "覆盖爬取参数",
			flags: CLIFlags{QueueID: "q1", MaxDepth: 2, MaxRetries: 0, QueueStrategy: "lifo", LinkStrategy: "all", MaxPerMinute: 0},
			check: func(t *testing.T, c *Config) {
				if c.Crawl.QueueID != "q1" || c.Crawl.MaxDepth != 2 || c.Crawl.MaxRetries != 0 {
					t.Errorf("覆盖失败: %+v", c.Crawl)
				}
				if c.Crawl.QueueStrategy != "lifo" || c.Crawl.LinkStrategy != models.LinkStrategyAll {
					t.Errorf("策略覆盖失败: %+v", c.Crawl)
				}
				if c.Crawl.MaxPerMinute != 0 {
					t.Errorf("MaxPerMinute = %d, 期望 0", c.Crawl.MaxPerMinute)
				}
			},
		},
		{
			name:  "排除模式追加",
			flags: CLIFlags{Exclude: []string{"*.pdf"}, MaxRetries: -1, MaxPerMinute: -1},
			check: func(t *testing.T, c *Config) {
				if len(c.Crawl.Exclude) != 2 || c.Crawl.Exclude[1] != "*.pdf" {
					t.Errorf("Exclude = %v", c.Crawl.Exclude)
				}
			},
		},
		{
			name:  "最大并发低于最小并发时下调最小并发",
			flags: CLIFlags{MaxConcurrency: 1, MaxRetries: -1, MaxPerMinute: -1},
			check: func(t *testing.T, c *Config) {
				if c.Crawl.MaxConcurrency != 1 || c.Crawl.MinConcurrency != 1 {
					t.Errorf("并发 = [%d, %d]", c.Crawl.MinConcurrency, c.Crawl.MaxConcurrency)
				}
				if err := c.Crawl.Validate(); err != nil {
					t.Errorf("合并后配置无效: %v", err)
				}
			},
		},
		{
			name:  "忽略robots",
			flags: CLIFlags{IgnoreRobots: true, MaxRetries: -1, MaxPerMinute: -1},
			check: func(t *testing.T, c *Config) {
				if c.Crawl.RespectRobots {
					t.Error("RespectRobots应为false")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{Crawl: models.DefaultCrawlConfig()}
			c.Crawl.MinConcurrency = 2
			c.Crawl.Exclude = []string{"*/admin/*"}
			c.MergeCLIFlags(tt.flags)
			tt.check(t, c)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Crawl:   models.DefaultCrawlConfig(),
			Storage: StorageConfig{Driver: "sqlite", DataDir: "data"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"合法配置", func(c *Config) {}, false},
		{"内存存储", func(c *Config) { c.Storage.Driver = "memory"; c.Storage.DataDir = "" }, false},
		{"未知存储驱动", func(c *Config) { c.Storage.Driver = "redis" }, true},
		{"sqlite缺少目录", func(c *Config) { c.Storage.DataDir = "" }, true},
		{"会话池大小无效", func(c *Config) { c.Session.Enabled = true }, true},
		{"爬取配置无效", func(c *Config) { c.Crawl.MaxConcurrency = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
