package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/RecoveryAshes/crawlengine/internal/core"
	"github.com/RecoveryAshes/crawlengine/internal/crawlers"
	"github.com/RecoveryAshes/crawlengine/internal/database"
	"github.com/RecoveryAshes/crawlengine/internal/models"
	"github.com/RecoveryAshes/crawlengine/internal/utils"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string
	dataDir    string
	driver     string

	// HTTP头部参数
	headersConfig  string
	headers        []string
	validateConfig bool

	// 爬取参数
	seedURLs       []string
	urlFile        string
	queueID        string
	queueStrategy  string
	linkStrategy   string
	excludes       []string
	maxDepth       int
	maxRetries     int
	maxPerMinute   int
	maxConcurrency int
	ignoreRobots   bool
	userAgent      string
	insecure       bool
	noProgress     bool
	outputDir      string
)

// appConfig 在PersistentPreRunE中加载并合并命令行参数
var appConfig *core.Config

var rootCmd = &cobra.Command{
	Use:   "crawlengine",
	Short: "可恢复的自适应并发网页爬虫",
	Long: `crawlengine - 可恢复的自适应并发网页爬虫

功能:
  • 持久化请求队列,中断后按队列ID继续
  • 按域名滑动窗口限流,遵守robots.txt
  • 根据系统负载自动调整并发数
  • 错误分组统计与诊断快照
  • 会话轮换和自定义HTTP请求头

示例:
  # 从种子URL开始爬取
  crawlengine -u https://example.com --max-depth 3

  # 多个种子,排除PDF和登出链接
  crawlengine -u https://example.com -u https://blog.example.com -e "*.pdf" -e "/logout/"

  # 按队列ID恢复上次中断的爬取
  crawlengine --queue-id queue-20240101-abcd

  # 查看已保存的运行状态
  crawlengine state queue-20240101-abcd

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		cfg.MergeCLIFlags(core.CLIFlags{
			QueueID:        queueID,
			MaxDepth:       maxDepth,
			MaxRetries:     maxRetries,
			QueueStrategy:  queueStrategy,
			LinkStrategy:   linkStrategy,
			Exclude:        excludes,
			IgnoreRobots:   ignoreRobots,
			UserAgent:      userAgent,
			MaxConcurrency: maxConcurrency,
			MaxPerMinute:   maxPerMinute,
			DataDir:        dataDir,
			Driver:         driver,
			LogLevel:       logLevel,
			OutputDir:      outputDir,
		})

		logConfig := utils.LogConfig{
			Level:      cfg.Logging.Level,
			LogDir:     cfg.Logging.LogDir,
			MaxSize:    cfg.Logging.Rotation.MaxSize,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			MaxAge:     cfg.Logging.Rotation.MaxAge,
			Compress:   cfg.Logging.Rotation.Compress,
		}
		if verbose {
			logConfig.Level = "debug"
		}
		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		appConfig = cfg
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateConfig {
			return runValidateConfig()
		}

		seeds, err := collectSeeds(seedURLs, urlFile)
		if err != nil {
			return err
		}

		// 没有种子也没有要恢复的队列时显示帮助
		if len(seeds) == 0 && appConfig.Crawl.QueueID == "" {
			return cmd.Help()
		}

		if err := ValidateFlags(seeds, maxDepth, maxRetries, maxConcurrency, maxPerMinute); err != nil {
			return err
		}
		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("配置无效: %w", err)
		}

		return runCrawl(cmd.Context(), appConfig, seeds)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crawlengine %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// runValidateConfig 验证HTTP头部配置并打印合并后的头部(脱敏)
func runValidateConfig() error {
	utils.Info("🔍 验证HTTP头部配置...")
	hm, err := core.NewHeaderManager(headersConfig, headers)
	if err != nil {
		return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}
	hm.SetUserAgent(appConfig.Crawl.UserAgent)
	if _, err := hm.GetHeaders(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}

	safeHeaders := hm.GetSafeHeaders()
	utils.Info("✅ 配置验证通过!")
	utils.Infof("当前有效的HTTP头部 (%d个):", len(safeHeaders))
	for name, value := range safeHeaders {
		utils.Infof("  %s: %s", name, value)
	}
	return nil
}

// runCrawl 组装引擎并执行一次爬取
func runCrawl(ctx context.Context, cfg *core.Config, seeds []string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	hm, err := core.NewHeaderManager(headersConfig, headers)
	if err != nil {
		return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}
	hm.SetUserAgent(cfg.Crawl.UserAgent)
	if _, err := hm.GetHeaders(); err != nil {
		return fmt.Errorf("HTTP头部配置无效: %w", err)
	}

	queueStore, stateStore, closeStores, err := openStores(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStores()

	opts := []core.Option{
		core.WithQueueStore(queueStore),
		core.WithStateStore(stateStore),
	}

	if cfg.Storage.SnapshotDir != "" {
		snapshotter, err := crawlers.NewFileSnapshotter(cfg.Storage.SnapshotDir, cfg.Crawl.MaxErrorSnapshots)
		if err != nil {
			return err
		}
		opts = append(opts, core.WithSnapshotter(snapshotter))
	}

	if cfg.Resource.Enabled {
		monitor := crawlers.NewResourceMonitor(crawlers.ResourceMonitorConfig{
			SafetyThreshold:  cfg.Resource.SafetyThresholdMB * 1024 * 1024,
			CPULoadThreshold: cfg.Resource.CPULoadThreshold,
			MaxWorkersLimit:  cfg.Resource.MaxWorkersLimit,
		})
		monitor.StartMonitoring(cfg.Resource.SampleInterval)
		defer monitor.StopMonitoring()

		status := monitor.GetMemoryStatus()
		utils.Infof("系统内存: 可用 %s / 总计 %s (%s)",
			utils.FormatBytes(status.AvailableMemory), utils.FormatBytes(status.TotalMemory), status.MemoryPressure)
		if limit := monitor.CalculateMaxWorkers(); limit < cfg.Crawl.MaxConcurrency {
			utils.Warnf("可用内存只够 %d 个并发, 最大并发数从 %d 下调", limit, cfg.Crawl.MaxConcurrency)
			cfg.Crawl.MaxConcurrency = limit
			if cfg.Crawl.MinConcurrency > limit {
				cfg.Crawl.MinConcurrency = limit
			}
		}
		opts = append(opts, core.WithLoadMonitor(monitor))
	}

	if cfg.Session.Enabled {
		userAgents := cfg.Session.UserAgents
		if len(userAgents) == 0 {
			if userAgents, err = hm.UserAgents(); err != nil {
				return err
			}
		}
		opts = append(opts, core.WithSessionPool(crawlers.NewSessionPool(crawlers.SessionPoolConfig{
			MaxPoolSize:   cfg.Session.MaxPoolSize,
			MaxUsageCount: cfg.Session.MaxUsageCount,
			MaxErrorScore: cfg.Session.MaxErrorScore,
			UserAgents:    userAgents,
		})))
	}

	handler := crawlers.NewStaticHandler(crawlers.StaticHandlerConfig{
		Timeout:            cfg.Crawl.RequestTimeout,
		UserAgent:          cfg.Crawl.UserAgent,
		InsecureSkipVerify: insecure,
	}, hm)

	engine, err := core.NewEngine(cfg.Crawl, handler, opts...)
	if err != nil {
		return fmt.Errorf("创建爬虫引擎失败: %w", err)
	}

	if !noProgress {
		attachProgressBar(engine, len(seeds))
	}

	result, runErr := engine.Run(ctx, seeds)
	if result == nil {
		return fmt.Errorf("爬取失败: %w", runErr)
	}

	printSummary(result)

	if cfg.Output.WriteReport {
		reporter := utils.NewReporter(cfg.Output.BaseDir, cfg.Output.IncludeResults)
		if _, err := reporter.GenerateReport(result, seeds, cfg.Crawl); err != nil {
			utils.Errorf("生成报告失败: %v", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	utils.Info("✨ 爬取任务完成!")
	return nil
}

// openStores 按存储驱动创建队列存储和状态存储,返回关闭函数
func openStores(cfg core.StorageConfig) (crawlers.QueueStore, crawlers.StateStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		mem := database.NewMemoryStore()
		if cfg.DataDir == "" {
			return mem, mem, func() {}, nil
		}
		// 队列只在内存中,状态快照仍写入数据目录供state命令查看
		fileState, err := database.NewFileStateStore(cfg.DataDir)
		if err != nil {
			return nil, nil, nil, err
		}
		return mem, fileState, func() {}, nil

	default:
		opts := database.DefaultOptions()
		opts.EnableWAL = cfg.EnableWAL
		db, err := database.Open(cfg.DataDir, opts)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("打开数据库失败: %w", err)
		}
		utils.Debugf("使用数据库: %s", db.Path())
		return db, db, func() {
			if err := db.Close(); err != nil {
				utils.Warnf("关闭数据库失败: %v", err)
			}
		}, nil
	}
}

// attachProgressBar 用引擎事件驱动进度条,总数随发现的链接增长
func attachProgressBar(engine *core.Engine, initial int) {
	if initial < 1 {
		initial = 1
	}
	bar := utils.NewProgressBar(initial, "爬取中", os.Stderr)

	advance := func() {
		if total := engine.Stats().Total; total > bar.GetMax() {
			bar.ChangeMax(total)
		}
		_ = bar.Add(1)
	}

	events := engine.Events()
	events.OnRequestCompleted(func(*models.CrawlResult) { advance() })
	events.OnRequestFailed(func(*models.CrawlRequest, error) { advance() })
	events.OnCrawlFinished(func(*models.RunResult) { _ = bar.Finish() })
}

func printSummary(result *models.RunResult) {
	fmt.Println("\n==================================================")
	fmt.Println("📊 爬取统计")
	fmt.Println("==================================================")
	fmt.Printf("🆔 队列ID: %s\n", result.QueueID)
	fmt.Printf("✅ 完成请求: %d\n", result.Stats.Completed)
	fmt.Printf("❌ 失败请求: %d\n", result.Stats.Failed)
	fmt.Printf("⏳ 未处理请求: %d\n", result.Stats.Pending+result.Stats.InFlight)
	fmt.Printf("📦 请求总数: %d\n", result.Stats.Total)
	fmt.Printf("⏱️  总耗时: %.2f秒\n", result.Duration.Seconds())
	if result.Stopped {
		fmt.Println("⚠️  爬取被提前停止,可使用相同的 --queue-id 继续")
	}
	if len(result.ErrorGroups) > 0 {
		fmt.Println("--------------------------------------------------")
		fmt.Println("错误分组 (按出现次数):")
		for i, g := range result.ErrorGroups {
			if i >= 5 {
				fmt.Printf("  ... 另有 %d 组\n", len(result.ErrorGroups)-i)
				break
			}
			fmt.Printf("  [%d次] %s\n", g.Count, g.Signature)
		}
	}
	fmt.Println("==================================================")
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式(debug日志)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "队列和状态的数据目录")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "存储驱动 (sqlite|memory)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "报告输出目录")

	// HTTP头部参数
	rootCmd.PersistentFlags().StringVar(&headersConfig, "headers-config", "", "HTTP头部配置文件路径 (默认: configs/headers.yaml)")
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")
	rootCmd.PersistentFlags().BoolVar(&validateConfig, "validate-config", false, "验证配置文件正确性")

	// 爬取参数
	rootCmd.Flags().StringArrayVarP(&seedURLs, "url", "u", nil, "种子URL,可多次指定")
	rootCmd.Flags().StringVarP(&urlFile, "url-file", "f", "", "包含种子URL列表的文件路径")
	rootCmd.Flags().StringVar(&queueID, "queue-id", "", "队列ID,已存在时继续上次的爬取")
	rootCmd.Flags().StringVar(&queueStrategy, "strategy", "", "出队策略 (fifo|lifo|priority|breadth-first)")
	rootCmd.Flags().StringVar(&linkStrategy, "link-strategy", "", "链接范围 (all|same-domain|same-site)")
	rootCmd.Flags().StringArrayVarP(&excludes, "exclude", "e", nil, "排除模式(glob或/正则/),可多次指定")
	rootCmd.Flags().IntVarP(&maxDepth, "max-depth", "d", 0, "最大爬取深度 (0: 使用配置文件)")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", -1, "单请求最大重试次数")
	rootCmd.Flags().IntVar(&maxPerMinute, "max-per-minute", -1, "每个域名每分钟最多请求数 (0: 不限制)")
	rootCmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "最大并发数")
	rootCmd.Flags().BoolVar(&ignoreRobots, "ignore-robots", false, "忽略robots.txt")
	rootCmd.Flags().StringVar(&userAgent, "user-agent", "", "默认User-Agent")
	rootCmd.Flags().BoolVar(&insecure, "insecure", false, "跳过TLS证书验证")
	rootCmd.Flags().BoolVar(&noProgress, "no-progress", false, "不显示进度条")

	// 添加子命令
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(reportCmd)
}

func main() {
	start := time.Now()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
	utils.Debugf("命令执行耗时: %v", time.Since(start))
}
