package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// ReportFile 运行报告文件名
const ReportFile = "report.json"

// RunReport 写入磁盘的运行报告
type RunReport struct {
	QueueID     string              `json:"queue_id"`
	Seeds       []string            `json:"seeds"`
	StartTime   time.Time           `json:"start_time"`
	EndTime     time.Time           `json:"end_time"`
	Duration    float64             `json:"duration_seconds"`
	Stopped     bool                `json:"stopped"`
	Stats       models.QueueStats   `json:"stats"`
	Errors      []models.RunError   `json:"errors"`
	ErrorGroups []models.ErrorGroup `json:"error_groups"`
	Pages       []PageSummary       `json:"pages,omitempty"`
	Config      models.CrawlConfig  `json:"config"`
}

// PageSummary 单个页面的结果摘要
type PageSummary struct {
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code,omitempty"`
	Title      string    `json:"title,omitempty"`
	Depth      int       `json:"depth"`
	Links      int       `json:"links"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Reporter 报告生成器
type Reporter struct {
	outputDir      string
	includeResults bool
}

// NewReporter 创建报告生成器
// 报告写入 {outputDir}/{queueID}/report.json
func NewReporter(outputDir string, includeResults bool) *Reporter {
	return &Reporter{
		outputDir:      outputDir,
		includeResults: includeResults,
	}
}

// BuildReport 由运行结果生成报告
func (r *Reporter) BuildReport(result *models.RunResult, seeds []string, config models.CrawlConfig) RunReport {
	report := RunReport{
		QueueID:     result.QueueID,
		Seeds:       seeds,
		StartTime:   result.StartedAt,
		EndTime:     result.FinishedAt,
		Duration:    result.Duration.Seconds(),
		Stopped:     result.Stopped,
		Stats:       result.Stats,
		Errors:      result.Errors,
		ErrorGroups: result.ErrorGroups,
		Config:      config,
	}
	if report.Errors == nil {
		report.Errors = []models.RunError{}
	}
	if report.ErrorGroups == nil {
		report.ErrorGroups = []models.ErrorGroup{}
	}

	if r.includeResults {
		for _, res := range result.Results {
			page := PageSummary{
				URL:        res.URL,
				StatusCode: res.StatusCode,
				Title:      res.Title,
				Links:      len(res.DiscoveredLinks()),
				LoadedAt:   res.LoadedAt,
			}
			if res.Request != nil {
				page.Depth = res.Request.Depth
			}
			report.Pages = append(report.Pages, page)
		}
	}
	return report
}

// GenerateReport 生成并保存运行报告,返回报告路径
func (r *Reporter) GenerateReport(result *models.RunResult, seeds []string, config models.CrawlConfig) (string, error) {
	if result == nil {
		return "", fmt.Errorf("运行结果为空")
	}

	reportDir := filepath.Join(r.outputDir, result.QueueID)
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	path := filepath.Join(reportDir, ReportFile)
	if err := saveJSON(path, r.BuildReport(result, seeds, config)); err != nil {
		return "", err
	}

	Infof("✅ 报告已生成: %s", path)
	return path, nil
}

// LoadReport 读取已保存的报告
func LoadReport(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取报告失败: %w", err)
	}
	var report RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("解析报告失败: %w", err)
	}
	return &report, nil
}

// saveJSON 保存JSON文件
func saveJSON(path string, data interface{}) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("写入报告文件失败: %w", err)
	}

	Debugf("保存报告: %s", path)
	return nil
}

// NewProgressBar 创建进度条
// max为-1时显示不确定进度(总数在爬取过程中增长)
func NewProgressBar(max int, description string, out io.Writer) *progressbar.ProgressBar {
	if out == nil {
		out = os.Stdout
	}
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("页"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
