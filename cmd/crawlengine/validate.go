package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/RecoveryAshes/crawlengine/internal/models"
	"github.com/RecoveryAshes/crawlengine/internal/utils"
)

// ValidateURL 验证URL格式
func ValidateURL(urlStr string) error {
	return models.ValidateURL(urlStr)
}

// ValidateFlags 验证命令行标志
// 数值参数的未指定值(0或-1)由配置文件决定,这里只拦截明显错误的输入
func ValidateFlags(seeds []string, depth, retries, concurrency, perMinute int) error {
	for _, seed := range seeds {
		if err := ValidateURL(seed); err != nil {
			return fmt.Errorf("无效的种子URL [%s]: %w", seed, err)
		}
	}

	if depth < 0 {
		return fmt.Errorf("爬取深度不能为负数,当前值: %d", depth)
	}

	if retries < -1 || retries > 20 {
		return fmt.Errorf("重试次数必须在0-20之间,当前值: %d", retries)
	}

	if concurrency < 0 || concurrency > 200 {
		return fmt.Errorf("并发数必须在1-200之间,当前值: %d", concurrency)
	}

	if perMinute < -1 {
		return fmt.Errorf("每分钟请求数不能为负数,当前值: %d", perMinute)
	}

	if queueStrategy != "" {
		validStrategies := map[string]bool{
			"fifo":          true,
			"lifo":          true,
			"priority":      true,
			"breadth-first": true,
		}
		if !validStrategies[queueStrategy] {
			return fmt.Errorf("无效的出队策略: %s (有效值: fifo, lifo, priority, breadth-first)", queueStrategy)
		}
	}

	return nil
}

// collectSeeds 合并 -u 和 -f 指定的种子URL,规范化并去重
func collectSeeds(flagURLs []string, file string) ([]string, error) {
	raw := append([]string(nil), flagURLs...)
	if file != "" {
		fromFile, err := utils.ReadURLsFromFile(file)
		if err != nil {
			return nil, fmt.Errorf("读取URL文件失败: %w", err)
		}
		raw = append(raw, fromFile...)
	}

	seen := make(map[string]bool, len(raw))
	seeds := make([]string, 0, len(raw))
	for _, u := range raw {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		normalized, err := NormalizeURL(u)
		if err != nil {
			return nil, fmt.Errorf("无效的种子URL [%s]: %w", u, err)
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		seeds = append(seeds, normalized)
	}
	return seeds, nil
}

// NormalizeURL 规范化URL
func NormalizeURL(urlStr string) (string, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	// 如果没有协议,默认使用https
	if parsed.Scheme == "" {
		urlStr = "https://" + urlStr
		parsed, err = url.Parse(urlStr)
		if err != nil {
			return "", err
		}
	}

	return parsed.String(), nil
}
