package core

import (
	"net/http"
	"sync"

	"github.com/RecoveryAshes/crawlengine/internal/config"
	"github.com/RecoveryAshes/crawlengine/internal/models"
	"github.com/RecoveryAshes/crawlengine/internal/utils"
)

// HeaderManager 合并默认、配置文件和命令行三层请求头部
// 实现models.HeaderProvider;配置只加载和验证一次,之后并发调用GetHeaders无需加锁
type HeaderManager struct {
	defaults http.Header
	cli      http.Header

	validator    *utils.HeaderValidator
	configLoader *config.HeaderConfigLoader

	// skipFile 不读取配置文件(仅默认+命令行)
	skipFile bool

	once       sync.Once
	merged     http.Header
	userAgents []string
	err        error
}

// NewHeaderManager 创建头部管理器
// configFile为空时使用configs/headers.yaml(不存在则生成模板);
// cliHeaders为 "Name: Value" 形式的列表
func NewHeaderManager(configFile string, cliHeaders []string) (*HeaderManager, error) {
	cli, err := models.CliHeaders(cliHeaders).Parse()
	if err != nil {
		return nil, err
	}

	return &HeaderManager{
		defaults:     defaultHeaders(),
		cli:          cli,
		validator:    utils.NewHeaderValidator(),
		configLoader: config.NewHeaderConfigLoader(configFile),
	}, nil
}

// NewStaticHeaderManager 不读取配置文件的头部管理器
func NewStaticHeaderManager(userAgent string, cliHeaders []string) (*HeaderManager, error) {
	hm, err := NewHeaderManager("", cliHeaders)
	if err != nil {
		return nil, err
	}
	hm.skipFile = true
	if userAgent != "" {
		hm.defaults.Set("User-Agent", userAgent)
	}
	return hm, nil
}

// defaultHeaders 内置默认头部
// 不设置Accept-Encoding: 由Transport协商gzip,显式设置会关闭自动解压
func defaultHeaders() http.Header {
	h := make(http.Header)
	h.Set("User-Agent", models.DefaultCrawlConfig().UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	return h
}

// SetUserAgent 覆盖默认User-Agent(配置文件和命令行仍然优先)
func (hm *HeaderManager) SetUserAgent(ua string) {
	if ua != "" {
		hm.defaults.Set("User-Agent", ua)
	}
}

// load 加载配置文件并验证合并结果
func (hm *HeaderManager) load() {
	fileHeaders := make(http.Header)
	if !hm.skipFile {
		cfg, err := hm.configLoader.LoadConfig()
		if err != nil {
			utils.Errorf("加载HTTP头部配置失败: %v", err)
			hm.err = err
			return
		}
		for name, value := range cfg.Headers {
			fileHeaders.Set(name, value)
		}
		hm.userAgents = cfg.UserAgents
	}

	// 依次验证,便于定位出错的层
	for _, layer := range []struct {
		name    string
		headers http.Header
	}{
		{"默认", hm.defaults},
		{"配置文件", fileHeaders},
		{"命令行", hm.cli},
	} {
		if err := hm.validator.Validate(layer.headers); err != nil {
			utils.Errorf("%s头部验证失败: %v", layer.name, err)
			hm.err = err
			return
		}
	}

	merged := make(http.Header)
	for _, layer := range []http.Header{hm.defaults, fileHeaders, hm.cli} {
		for name, values := range layer {
			merged[name] = values
		}
	}
	hm.merged = merged

	utils.Debugf("HTTP头部: %v", utils.RedactHeaders(merged))
}

// GetHeaders 实现HeaderProvider,返回合并后头部的副本
func (hm *HeaderManager) GetHeaders() (http.Header, error) {
	hm.once.Do(hm.load)
	if hm.err != nil {
		return nil, hm.err
	}
	return hm.merged.Clone(), nil
}

// UserAgents 配置文件中的User-Agent轮换列表
func (hm *HeaderManager) UserAgents() ([]string, error) {
	hm.once.Do(hm.load)
	if hm.err != nil {
		return nil, hm.err
	}
	return append([]string(nil), hm.userAgents...), nil
}

// GetSafeHeaders 脱敏后的头部,用于日志
func (hm *HeaderManager) GetSafeHeaders() map[string]string {
	headers, err := hm.GetHeaders()
	if err != nil {
		return nil
	}
	return utils.RedactHeaders(headers)
}
