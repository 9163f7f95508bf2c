package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}
}

func TestHeaderConfigLoader_LoadConfig(t *testing.T) {
	t.Run("正常加载", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "headers.yaml")
		writeFile(t, path, "headers:\n  X-Test: hello\n  Authorization: Bearer abc\nuser_agents:\n  - ua-1\n  - ua-2\n")

		cfg, err := NewHeaderConfigLoader(path).LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		// viper会把键转为小写
		if cfg.Headers["x-test"] != "hello" {
			t.Errorf("X-Test = %q, 期望 hello (全部: %v)", cfg.Headers["x-test"], cfg.Headers)
		}
		if len(cfg.UserAgents) != 2 || cfg.UserAgents[1] != "ua-2" {
			t.Errorf("UserAgents = %v", cfg.UserAgents)
		}
	})

	t.Run("空配置", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "headers.yaml")
		writeFile(t, path, "# 空\n")

		cfg, err := NewHeaderConfigLoader(path).LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.Headers == nil {
			t.Error("Headers不应为nil")
		}
	})

	t.Run("指定文件不存在", func(t *testing.T) {
		_, err := NewHeaderConfigLoader(filepath.Join(t.TempDir(), "missing.yaml")).LoadConfig()
		var ce *models.ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("期望ConfigError, 得到 %v", err)
		}
	})

	t.Run("YAML格式错误", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "headers.yaml")
		writeFile(t, path, "headers: [unclosed\n")

		_, err := NewHeaderConfigLoader(path).LoadConfig()
		var ce *models.ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("期望ConfigError, 得到 %v", err)
		}
	})

	t.Run("文件过大", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "headers.yaml")
		writeFile(t, path, "# "+strings.Repeat("x", MaxConfigFileSize)+"\n")

		_, err := NewHeaderConfigLoader(path).LoadConfig()
		if err == nil || !strings.Contains(err.Error(), "过大") {
			t.Errorf("期望文件过大错误, 得到 %v", err)
		}
	})
}

func TestHeaderConfigLoader_EnsureConfigExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "headers.yaml")
	loader := NewHeaderConfigLoader(path)

	if err := loader.EnsureConfigExists(); err != nil {
		t.Fatalf("EnsureConfigExists() error = %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("模板未生成: %v", err)
	}
	if string(content) != HeaderTemplate() {
		t.Error("生成的文件与模板不一致")
	}

	// 已存在的文件不被覆盖
	writeFile(t, path, "headers: {}\n")
	if err := loader.EnsureConfigExists(); err != nil {
		t.Fatal(err)
	}
	content, _ = os.ReadFile(path)
	if string(content) != "headers: {}\n" {
		t.Error("已存在的配置文件被覆盖")
	}

	// 模板本身可以被加载
	writeFile(t, path, HeaderTemplate())
	cfg, err := loader.LoadConfig()
	if err != nil {
		t.Fatalf("加载模板失败: %v", err)
	}
	if cfg.Headers["accept-language"] == "" {
		t.Errorf("模板缺少Accept-Language: %v", cfg.Headers)
	}
}
