package core

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestHeaderManager_GetHeaders(t *testing.T) {
	t.Run("默认头部存在", func(t *testing.T) {
		hm, err := NewStaticHeaderManager("", nil)
		if err != nil {
			t.Fatalf("创建HeaderManager失败: %v", err)
		}
		headers, err := hm.GetHeaders()
		if err != nil {
			t.Fatalf("GetHeaders() error = %v", err)
		}
		if headers.Get("User-Agent") == "" {
			t.Error("期望默认User-Agent存在")
		}
		if headers.Get("Accept-Encoding") != "" {
			t.Error("默认头部不应设置Accept-Encoding")
		}
	})

	t.Run("命令行覆盖默认", func(t *testing.T) {
		hm, err := NewStaticHeaderManager("DefaultBot/1.0", []string{"User-Agent: CustomBot/1.0", "X-Custom: v1"})
		if err != nil {
			t.Fatal(err)
		}
		headers, err := hm.GetHeaders()
		if err != nil {
			t.Fatal(err)
		}
		if headers.Get("User-Agent") != "CustomBot/1.0" {
			t.Errorf("User-Agent = %q", headers.Get("User-Agent"))
		}
		if headers.Get("X-Custom") != "v1" {
			t.Errorf("X-Custom = %q", headers.Get("X-Custom"))
		}
	})

	t.Run("命令行格式错误", func(t *testing.T) {
		if _, err := NewStaticHeaderManager("", []string{"NoColon"}); err == nil {
			t.Error("缺少冒号时应返回错误")
		}
	})

	t.Run("禁止头部", func(t *testing.T) {
		hm, err := NewStaticHeaderManager("", []string{"Host: evil.example.com"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := hm.GetHeaders(); err == nil {
			t.Error("Host头部应验证失败")
		}
	})

	t.Run("返回副本", func(t *testing.T) {
		hm, _ := NewStaticHeaderManager("", nil)
		h1, _ := hm.GetHeaders()
		h1.Set("X-Mutated", "1")
		h2, _ := hm.GetHeaders()
		if h2.Get("X-Mutated") != "" {
			t.Error("修改返回值不应影响管理器")
		}
	})
}

func TestHeaderManager_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headers.yaml")
	content := "headers:\n  X-From-File: file\n  User-Agent: FileBot/1.0\nuser_agents:\n  - rotate-1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	hm, err := NewHeaderManager(path, []string{"User-Agent: CliBot/1.0"})
	if err != nil {
		t.Fatal(err)
	}
	headers, err := hm.GetHeaders()
	if err != nil {
		t.Fatalf("GetHeaders() error = %v", err)
	}
	if headers.Get("X-From-File") != "file" {
		t.Errorf("配置文件头部缺失: %v", headers)
	}
	if headers.Get("User-Agent") != "CliBot/1.0" {
		t.Errorf("命令行应覆盖配置文件: %q", headers.Get("User-Agent"))
	}

	uas, err := hm.UserAgents()
	if err != nil || len(uas) != 1 || uas[0] != "rotate-1" {
		t.Errorf("UserAgents() = %v, %v", uas, err)
	}

	safe := hm.GetSafeHeaders()
	if safe["X-From-File"] != "file" {
		t.Errorf("GetSafeHeaders() = %v", safe)
	}
}

func TestHeaderManager_ConcurrentAccess(t *testing.T) {
	hm, err := NewStaticHeaderManager("", []string{"X-A: 1"})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := hm.GetHeaders()
			if err != nil || h.Get("X-A") != "1" {
				t.Errorf("并发GetHeaders() = %v, %v", h, err)
			}
		}()
	}
	wg.Wait()
}
