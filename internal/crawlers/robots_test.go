package crawlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestIsAllowed(t *testing.T) {
	rules, err := ParseRobotsTxt(`User-agent: *
Disallow: /private
Allow: /private/public

User-agent: SpecialBot
Disallow: /
Crawl-delay: 2
`)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		path  string
		agent string
		want  bool
	}{
		{"普通路径", "/index.html", "AnyBot", true},
		{"禁止路径", "/private/data", "AnyBot", false},
		{"更长的Allow优先", "/private/public/x", "AnyBot", true},
		{"带query", "/private?x=1", "AnyBot", false},
		{"空路径", "", "AnyBot", true},
		{"特定agent组", "/index.html", "SpecialBot/1.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAllowed(rules, tt.path, tt.agent); got != tt.want {
				t.Errorf("IsAllowed(%q, %q) = %v, 期望 %v", tt.path, tt.agent, got, tt.want)
			}
		})
	}

	if !IsAllowed(nil, "/anything", "AnyBot") {
		t.Error("nil规则应全部允许")
	}
	if d := rules.CrawlDelay("SpecialBot"); d != 2*time.Second {
		t.Errorf("CrawlDelay = %v, 期望2s", d)
	}
	if d := rules.CrawlDelay("AnyBot"); d != 0 {
		t.Errorf("未设置Crawl-delay时应为0, got %v", d)
	}
	var nilRules *RobotsTxtRules
	if nilRules.CrawlDelay("AnyBot") != 0 {
		t.Error("nil规则CrawlDelay应为0")
	}
}

func TestFetchRobotsTxt(t *testing.T) {
	t.Run("正常加载", func(t *testing.T) {
		var gotUA string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/robots.txt" {
				http.NotFound(w, r)
				return
			}
			gotUA = r.Header.Get("User-Agent")
			w.Write([]byte("User-agent: *\nDisallow: /admin\nCrawl-delay: 1\n"))
		}))
		defer srv.Close()

		origin, _ := url.Parse(srv.URL + "/some/page")
		rules := FetchRobotsTxt(context.Background(), srv.Client(), origin, "TestBot")
		if rules == nil {
			t.Fatal("期望加载到规则")
		}
		if gotUA != "TestBot" {
			t.Errorf("User-Agent = %q", gotUA)
		}
		if IsAllowed(rules, "/admin/x", "TestBot") {
			t.Error("/admin 应被禁止")
		}
		if rules.CrawlDelay("TestBot") != time.Second {
			t.Errorf("CrawlDelay = %v", rules.CrawlDelay("TestBot"))
		}
	})

	t.Run("404视为全部允许", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		origin, _ := url.Parse(srv.URL)
		if rules := FetchRobotsTxt(context.Background(), srv.Client(), origin, "TestBot"); rules != nil {
			t.Errorf("404 应返回nil规则, got %+v", rules)
		}
	})

	t.Run("连接失败视为全部允许", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		origin, _ := url.Parse(srv.URL)
		srv.Close()

		if rules := FetchRobotsTxt(context.Background(), nil, origin, ""); rules != nil {
			t.Error("连接失败应返回nil规则")
		}
	})
}
