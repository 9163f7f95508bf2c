package crawlers

import (
	"regexp"
	"sort"
	"testing"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

func TestEnqueueLinks_SkipReasons(t *testing.T) {
	robots, err := ParseRobotsTxt("User-agent: *\nDisallow: /private\n")
	if err != nil {
		t.Fatal(err)
	}
	exclude, err := CompileExcludePatterns([]string{"*.pdf", "/logout/"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		url    string
		depth  int
		seen   bool
		reason SkipReason
	}{
		{"无效协议", "mailto:a@example.com", 1, false, SkipInvalidURL},
		{"超过最大深度", "/page", 3, false, SkipMaxDepth},
		{"其他域名", "https://other.com/", 1, false, SkipOutOfDomain},
		{"glob排除", "/file.pdf", 1, false, SkipExcludedPattern},
		{"正则排除", "/user/logout", 1, false, SkipExcludedPattern},
		{"robots禁止", "/private/data", 1, false, SkipRobotsDisallowed},
		{"已见过", "/known", 1, true, SkipDuplicate},
		{"允许", "/ok", 1, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var callbacks []SkippedRequest
			res := EnqueueLinks(EnqueueLinksOptions{
				URLs:      []string{tt.url},
				BaseURL:   "https://example.com/start",
				Strategy:  models.LinkStrategySameDomain,
				Exclude:   exclude,
				Robots:    map[string]*RobotsTxtRules{"example.com": robots},
				UserAgent: "TestBot",
				Depth:     tt.depth,
				MaxDepth:  2,
				Seen:      func(string) bool { return tt.seen },
				OnSkippedRequest: func(s SkippedRequest) {
					callbacks = append(callbacks, s)
				},
			})

			if tt.reason == "" {
				if len(res.ProcessedRequests) != 1 || len(res.Skipped) != 0 {
					t.Fatalf("期望通过: %+v", res)
				}
				if res.ProcessedRequests[0].Depth != tt.depth {
					t.Errorf("Depth = %d", res.ProcessedRequests[0].Depth)
				}
				return
			}
			if len(res.Skipped) != 1 || res.Skipped[0].Reason != tt.reason {
				t.Fatalf("Skipped = %+v, 期望原因 %s", res.Skipped, tt.reason)
			}
			if len(callbacks) != 1 || callbacks[0] != res.Skipped[0] {
				t.Errorf("回调 = %+v", callbacks)
			}
		})
	}
}

func TestEnqueueLinks_BatchDedup(t *testing.T) {
	res := EnqueueLinks(EnqueueLinksOptions{
		URLs:     []string{"/a", "/a#x", "https://EXAMPLE.com/a", "/b"},
		BaseURL:  "https://example.com/",
		Strategy: models.LinkStrategySameDomain,
	})
	if len(res.ProcessedRequests) != 2 {
		t.Fatalf("ProcessedRequests = %+v", res.ProcessedRequests)
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("Skipped = %+v", res.Skipped)
	}
	for _, s := range res.Skipped {
		if s.Reason != SkipDuplicate {
			t.Errorf("批内重复原因 = %s", s.Reason)
		}
	}
}

func TestEnqueueLinks_Strategies(t *testing.T) {
	urls := []string{
		"https://www.example.co.uk/a",
		"https://blog.example.co.uk/b",
		"https://other.co.uk/c",
	}

	tests := []struct {
		strategy models.LinkStrategy
		want     int
	}{
		{models.LinkStrategySameDomain, 1},
		{models.LinkStrategySameSite, 2},
		{models.LinkStrategyAll, 3},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			res := EnqueueLinks(EnqueueLinksOptions{
				URLs:     urls,
				BaseURL:  "https://www.example.co.uk/",
				Strategy: tt.strategy,
			})
			if len(res.ProcessedRequests) != tt.want {
				t.Errorf("通过 %d 个, 期望 %d: %+v", len(res.ProcessedRequests), tt.want, res.ProcessedRequests)
			}
		})
	}
}

func TestExcludePattern(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"*.pdf", "https://example.com/doc.pdf", true},
		{"*.pdf", "https://example.com/doc.html", false},
		{"https://example.com/admin*", "https://example.com/admin/users", true},
		{"/\\/v[0-9]+\\//", "https://example.com/api/v2/items", true},
		{"/\\/v[0-9]+\\//", "https://example.com/api/latest", false},
	}

	for _, tt := range tests {
		p, err := CompileExcludePattern(tt.pattern)
		if err != nil {
			t.Fatalf("CompileExcludePattern(%q) error = %v", tt.pattern, err)
		}
		if got := p.Match(tt.url); got != tt.want {
			t.Errorf("%q.Match(%q) = %v, 期望 %v", tt.pattern, tt.url, got, tt.want)
		}
	}

	if _, err := CompileExcludePattern("/[unclosed/"); err == nil {
		t.Error("无效正则应返回错误")
	}

	re := RegexpPattern(regexp.MustCompile(`\?session=`))
	if !re.Match("https://example.com/?session=1") || re.String() != `/\?session=/` {
		t.Errorf("RegexpPattern = %s", re.String())
	}
}

func TestLinkFilter_Filter(t *testing.T) {
	known := map[string]bool{}
	f, err := NewLinkFilter(LinkFilterConfig{
		Strategy:  models.LinkStrategySameDomain,
		Exclude:   []string{"*/skip"},
		UserAgent: "TestBot",
		MaxDepth:  5,
	}, func(k string) bool { return known[k] })
	if err != nil {
		t.Fatal(err)
	}

	robots, _ := ParseRobotsTxt("User-agent: *\nDisallow: /no\n")
	f.SetRobots("Example.com", robots)
	if f.Robots("example.com") != robots {
		t.Error("Robots() 应按小写主机名查找")
	}

	// 布隆命中但exact确认未见过时不应被误判为重复
	f.Remember("https://example.com/maybe")
	res := f.Filter([]string{"/maybe", "/seen", "/skip", "/no", "https://other.com/"}, "https://example.com/", 1, "", nil)
	if len(res.ProcessedRequests) != 2 {
		t.Fatalf("ProcessedRequests = %+v", res.ProcessedRequests)
	}

	known["https://example.com/seen"] = true
	f.Remember("https://example.com/seen")
	res = f.Filter([]string{"/seen"}, "https://example.com/", 1, "", nil)
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipDuplicate {
		t.Errorf("已见过的链接应被去重: %+v", res)
	}

	// 显式策略覆盖配置
	res = f.Filter([]string{"https://other.com/x"}, "https://example.com/", 0, models.LinkStrategyAll, nil)
	if len(res.ProcessedRequests) != 1 {
		t.Errorf("LinkStrategyAll 应允许其他域名: %+v", res)
	}

	f.AddExclude(RegexpPattern(regexp.MustCompile(`/late$`)))
	res = f.Filter([]string{"/late"}, "https://example.com/", 1, "", nil)
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipExcludedPattern {
		t.Errorf("AddExclude 未生效: %+v", res)
	}
}

func TestNewLinkFilter_InvalidPattern(t *testing.T) {
	if _, err := NewLinkFilter(LinkFilterConfig{Exclude: []string{"/(/"}}, nil); err == nil {
		t.Error("无效排除模式应返回错误")
	}
}

func TestExtractLinksFromHTML(t *testing.T) {
	page := `<html><head><title>t</title><link href="/style.css"></head>
<body>
  <a href="/a">A</a>
  <a href="b.html">B</a>
  <a href=" https://other.com/c ">C</a>
  <a name="anchor">no href</a>
  <div><a href="#frag">F</a></div>
</body></html>`

	links, err := ExtractLinksFromHTML(page, "https://example.com/dir/index.html")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(links)
	want := []string{
		"https://example.com/a",
		"https://example.com/dir/b.html",
		"https://example.com/dir/index.html#frag",
		"https://other.com/c",
	}
	if len(links) != len(want) {
		t.Fatalf("links = %v", links)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("links[%d] = %q, 期望 %q", i, links[i], want[i])
		}
	}
}
