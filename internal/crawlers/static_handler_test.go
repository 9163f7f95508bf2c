package crawlers

import (
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

const testPage = `<html><head><title> 测试页面 </title></head>
<body><a href="/a">A</a><a href="b">B</a><a href="https://other.com/">O</a></body></html>`

type staticHeaders http.Header

func (h staticHeaders) GetHeaders() (http.Header, error) {
	return http.Header(h).Clone(), nil
}

func newTestSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, testPage)
	})
	mux.HandleFunc("/br", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		bw.Write([]byte(testPage))
		bw.Close()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Encoding", "br")
		w.Write(buf.Bytes())
	})
	mux.HandleFunc("/echo-header", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><head><title>%s|%s</title></head></html>", r.Header.Get("X-Test"), r.Header.Get("User-Agent"))
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><title>login</title></html>")
	})
	mux.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		sid := "anonymous"
		if c, err := r.Cookie("sid"); err == nil {
			sid = c.Value
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><title>%s</title></html>", sid)
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		var code int
		fmt.Sscanf(r.URL.Path, "/status/%d", &code)
		w.WriteHeader(code)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStaticHandler_ExtractsTitleAndLinks(t *testing.T) {
	srv := newTestSiteServer(t)
	h := NewStaticHandler(StaticHandlerConfig{Timeout: 5 * time.Second}, nil)

	for _, path := range []string{"/page", "/br"} {
		t.Run(path, func(t *testing.T) {
			req := &models.CrawlRequest{URL: srv.URL + path}
			res, err := h.HandleRequest(context.Background(), req)
			if err != nil {
				t.Fatalf("HandleRequest() error = %v", err)
			}
			if res.StatusCode != http.StatusOK || res.Title != "测试页面" {
				t.Errorf("StatusCode = %d, Title = %q", res.StatusCode, res.Title)
			}
			if res.Request != req || res.LoadedAt.IsZero() {
				t.Errorf("结果缺少请求或加载时间: %+v", res)
			}

			links := append([]string(nil), res.ScrapedContent.Links...)
			sort.Strings(links)
			want := []string{srv.URL + "/a", srv.URL + "/b", "https://other.com/"}
			sort.Strings(want)
			if fmt.Sprint(links) != fmt.Sprint(want) {
				t.Errorf("Links = %v, 期望 %v", links, want)
			}
		})
	}
}

func TestStaticHandler_StatusErrors(t *testing.T) {
	srv := newTestSiteServer(t)
	h := NewStaticHandler(StaticHandlerConfig{Timeout: 5 * time.Second}, nil)

	tests := []struct {
		code      int
		permanent bool
	}{
		{404, true},
		{403, true},
		{408, false},
		{429, false},
		{500, false},
		{503, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			_, err := h.HandleRequest(context.Background(), &models.CrawlRequest{URL: fmt.Sprintf("%s/status/%d", srv.URL, tt.code)})
			var se *HTTPStatusError
			if !errors.As(err, &se) || se.StatusCode != tt.code {
				t.Fatalf("error = %v, 期望 HTTPStatusError(%d)", err, tt.code)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent() = %v, 期望 %v", IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestStaticHandler_HeaderProviderAndSession(t *testing.T) {
	srv := newTestSiteServer(t)
	provider := staticHeaders{"X-Test": []string{"from-provider"}, "User-Agent": []string{"ProviderBot"}}
	h := NewStaticHandler(StaticHandlerConfig{Timeout: 5 * time.Second}, provider)

	res, err := h.HandleRequest(context.Background(), &models.CrawlRequest{URL: srv.URL + "/echo-header"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "from-provider|ProviderBot" {
		t.Errorf("Title = %q", res.Title)
	}

	// 会话的User-Agent覆盖头部提供者
	pool := NewSessionPool(SessionPoolConfig{UserAgents: []string{"SessionBot"}})
	ctx := WithSession(context.Background(), pool.GetSession())
	res, err = h.HandleRequest(ctx, &models.CrawlRequest{URL: srv.URL + "/echo-header"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "from-provider|SessionBot" {
		t.Errorf("Title = %q", res.Title)
	}
}

func TestStaticHandler_SessionCookies(t *testing.T) {
	srv := newTestSiteServer(t)
	h := NewStaticHandler(StaticHandlerConfig{Timeout: 5 * time.Second}, nil)
	pool := NewSessionPool(SessionPoolConfig{MaxPoolSize: 2})

	s1, s2 := pool.GetSession(), pool.GetSession()
	ctx1 := WithSession(context.Background(), s1)
	ctx2 := WithSession(context.Background(), s2)

	if _, err := h.HandleRequest(ctx1, &models.CrawlRequest{URL: srv.URL + "/login"}); err != nil {
		t.Fatal(err)
	}

	res, err := h.HandleRequest(ctx1, &models.CrawlRequest{URL: srv.URL + "/whoami"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "abc" {
		t.Errorf("同一会话应携带cookie, Title = %q", res.Title)
	}

	res, err = h.HandleRequest(ctx2, &models.CrawlRequest{URL: srv.URL + "/whoami"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "anonymous" {
		t.Errorf("会话之间cookie不应共享, Title = %q", res.Title)
	}

	res, err = h.HandleRequest(context.Background(), &models.CrawlRequest{URL: srv.URL + "/whoami"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "anonymous" {
		t.Errorf("没有会话时不应携带cookie, Title = %q", res.Title)
	}
}

func TestStaticHandler_ContextCancel(t *testing.T) {
	srv := newTestSiteServer(t)
	h := NewStaticHandler(StaticHandlerConfig{Timeout: 5 * time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.HandleRequest(ctx, &models.CrawlRequest{URL: srv.URL + "/slow"})
	if err == nil {
		t.Fatal("上下文超时应返回错误")
	}
	if IsPermanent(err) {
		t.Error("超时不应是永久错误")
	}
	if time.Since(start) > time.Second {
		t.Errorf("上下文取消后请求未及时返回: %v", time.Since(start))
	}
}

func TestDecompressResponse(t *testing.T) {
	plain := []byte("<html>hello</html>")

	var deflated bytes.Buffer
	fw, _ := flate.NewWriter(&deflated, flate.DefaultCompression)
	fw.Write(plain)
	fw.Close()

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write(plain)
	bw.Close()

	tests := []struct {
		name     string
		encoding string
		body     []byte
		wantErr  bool
	}{
		{"deflate", "deflate", deflated.Bytes(), false},
		{"brotli", "BR", br.Bytes(), false},
		{"未知编码原样返回", "identity", plain, false},
		{"损坏的brotli", "br", []byte("not brotli"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decompressResponse(tt.encoding, tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decompressResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, plain) {
				t.Errorf("decompressResponse() = %q", got)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"普通错误", errors.New("x"), false},
		{"Permanent包装", Permanent(errors.New("x")), true},
		{"多层包装", fmt.Errorf("外层: %w", Permanent(errors.New("x"))), true},
		{"404", &HTTPStatusError{StatusCode: 404}, true},
		{"500", &HTTPStatusError{StatusCode: 500}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, 期望 %v", got, tt.want)
			}
		})
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) 应返回nil")
	}
}
