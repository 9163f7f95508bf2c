package crawlers

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// PermanentError 不应重试的请求错误
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent 将错误标记为永久错误,引擎不会重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// HTTPStatusError 非2xx响应
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Permanent 4xx(408/429除外)视为永久错误
func (e *HTTPStatusError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent 判断错误链上是否有永久错误
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Permanent()
	}
	return false
}

// StaticHandlerConfig 默认HTTP抓取器配置
type StaticHandlerConfig struct {
	Timeout            time.Duration // 单请求超时 (默认:30s)
	UserAgent          string        // 没有会话时使用
	InsecureSkipVerify bool          // 跳过TLS证书验证
	MaxBodySize        int           // 响应体上限(字节), 0使用colly默认值
}

// StaticHandler 基于colly的默认RequestHandler
// 抓取页面,提取标题和a[href]链接;会话(如有)提供User-Agent、请求头和cookie
type StaticHandler struct {
	cfg            StaticHandlerConfig
	base           *colly.Collector
	headerProvider models.HeaderProvider
}

// NewStaticHandler 创建默认抓取器, headerProvider可为nil
func NewStaticHandler(cfg StaticHandlerConfig, headerProvider models.HeaderProvider) *StaticHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	// 限流、去重和robots由引擎负责,collector只负责单次抓取
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(&http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	})
	c.SetRequestTimeout(cfg.Timeout)
	// cookie只来自会话
	c.DisableCookies()

	return &StaticHandler{
		cfg:            cfg,
		base:           c,
		headerProvider: headerProvider,
	}
}

// HandleRequest 抓取一个请求
func (h *StaticHandler) HandleRequest(ctx context.Context, req *models.CrawlRequest) (*models.CrawlResult, error) {
	c := h.base.Clone()
	c.Context = ctx
	session := SessionFromContext(ctx)

	result := &models.CrawlResult{
		Request:        req,
		URL:            req.URL,
		ScrapedContent: &models.ScrapedContent{},
	}
	var fetchErr error

	c.OnRequest(func(r *colly.Request) {
		if h.headerProvider != nil {
			headers, err := h.headerProvider.GetHeaders()
			if err != nil {
				log.Warn().Err(err).Msg("获取HTTP头部失败")
			} else {
				for name, values := range headers {
					if len(values) > 0 {
						r.Headers.Set(name, values[0])
					}
				}
			}
		}
		if session != nil {
			session.ApplyHeaders(*r.Headers)
			var cookies []string
			for _, ck := range session.Jar.Cookies(r.URL) {
				cookies = append(cookies, ck.Name+"="+ck.Value)
			}
			if len(cookies) > 0 {
				r.Headers.Set("Cookie", strings.Join(cookies, "; "))
			}
		}
	})

	c.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.URL = r.Request.URL.String()

		if session != nil && r.Headers != nil {
			resp := http.Response{Header: *r.Headers}
			if cks := resp.Cookies(); len(cks) > 0 {
				session.Jar.SetCookies(r.Request.URL, cks)
			}
		}

		// colly只处理gzip,br/deflate在这里解码,后续OnHTML看到的是明文
		if enc := r.Headers.Get("Content-Encoding"); enc != "" {
			body, err := decompressResponse(enc, r.Body)
			if err != nil {
				log.Warn().Err(err).Str("url", result.URL).Str("encoding", enc).Msg("解压响应失败,使用原始内容")
			} else {
				r.Body = body
			}
		}
	})

	c.OnHTML("title", func(e *colly.HTMLElement) {
		if result.Title == "" {
			result.Title = strings.TrimSpace(e.Text)
		}
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if link := e.Request.AbsoluteURL(e.Attr("href")); link != "" {
			result.ScrapedContent.Links = append(result.ScrapedContent.Links, link)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			fetchErr = &HTTPStatusError{URL: r.Request.URL.String(), StatusCode: r.StatusCode}
			return
		}
		fetchErr = err
	})

	if err := c.Visit(req.URL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		var se *HTTPStatusError
		if errors.As(fetchErr, &se) {
			return nil, fetchErr
		}
		return nil, fmt.Errorf("抓取失败 [%s]: %w", req.URL, fetchErr)
	}

	result.LoadedAt = time.Now()
	log.Debug().Str("url", req.URL).Int("status", result.StatusCode).Int("links", len(result.ScrapedContent.Links)).Msg("页面抓取完成")
	return result, nil
}

// decompressResponse 按Content-Encoding解码响应体
// gzip已由colly解码,这里只处理br和deflate
func decompressResponse(contentEncoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "br":
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("brotli读取失败: %w", err)
		}
		return decompressed, nil

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("deflate读取失败: %w", err)
		}
		return decompressed, nil

	default:
		return body, nil
	}
}
