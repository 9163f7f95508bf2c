package crawlers

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// 默认的User-Agent轮换列表
var defaultSessionUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// Session 一个请求身份: cookie、User-Agent和附加请求头
type Session struct {
	ID        string
	UserAgent string
	Headers   http.Header
	Jar       http.CookieJar
	CreatedAt time.Time

	mu         sync.Mutex
	usageCount int
	errorScore float64
	retired    bool
}

// UsageCount 已使用次数
func (s *Session) UsageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageCount
}

// ErrorScore 当前错误分
func (s *Session) ErrorScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorScore
}

// IsRetired 是否已退役
func (s *Session) IsRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// ApplyHeaders 将会话的User-Agent和请求头写入h
func (s *Session) ApplyHeaders(h http.Header) {
	for k, vs := range s.Headers {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if s.UserAgent != "" {
		h.Set("User-Agent", s.UserAgent)
	}
}

// SessionPoolConfig 会话池配置
type SessionPoolConfig struct {
	MaxPoolSize   int     // 最多同时存活的会话数 (默认:10)
	MaxUsageCount int     // 单个会话最多使用次数,超过后退役 (默认:50)
	MaxErrorScore float64 // 错误分达到该值后退役 (默认:3)

	UserAgents []string    // 轮换的User-Agent,为空时使用内置列表
	Headers    http.Header // 所有会话共享的基础请求头
}

// SessionPool 会话轮换池
// 会话在使用次数或错误分超限后退役,由新会话补位
type SessionPool struct {
	cfg SessionPoolConfig

	mu       sync.Mutex
	sessions []*Session
	rnd      *rand.Rand
	created  int
	retired  int
}

// NewSessionPool 创建会话池
func NewSessionPool(cfg SessionPoolConfig) *SessionPool {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 10
	}
	if cfg.MaxUsageCount <= 0 {
		cfg.MaxUsageCount = 50
	}
	if cfg.MaxErrorScore <= 0 {
		cfg.MaxErrorScore = 3
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = defaultSessionUserAgents
	}
	return &SessionPool{
		cfg: cfg,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetSession 取一个可用会话
// 池未满时新建,否则从存活会话中随机挑选
func (p *SessionPool) GetSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()

	var s *Session
	if len(p.sessions) < p.cfg.MaxPoolSize {
		s = p.newSessionLocked()
		p.sessions = append(p.sessions, s)
	} else {
		s = p.sessions[p.rnd.Intn(len(p.sessions))]
	}

	s.mu.Lock()
	s.usageCount++
	s.mu.Unlock()
	return s
}

func (p *SessionPool) newSessionLocked() *Session {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	headers := p.cfg.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	p.created++
	return &Session{
		ID:        models.NewID(),
		UserAgent: p.cfg.UserAgents[p.rnd.Intn(len(p.cfg.UserAgents))],
		Headers:   headers,
		Jar:       jar,
		CreatedAt: time.Now(),
	}
}

// pruneLocked 移除已退役或用尽的会话
func (p *SessionPool) pruneLocked() {
	alive := p.sessions[:0]
	for _, s := range p.sessions {
		s.mu.Lock()
		exhausted := s.retired || s.usageCount >= p.cfg.MaxUsageCount || s.errorScore >= p.cfg.MaxErrorScore
		if exhausted && !s.retired {
			s.retired = true
		}
		s.mu.Unlock()
		if exhausted {
			p.retired++
			log.Debug().Str("session", s.ID).Msg("会话退役")
			continue
		}
		alive = append(alive, s)
	}
	for i := len(alive); i < len(p.sessions); i++ {
		p.sessions[i] = nil
	}
	p.sessions = alive
}

// MarkGood 请求成功,错误分衰减
func (p *SessionPool) MarkGood(s *Session) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorScore -= 0.5
	if s.errorScore < 0 {
		s.errorScore = 0
	}
}

// MarkBad 请求失败,错误分加1
func (p *SessionPool) MarkBad(s *Session) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorScore++
}

// Retire 立即退役会话(如被目标站点封禁)
func (p *SessionPool) Retire(s *Session) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}

// Size 存活会话数
func (p *SessionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	return len(p.sessions)
}

// Stats 返回创建和退役的会话总数
func (p *SessionPool) Stats() (created, retired int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, p.retired
}

type sessionKey struct{}

// WithSession 将会话放入上下文,供RequestHandler读取
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext 从上下文取出会话,没有时返回nil
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}
