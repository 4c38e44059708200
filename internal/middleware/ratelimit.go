package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/issuedesk/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	LoginRate       rate.Limit    // ログイン・登録のレート（req/sec）
	LoginBurst      int           // ログイン・登録のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/プリンシパル、ログイン 10 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteRateLimiterConfig(120, 10)
}

// PerMinuteRateLimiterConfig は1分あたりの回数から設定を作る。
func PerMinuteRateLimiterConfig(generalPerMin, loginPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    max(generalPerMin, 1),
		LoginRate:       rate.Limit(float64(loginPerMin) / 60.0),
		LoginBurst:      max(loginPerMin, 1),
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターと最終アクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はキー（プリンシパルIDやIPアドレス）ごとのリミッター集合。
type limiterSet struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*keyedLimiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{limit: limit, burst: burst, limiters: make(map[string]*keyedLimiter)}
}

// allow はキーのリミッターを取得または作成し、1トークン消費できるかを返す。
func (s *limiterSet) allow(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	kl, ok := s.limiters[key]
	if !ok {
		kl = &keyedLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = kl
	}
	kl.lastAccess = now
	return kl.limiter.AllowN(now, 1)
}

// evict は最終アクセスからttlを超えたエントリを削除する。
func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// RateLimiter はAPI全般（プリンシパル単位）とログイン（クライアントIP単位）のレート制限を管理する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	login   *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet(config.GeneralRate, config.GeneralBurst),
		login:   newLimiterSet(config.LoginRate, config.LoginBurst),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止し、終了を待つ。
// 複数回呼び出してもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	<-rl.done
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := SessionFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			if !rl.general.allow(session.PrincipalID, time.Now()) {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("principal_id", session.PrincipalID),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoginMiddleware はログイン・登録用のクライアントIP単位のレート制限ミドルウェアを返す。
// 認証前に適用するためセッションを必要としない。
func (rl *RateLimiter) LoginMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !rl.login.allow(ip, time.Now()) {
				writeRateLimitResponse(w, rl.config.LoginRate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "login"),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// LoginLimiterCount は現在管理されているログインリミッターのエントリ数を返す。
func (rl *RateLimiter) LoginLimiterCount() int {
	return rl.login.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	defer close(rl.done)
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evict(now, ttl)
	rl.login.evict(now, ttl)
}

// clientIP はRemoteAddrからポートを除いたアドレスを返す。
// プロキシ配下ではchiのRealIPミドルウェアがRemoteAddrを書き換える。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = max(int(math.Ceil(1.0/float64(r))), 1)
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     "RATE_LIMITED",
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	})
}
