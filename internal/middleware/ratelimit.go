package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhouzirui/kisan-chat/backend/pkg/utils"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按客户端 IP 做令牌桶限流。
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     float64
	burst   int
	idle    time.Duration
	now     func() time.Time
}

// NewRateLimiter 创建限流器；rps <= 0 时返回 nil，表示不限流。
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		rps:     rps,
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

// Allow 判断该客户端此刻是否还有令牌。
func (rl *RateLimiter) Allow(clientID string) bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	now := rl.now()
	c, ok := rl.clients[clientID]
	if !ok {
		rl.cleanupLocked(now)
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.clients[clientID] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// cleanupLocked 清理长时间未出现的客户端。
func (rl *RateLimiter) cleanupLocked(now time.Time) {
	for id, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idle {
			delete(rl.clients, id)
		}
	}
}

// Middleware 超出配额时返回 429。
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			utils.RespondError(w, http.StatusTooManyRequests, "Too many requests, please slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
