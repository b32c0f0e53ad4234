package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a per-client token bucket refilled continuously over window.
type RateLimiter struct {
	mutex   sync.Mutex
	clients map[string]*bucket
	rate    int
	window  time.Duration
	idleTTL time.Duration
	now     func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	if rate <= 0 {
		rate = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		clients:  make(map[string]*bucket),
		rate:     rate,
		window:   window,
		idleTTL:  time.Hour,
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (rl *RateLimiter) Start() {
	go rl.cleanupLoop()
}

func (rl *RateLimiter) Stop() {
	close(rl.stopChan)
	<-rl.doneChan
}

func (rl *RateLimiter) cleanupLoop() {
	defer close(rl.doneChan)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stopChan:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	for key, b := range rl.clients {
		if now.Sub(b.lastUpdate) > rl.idleTTL {
			delete(rl.clients, key)
		}
	}
}

// Allow consumes one token for key when available.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	b, ok := rl.clients[key]
	if !ok {
		b = &bucket{tokens: float64(rl.rate), lastUpdate: now}
		rl.clients[key] = b
	}

	refill := float64(rl.rate) * now.Sub(b.lastUpdate).Seconds() / rl.window.Seconds()
	b.tokens = min(b.tokens+refill, float64(rl.rate))
	b.lastUpdate = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// ClientKey identifies the caller by the first forwarded address, falling
// back to the connection's host.
func ClientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	limit := strconv.Itoa(limiter.rate)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(ClientKey(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
