package middleware

import (
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// Defaults sized for one mobile client polling its own challenge list.
	defaultRequestsPerSecond = 5.0
	defaultBurst             = 30

	visitorTTL = 3 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex

	limitsOnce sync.Once
	perSecond  rate.Limit
	burst      int
)

// limitsFromEnv reads RATE_LIMIT_RPS and RATE_LIMIT_BURST, falling back to
// the defaults on absent or malformed values.
func limitsFromEnv() (rate.Limit, int) {
	rps := defaultRequestsPerSecond
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			rps = parsed
		} else {
			log.Printf("RateLimitMiddleware: ignoring invalid RATE_LIMIT_RPS %q", v)
		}
	}
	b := defaultBurst
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			b = parsed
		} else {
			log.Printf("RateLimitMiddleware: ignoring invalid RATE_LIMIT_BURST %q", v)
		}
	}
	return rate.Limit(rps), b
}

// RateLimitMiddleware throttles per client IP. Limits come from the
// environment, read once on first use.
func RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip, _, _ = net.SplitHostPort(r.RemoteAddr)
		}

		if !getLimiter(ip).Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getLimiter(ip string) *rate.Limiter {
	limitsOnce.Do(func() {
		perSecond, burst = limitsFromEnv()
	})

	mu.Lock()
	defer mu.Unlock()

	v, exists := visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(perSecond, burst)
		visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// CleanupVisitors drops limiters for IPs idle longer than visitorTTL.
// Run as a goroutine from main.
func CleanupVisitors() {
	for {
		time.Sleep(time.Minute)
		mu.Lock()
		for ip, v := range visitors {
			if time.Since(v.lastSeen) > visitorTTL {
				delete(visitors, ip)
			}
		}
		mu.Unlock()
	}
}
