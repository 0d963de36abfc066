package web

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Nothing4You/lemmy/activitypub"
	"github.com/Nothing4You/lemmy/domain"
	"github.com/Nothing4You/lemmy/util"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const callerKey = "caller"

// RateLimiter tracks one token bucket per client IP. Idle entries are
// evicted in the background so the map stays bounded.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rate    rate.Limit
	burst   int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-IP limiter allowing r requests per second
// with burst b, and starts its eviction loop.
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	rl := &RateLimiter{
		entries: make(map[string]*limiterEntry),
		rate:    r,
		burst:   b,
	}
	go rl.evictLoop()
	return rl
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()
	return entry.limiter.Allow()
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		rl.mu.Lock()
		for ip, entry := range rl.entries {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.entries, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware rejects requests from IPs that exhausted their bucket.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// MaxBytesMiddleware caps the request body size. Oversized bodies are
// refused by Content-Length where declared and cut off by MaxBytesReader
// otherwise.
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// authedCaller is the identity behind a valid API token.
type authedCaller struct {
	Person *domain.Person
	User   *domain.LocalUser
}

var errBadToken = errors.New("invalid api token")

// authenticate resolves the Authorization header to a local user. A missing
// header yields (nil, nil); a present but unknown token is an error, never
// silently anonymous.
func (s *Server) authenticate(c *gin.Context) (*authedCaller, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return nil, nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return nil, errBadToken
	}

	user, err := s.Db.LocalUserByTokenHash(c.Request.Context(), util.ApiTokenHash(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, errBadToken
		}
		return nil, err
	}
	person, err := s.Db.PersonById(c.Request.Context(), user.PersonId)
	if err != nil {
		return nil, err
	}
	return &authedCaller{Person: person, User: user}, nil
}

// optionalAuth resolves the caller when a token is present. Requests
// without a token continue anonymously.
func (s *Server) optionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := s.authenticate(c)
		if err != nil {
			s.abortAuthError(c, err)
			return
		}
		if caller != nil {
			c.Set(callerKey, caller)
		}
		c.Next()
	}
}

// requireAuth rejects requests that do not carry a valid token.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := s.authenticate(c)
		if err != nil {
			s.abortAuthError(c, err)
			return
		}
		if caller == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// requireAdmin runs after requireAuth and additionally demands the admin
// flag.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := callerFrom(c)
		if caller == nil || !caller.User.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin required"})
			return
		}
		c.Next()
	}
}

func (s *Server) abortAuthError(c *gin.Context, err error) {
	if errors.Is(err, errBadToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api token"})
		return
	}
	s.Log.Error("authentication lookup failed", zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func callerFrom(c *gin.Context) *authedCaller {
	v, ok := c.Get(callerKey)
	if !ok {
		return nil
	}
	caller, ok := v.(*authedCaller)
	if !ok {
		return nil
	}
	return caller
}

// apCaller maps the HTTP identity onto the resolver's caller model.
func apCaller(c *gin.Context) activitypub.Caller {
	caller := callerFrom(c)
	if caller == nil {
		return activitypub.Caller{}
	}
	return activitypub.Caller{Authenticated: true, Admin: caller.User.Admin}
}
