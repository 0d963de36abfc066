package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Nothing4You/lemmy/activitypub"
	"github.com/Nothing4You/lemmy/db"
	"github.com/Nothing4You/lemmy/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/time/rate"
)

// Server wires the HTTP surface to the federation core. Every dependency is
// explicit; nothing reaches for globals.
type Server struct {
	Db         *db.DB
	Conf       *util.AppConfig
	Pipeline   *activitypub.Pipeline
	Dispatcher *activitypub.Dispatcher
	Resolver   *activitypub.Resolver
	Fetcher    *activitypub.Fetcher
	Log        *zap.Logger
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}

	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(10), 20)))

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/u/:name", s.handlePersonActor)
	g.GET("/c/:name", s.handleCommunityActor)
	g.GET("/feeds/c/:name", s.handleCommunityFeed)
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.Conf.Conf.Federation {
		// Federation traffic gets a stricter budget and a body cap
		inboxLimiter := NewRateLimiter(rate.Limit(5), 10)
		g.POST("/inbox", RateLimitMiddleware(inboxLimiter), MaxBytesMiddleware(1<<20), s.handleInbox)
	}

	api := g.Group("/api/v3")
	api.GET("/site", s.handleGetSite)
	api.GET("/community/list", s.handleListCommunities)
	api.GET("/resolve_object", s.optionalAuth(), s.handleResolveObject)
	api.POST("/vote", s.requireAuth(), s.handleVote)

	admin := api.Group("/admin", s.requireAuth(), s.requireAdmin())
	admin.POST("/site", s.handleEditSite)
	admin.POST("/purge/community", s.handlePurgeCommunity)

	return g
}

// Run serves the router until ctx is cancelled, then shuts down gracefully.
// With acmeTls enabled the server obtains certificates for the configured
// domain via Let's Encrypt and additionally answers HTTP-01 challenges on
// port 80.
func (s *Server) Run(ctx context.Context) error {
	router := s.Router()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.Conf.Conf.Host, s.Conf.Conf.HttpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var acmeChallenges *http.Server
	if s.Conf.Conf.AcmeTls {
		cacheDir, err := util.GetConfigDir()
		if err != nil {
			return fmt.Errorf("failed to locate certificate cache: %w", err)
		}
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.Conf.Conf.Domain),
			Cache:      autocert.DirCache(filepath.Join(cacheDir, "autocert")),
		}
		srv.TLSConfig = manager.TLSConfig()
		acmeChallenges = &http.Server{
			Addr:              fmt.Sprintf("%s:80", s.Conf.Conf.Host),
			Handler:           manager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := acmeChallenges.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Log.Error("acme challenge listener failed", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if acmeChallenges != nil {
			if err := acmeChallenges.Shutdown(shutdownCtx); err != nil {
				s.Log.Warn("acme listener shutdown failed", zap.Error(err))
			}
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.Log.Warn("http shutdown failed", zap.Error(err))
		}
	}()

	s.Log.Info("http server listening", zap.String("addr", srv.Addr), zap.Bool("tls", s.Conf.Conf.AcmeTls))
	var err error
	if s.Conf.Conf.AcmeTls {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
