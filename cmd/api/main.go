package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatekeeper/internal/alerts"
	"gatekeeper/internal/attendance"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/config"
	"gatekeeper/internal/device"
	"gatekeeper/internal/httpmiddleware"
	"gatekeeper/internal/localtime"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/schedule"
	"gatekeeper/internal/session"
	"gatekeeper/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// services bundles what the route files need.
type services struct {
	cfg        config.App
	schedule   *schedule.Service
	sessions   *session.Service
	attendance *attendance.Service
	devices    *device.Service
	alertRepo  *alerts.Repository
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q alerts.Queue
	if cfg.QueueBackend == "memory" {
		q = alerts.NewInMemory(64)
	} else {
		q = alerts.NewRedisQueue(redisClient.Client, "gatekeeper:alerts")
	}

	var limiter ratelimit.Limiter
	if redisClient.Client != nil {
		limiter = ratelimit.NewRedis(redisClient.Client)
	} else {
		limiter = ratelimit.NewMemory()
	}

	resolver := localtime.NewResolver(cfg.LocalUTCOffset)

	alertRepo := alerts.NewRepository(db.Client)
	publisher := alerts.NewPublisher(alertRepo, q)

	scheduleRepo := schedule.NewRepository(db.Client)
	sessionRepo := session.NewRepository(db.Client, scheduleRepo)
	attendanceRepo := attendance.NewRepository(db.Client, sessionRepo)
	deviceRepo := device.NewRepository(db.Client)

	svc := services{
		cfg:        cfg,
		schedule:   schedule.NewService(scheduleRepo, resolver),
		sessions:   session.NewService(sessionRepo, resolver),
		attendance: attendance.NewService(attendanceRepo, resolver, publisher),
		devices:    device.NewService(deviceRepo, limiter, publisher, cfg.RegisterLimit, cfg.RegisterWindow),
		alertRepo:  alertRepo,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		redisHealthy := redisClient.Healthy(pingCtx)
		dbHealthy := db.Client.PingContext(pingCtx) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	registerHardwareRoutes(r, svc)

	// Bootstrap shortcut for local stacks: mint a principal without an
	// identity provider. Never mounted in production.
	if gin.Mode() != gin.ReleaseMode {
		r.POST("/v1/auth/dev-token", func(c *gin.Context) {
			var req struct {
				UserID string `json:"userId" binding:"required"`
				Role   string `json:"role" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			token, exp, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"token": token, "expiresAt": exp.Unix()})
		})
	}

	authed := r.Group("/v1", auth.Middleware(cfg.JWTSigningKey, cfg.JWTIssuer))
	registerAttendanceRoutes(authed, svc)
	registerAdminRoutes(authed, svc)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
