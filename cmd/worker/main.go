package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatekeeper/internal/alerts"
	"gatekeeper/internal/attendance"
	"gatekeeper/internal/config"
	"gatekeeper/internal/device"
	"gatekeeper/internal/localtime"
	"gatekeeper/internal/notifier"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/schedule"
	"gatekeeper/internal/session"
	"gatekeeper/internal/store"
)

// Worker runs the periodic jobs: session status sweeps, daily session
// materialization just after local midnight, device health monitoring,
// hourly scan-pattern analysis, and delivery of queued alerts to the
// notifier.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

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
	sessions := session.NewService(sessionRepo, resolver)
	devices := device.NewService(device.NewRepository(db.Client), limiter, publisher, cfg.RegisterLimit, cfg.RegisterWindow)
	scans := attendance.NewService(attendance.NewRepository(db.Client, sessionRepo), resolver, publisher)

	notify := notifier.New(cfg.NotifierURL, cfg.NotifierSkip)
	if !cfg.NotifierSkip {
		if err := notify.Health(ctx); err != nil {
			log.Printf("WARNING: notifier not available: %v", err)
		} else {
			log.Println("notifier connected")
		}
	}

	go runSweep(ctx, sessions, cfg.SweepInterval)
	go runDailyMaterialization(ctx, sessions, resolver)
	go runDeviceHealth(ctx, devices, cfg.HealthInterval)
	go runPatternAnalysis(ctx, scans, cfg.PatternInterval)

	consumeAlerts(ctx, q, notify)
	log.Println("worker stopped")
}

// runSweep transitions session statuses as their windows pass.
func runSweep(ctx context.Context, sessions *session.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opened, closed, err := sessions.SweepStatuses(ctx)
			if err != nil {
				log.Printf("status sweep failed: %v", err)
				continue
			}
			if opened > 0 || closed > 0 {
				log.Printf("status sweep: opened=%d closed=%d", opened, closed)
			}
		}
	}
}

// runDailyMaterialization creates today's sessions shortly after local
// midnight. 00:05 leaves room for calendar edits landing at day change.
func runDailyMaterialization(ctx context.Context, sessions *session.Service, resolver *localtime.Resolver) {
	for {
		localNow := resolver.FromMillis(time.Now().UnixMilli())
		next := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 5, 0, 0, localNow.Location())
		if !next.After(localNow) {
			next = next.AddDate(0, 0, 1)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(localNow)):
		}
		created, err := sessions.MaterializeToday(ctx)
		if err != nil {
			log.Printf("daily materialization failed: %v", err)
			continue
		}
		log.Printf("daily materialization: %d sessions created", created)
	}
}

// runDeviceHealth flags silent devices.
func runDeviceHealth(ctx context.Context, devices *device.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := devices.MonitorHealth(ctx)
			if err != nil {
				log.Printf("device health monitor failed: %v", err)
				continue
			}
			if flagged > 0 {
				log.Printf("device health monitor: %d devices marked offline", flagged)
			}
		}
	}
}

// runPatternAnalysis mines recent scan telemetry for cheating patterns.
func runPatternAnalysis(ctx context.Context, scans *attendance.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raised, err := scans.AnalyzeSuspiciousActivity(ctx)
			if err != nil {
				log.Printf("pattern analysis failed: %v", err)
				continue
			}
			if raised > 0 {
				log.Printf("pattern analysis: %d suspicious patterns flagged", raised)
			}
		}
	}
}

// consumeAlerts forwards queued alerts to the notifier. Delivery failures
// are logged and dropped; the alert row itself is already persisted.
func consumeAlerts(ctx context.Context, q alerts.Queue, notify *notifier.Client) {
	ch, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}
	log.Println("worker started, waiting for alerts...")
	for a := range ch {
		if err := notify.Send(ctx, a); err != nil {
			log.Printf("alert delivery failed for %s: %v", a.Type, err)
			continue
		}
		log.Printf("alert delivered: %s (%s)", a.Type, a.Severity)
	}
}
