package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/ojama/chat2api-go/internal/auth"
	"github.com/ojama/chat2api-go/internal/chatgpt"
	"github.com/ojama/chat2api-go/internal/config"
	"github.com/ojama/chat2api-go/internal/fingerprint"
	"github.com/ojama/chat2api-go/internal/httpserver"
	"github.com/ojama/chat2api-go/internal/ledger"
	ledgerasync "github.com/ojama/chat2api-go/internal/ledger/async"
	ledgersql "github.com/ojama/chat2api-go/internal/ledger/sqlite"
	"github.com/ojama/chat2api-go/internal/limiter"
	"github.com/ojama/chat2api-go/internal/logging"
	"github.com/ojama/chat2api-go/internal/ratelimit"
	"github.com/ojama/chat2api-go/internal/store"
	"github.com/ojama/chat2api-go/internal/tokenizer"
	"github.com/ojama/chat2api-go/internal/version"
)

// adminRequestsPerMinute guards the token-management endpoints.
const adminRequestsPerMinute = 20

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024)
	logWriter := io.Writer(os.Stdout)
	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotatingWriter(target, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		defer rot.Close()
		logWriter = io.MultiWriter(os.Stdout, rot)
	}
	logger := log.New(logWriter, "[chat2apid] ", log.LstdFlags|log.Lmicroseconds)

	if err := tokenizer.Preload(); err != nil {
		logger.Printf("tokenizer: encoding preload failed, usage counts will be approximate: %v", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("open credential store: %v", err)
	}
	defer st.Close()

	exchanger := auth.NewExchanger(st, cfg.ProxyURLs, logger)
	resolver := auth.NewResolver(&cfg, st, exchanger, logger)
	fingerprints := fingerprint.NewProvider(st, cfg.ImpersonateProfiles, cfg.ProxyURLs)
	rateLimiter := limiter.New(logger)

	var catalogOverride *config.ModelCatalog
	if cfg.ModelCatalogFile != "" {
		override, err := config.LoadModelCatalog(cfg.ModelCatalogFile)
		if err != nil {
			log.Fatalf("load model catalog: %v", err)
		}
		catalogOverride = &override
	}
	catalog := chatgpt.NewCatalog(catalogOverride)

	var usageLedger ledger.Store
	if cfg.LedgerPath != "" {
		sqlStore, err := ledgersql.New(cfg.LedgerPath)
		if err != nil {
			log.Fatalf("open ledger: %v", err)
		}
		usageLedger = ledgerasync.New(sqlStore, ledgerasync.Config{Logger: logger})
		defer usageLedger.Close()
	}

	var adminStore ratelimit.Store
	if cfg.RedisAddr != "" {
		redisStore, err := ratelimit.NewRedisStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"))
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		adminStore = redisStore
		logger.Printf("admin rate limit backed by redis at %s", cfg.RedisAddr)
	} else {
		adminStore = ratelimit.NewMemoryStore()
	}
	defer adminStore.Close()
	adminLimit := ratelimit.NewMiddleware(adminStore, adminRequestsPerMinute, logger)

	orch := chatgpt.NewOrchestrator(&cfg, resolver, fingerprints, rateLimiter, catalog, logger)
	srv := httpserver.New(&cfg, orch, st, usageLedger, adminLimit, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runScheduledRefresh(rootCtx, &cfg, resolver, logger)

	httpSrv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     srv.Router(),
		ReadTimeout: 120 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		color.Green("chat2api-go %s listening on :%d", version.Info(), cfg.Port)
		logger.Printf("listening on :%d prefix=%q pool=%d", cfg.Port, cfg.APIPrefix, st.ActiveCount())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-rootCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// runScheduledRefresh proactively exchanges refresh tokens so access tokens
// never expire mid-conversation. A boot pass fills gaps; the ticker forces
// new exchanges on the configured interval.
func runScheduledRefresh(ctx context.Context, cfg *config.Config, resolver *auth.Resolver, logger *log.Logger) {
	resolver.RefreshAll(ctx, false)
	if !cfg.ScheduledRefresh {
		return
	}

	interval, err := time.ParseDuration(cfg.RefreshInterval)
	if err != nil || interval <= 0 {
		logger.Printf("invalid refresh interval %q, using 48h", cfg.RefreshInterval)
		interval = 48 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Printf("scheduled credential refresh starting")
			resolver.RefreshAll(ctx, true)
		}
	}
}
