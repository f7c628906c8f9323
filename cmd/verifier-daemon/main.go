package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meld/authcore/internal/distribution"
	"meld/authcore/internal/platform/privacylog"
	"meld/authcore/internal/platform/replayguard"
	"meld/authcore/internal/revocation"
	"meld/authcore/internal/storage"
	"meld/authcore/internal/verifier"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to verifier.yaml (optional)")
	listen := flag.String("listen", "", "HTTP listen address override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("meld-verifier version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	cfg := verifier.LoadFromPath(*configPath)
	if *listen != "" {
		cfg.Listen = *listen
	}
	if cfg.RelyingPartyID == "" {
		logger.Error("relying party id is not configured")
		os.Exit(1)
	}
	if cfg.TrustBundlePath == "" {
		logger.Error("trust bundle path is not configured")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bundleRaw, err := os.ReadFile(cfg.TrustBundlePath)
	if err != nil {
		logger.Error("read trust bundle failed", "reason", err.Error())
		os.Exit(1)
	}
	bundle, err := revocation.ParseTrustBundle(bundleRaw)
	if err != nil {
		logger.Error("trust bundle rejected", "reason", err.Error())
		os.Exit(1)
	}

	var store distribution.Store
	if len(cfg.Gateways) > 0 {
		store, err = distribution.NewGatewayClient(cfg.Gateways, cfg.FetchTimeout, logger)
		if err != nil {
			logger.Error("gateway client init failed", "reason", err.Error())
			os.Exit(1)
		}
	} else {
		logger.Warn("no gateways configured, using in-process content store")
		store = distribution.NewMemory()
	}

	var cache storage.KV
	if cfg.CachePath != "" {
		fileCache := storage.NewFile(cfg.CachePath)
		if err := fileCache.Bootstrap(); err != nil {
			logger.Error("cache bootstrap failed", "reason", err.Error())
			os.Exit(1)
		}
		cache = fileCache
	} else {
		cache = storage.NewMemory()
	}

	registry, err := revocation.NewRegistry(revocation.RegistryConfig{
		Channel:      cfg.Channel,
		StaleWindow:  cfg.StaleWindow,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       logger,
	}, bundle, store, cache)
	if err != nil {
		logger.Error("registry init failed", "reason", err.Error())
		os.Exit(1)
	}

	svc, err := verifier.New(verifier.Config{
		RelyingPartyID: cfg.RelyingPartyID,
		ChallengeTTL:   cfg.ChallengeTTL,
		Limiter:        cfg.Limiter,
		Replay:         replayguard.Config{MaxAge: cfg.NonceMaxAge},
		Logger:         logger,
	}, registry)
	if err != nil {
		logger.Error("verifier init failed", "reason", err.Error())
		os.Exit(1)
	}

	// Initial sync is best effort; the daemon starts on the cached list
	// if the gateways are unreachable.
	if err := svc.RefreshRevocations(ctx); err != nil {
		logger.Warn("initial revocation sync failed", "reason", err.Error())
	}

	go svc.Run(ctx)
	go registry.Run(ctx, cfg.RefreshInterval)

	if cfg.AnnounceEnabled {
		announcer, err := revocation.NewAnnouncer(cfg.Announce, logger)
		if err != nil {
			logger.Error("announcer init failed", "reason", err.Error())
			os.Exit(1)
		}
		if err := announcer.Start(ctx); err != nil {
			logger.Warn("announcer start failed, relying on periodic refresh", "reason", err.Error())
		} else {
			defer announcer.Stop()
			err := announcer.OnAnnouncement(func(ann revocation.Announcement) {
				if ann.Version <= registry.Status().Version {
					return
				}
				refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				if err := svc.RefreshRevocations(refreshCtx); err != nil {
					logger.Warn("announced refresh failed", "reason", err.Error())
				}
			})
			if err != nil {
				logger.Warn("announcement subscribe failed", "reason", err.Error())
			}
		}
	}

	server := verifier.NewServer(svc, verifier.ServerConfig{
		PerIPRPS:   cfg.PerIPRPS,
		PerIPBurst: cfg.PerIPBurst,
		Logger:     logger,
	})

	logger.Info("meld-verifier starting", "listen", cfg.Listen, "channel", cfg.Channel)
	if err := server.Serve(ctx, cfg.Listen); err != nil {
		logger.Error("meld-verifier failed", "reason", err.Error())
		os.Exit(1)
	}
	logger.Info("meld-verifier stopped")
}
