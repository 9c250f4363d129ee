// Command gitcdn runs the caching Git reverse proxy: a smart-HTTP
// front for one upstream Git server that caches computed packs and LFS
// objects on local disk. TLS, authentication and load balancing belong to
// the front proxy; this process only speaks plain HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/git-cdn/internal/bootstrap"
	"gitlab.com/gitlab-org/git-cdn/internal/gitcdn/config"
	"gitlab.com/gitlab-org/git-cdn/internal/gitcdn/service/smarthttp"
	"gitlab.com/gitlab-org/git-cdn/internal/helper/perm"
	"gitlab.com/gitlab-org/git-cdn/internal/lfs"
	"gitlab.com/gitlab-org/git-cdn/internal/log"
	"gitlab.com/gitlab-org/git-cdn/internal/mirror"
	"gitlab.com/gitlab-org/git-cdn/internal/packcache"
	"gitlab.com/gitlab-org/git-cdn/internal/pathlock"
	"gitlab.com/gitlab-org/git-cdn/internal/streamcache"
	"gitlab.com/gitlab-org/git-cdn/internal/upstream"
	"gitlab.com/gitlab-org/git-cdn/internal/version"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitcdn: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := log.Configure(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err := log.ConfigureSentry(logger, cfg.SentryDSN, version.GetVersion()); err != nil {
		logger.WithError(err).Error("sentry initialization failed")
	}
	defer log.FlushSentry(2 * time.Second)

	entry := logger.WithField("pid", os.Getpid())
	entry.WithField("version", version.GetVersion()).Info("starting gitcdn")

	if err := run(cfg, entry); err != nil {
		entry.WithError(err).Error("gitcdn exiting with error")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logrus.Entry) error {
	for _, dir := range []string{cfg.GitRoot(), cfg.PackCacheDir(), cfg.LFSCacheDir()} {
		if err := os.MkdirAll(dir, perm.SharedDir); err != nil {
			return fmt.Errorf("create cache directory: %w", err)
		}
	}

	locker := pathlock.NewManager(cfg.LockTimeout.Duration())

	upstreamClient, err := upstream.New(cfg.Upstream, cfg.MaxConnections, cfg.UpstreamConnectTimeout.Duration(), logger)
	if err != nil {
		return err
	}

	packs := packcache.New(cfg.PackCacheDir(), cfg.PackCacheMaxBytes(), cfg.PackCacheMaxAge(), locker, logger)
	defer packs.Stop()

	lfsCache := streamcache.New(streamcache.Config{
		Dir:      cfg.LFSCacheDir(),
		MaxBytes: cfg.LFSCacheMaxBytes(),
	}, locker, logger)

	lfsManager, err := lfs.NewManager(lfsCache, upstreamClient, cfg.UpstreamLFSReadTimeout.Duration(), logger)
	if err != nil {
		return err
	}
	defer lfsManager.Stop()

	mirrors := mirror.NewManager(mirror.Config{
		Root:          cfg.GitRoot(),
		Upstream:      cfg.Upstream,
		TTL:           cfg.MirrorTTL.Duration(),
		GitTimeout:    cfg.GitProcessTimeout.Duration(),
		FetchAttempts: cfg.BackoffCount,
		BackoffStart:  cfg.BackoffStart.Duration(),
	}, locker, logger)

	server := smarthttp.NewServer(cfg, logger, upstreamClient, packs, lfsManager, mirrors)

	boot, err := bootstrap.New(logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer boot.Stop()

	listener, err := boot.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", cfg.ListenAddr, err)
	}

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	var g errgroup.Group
	shutdown := []func(context.Context) error{httpServer.Shutdown}

	g.Go(func() error {
		logger.WithField("address", cfg.ListenAddr).Info("serving git traffic")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if cfg.PrometheusListenAddr != "" {
		promListener, err := boot.Listen("tcp", cfg.PrometheusListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %q: %w", cfg.PrometheusListenAddr, err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		promServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		shutdown = append(shutdown, promServer.Shutdown)

		g.Go(func() error {
			logger.WithField("address", cfg.PrometheusListenAddr).Info("serving prometheus metrics")
			if err := promServer.Serve(promListener); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if err := boot.Ready(); err != nil {
		return fmt.Errorf("signaling readiness: %w", err)
	}

	g.Go(func() error {
		boot.WaitForShutdown(shutdown...)
		return nil
	})

	return g.Wait()
}
