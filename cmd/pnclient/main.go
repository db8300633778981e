package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/pnclient/internal/admin"
	"github.com/danmuck/pnclient/internal/client"
	"github.com/danmuck/pnclient/internal/config"
	"github.com/danmuck/pnclient/internal/logging"
	"github.com/danmuck/pnclient/internal/observability"
	"github.com/danmuck/pnclient/internal/stanza"
	"github.com/danmuck/pnclient/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const closeTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "pnclient.toml", "client config path")
	initKind := flag.String("init", "", "write a config template (client|dev) to -config and exit")
	force := flag.Bool("force", false, "overwrite an existing config with -init")
	flag.Parse()

	logging.ConfigureRuntime()

	if *initKind != "" {
		if err := config.WriteTemplate(*configPath, *initKind, *force); err != nil {
			fmt.Fprintf(os.Stderr, "pnclient: %v\n", err)
			os.Exit(1)
		}
		log.Info().Str("kind", *initKind).Str("path", *configPath).Msg("pnclient wrote config template")
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "pnclient: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	fc, err := config.LoadClientConfig(path)
	if err != nil {
		return err
	}
	kv, err := store.OpenFile(fc.Store.Path)
	if err != nil {
		return err
	}
	log.Info().Str("path", kv.Path()).Int("keys", len(kv.Keys())).Msg("pnclient opened state store")

	cfg := clientConfig(fc)
	cfg.Metrics = observability.NewClientMetrics(prometheus.DefaultRegisterer)
	mgr, err := client.NewManager(cfg, kv, notificationSink(logging.Component("notifications")))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if !fc.Admin.Disabled {
		gin.SetMode(gin.ReleaseMode)
		srv := admin.New(admin.Options{
			Addr:        fc.Admin.Addr,
			CorsOrigins: fc.Admin.CorsOrigins,
			Token:       fc.Admin.Token,
		}, mgr)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		mgr.Connect()
		<-gctx.Done()
		log.Info().Msg("pnclient shutting down")
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return mgr.Close(closeCtx)
	})

	return g.Wait()
}

func notificationSink(logger zerolog.Logger) client.SinkFunc {
	return func(n stanza.Notification) {
		logger.Info().
			Str("id", n.ID).
			Str("title", n.Title).
			Str("message", n.Message).
			Str("uri", n.URI).
			Msg("pnclient notification")
	}
}
