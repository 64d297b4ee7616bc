package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/codesync/codesync/config"
	"github.com/codesync/codesync/relay"
	httpServer "github.com/codesync/codesync/server/http"
	websocketServer "github.com/codesync/codesync/server/websocket"
	"github.com/codesync/codesync/service"
	store "github.com/codesync/codesync/storage/memory"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to yaml config file")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "websocket relay listen address")
		logLevel      = fs.StringP("log-level", "l", "", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, cfgPath, err := config.Load(&logger, *configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load config")
	}
	if *apiListenAddr != "" {
		cfg.APIAddr = *apiListenAddr
	}
	if *wsListenAddr != "" {
		cfg.WSAddr = *wsListenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	registry := store.NewMemStore()
	svc := service.NewService(service.Config{
		Registry: registry,
		Relay:    relay.New(&logger),
		Logger:   &logger,
	})
	apiSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		RoomDirectory: registry,
		ListenAddr:    cfg.APIAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:          &logger,
		SessionService:  svc,
		ListenAddr:      cfg.WSAddr,
		EventsPerSecond: cfg.EventsPerSecond,
		EventsBurst:     cfg.EventsBurst,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go apiSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
