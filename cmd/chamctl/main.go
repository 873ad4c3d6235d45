package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/chamctl/internal/bluez"
	"github.com/danmuck/chamctl/internal/config"
	"github.com/danmuck/chamctl/internal/controller"
	"github.com/danmuck/chamctl/internal/events"
	"github.com/danmuck/chamctl/internal/observability"
	"github.com/danmuck/chamctl/internal/server"
	"github.com/danmuck/chamctl/internal/store"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/chamctl/config.toml", "config path")
	noConsole := flag.Bool("no-console", false, "disable the stdin command console")
	flag.Parse()

	logger := observability.InitLogger("chamctl")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load chamctl config")
	}
	log.Info().Str("path", *configPath).Str("adapter", cfg.Adapter).Msg("loaded chamctl config")

	peers, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open peer store")
	}

	bcfg := bluez.DefaultConfig()
	bcfg.Adapter = cfg.Adapter
	tr, err := bluez.Dial(bcfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to attach to bluez")
	}
	defer tr.Close()

	hub := server.NewHub()
	ctl, err := controller.New(controller.Options{
		Link:      cfg.Link,
		Transport: tr,
		Store:     peers,
		Sink:      events.Multi{events.LogSink{Logger: logger}, hub},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build controller")
	}
	if bcfg.RegisterAgent {
		if err := tr.RegisterAgent(ctl.Security()); err != nil {
			log.Warn().Err(err).Msg("pairing agent not registered; bluez default agent will answer")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-ctl.Machine().Failures():
				log.Error().Err(err).Msg("link failure")
			}
		}
	}()

	if cfg.DiagAddr != "" {
		diag := server.New(cfg.DiagAddr, ctl, hub, cfg.CorsOrigins)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := diag.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("diagnostics server stopped")
			}
		}()
	}

	if !*noConsole {
		go func() {
			if err := runConsole(ctx, os.Stdin, os.Stdout, ctl); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("console stopped")
			}
			stop()
		}()
	}

	if err := ctl.Run(ctx); err != nil {
		log.Error().Err(err).Msg("controller stopped")
	}
	if tr.Connected() {
		if err := tr.Disconnect(); err != nil {
			log.Debug().Err(err).Msg("disconnect on shutdown")
		}
	}
	wg.Wait()
	log.Info().Msg("chamctl stopped")
}
