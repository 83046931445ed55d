package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/telecall/internal/adapters/devices"
	router "github.com/dkeye/telecall/internal/adapters/http"
	"github.com/dkeye/telecall/internal/adapters/rtc"
	"github.com/dkeye/telecall/internal/adapters/signal"
	"github.com/dkeye/telecall/internal/app"
	"github.com/dkeye/telecall/internal/config"
	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/metrics"
	"github.com/dkeye/telecall/internal/storage"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := storage.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	channel, err := openChannel(ctx, cfg)
	if err != nil {
		return err
	}
	defer channel.Close()

	provider, err := openDevices(cfg)
	if err != nil {
		return err
	}

	rtcCfg := rtc.DefaultConfig()
	rtcCfg.ICEServers = cfg.Media.ICEServers
	peers, err := rtc.NewFactory(rtcCfg)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	calls := app.NewRegistry(app.Config{
		RingTimeout:      cfg.Call.RingTimeout,
		GracePeriod:      cfg.Call.GracePeriod,
		RetainEnded:      cfg.Call.RetainEnded,
		RetainMax:        cfg.Call.RetainMax,
		SubscriberBuffer: cfg.Call.SubscriberBuffer,
	}, app.Deps{
		Channel: channel,
		Devices: provider,
		Peers:   peers,
		Clock:   clock.New(),
		Metrics: metrics.New(reg),
		Store:   store,
		Policy:  app.LossyPolicy{},
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router.SetupRouter(cfg, router.Deps{Calls: calls, Gatherer: reg}),
	}
	return serveHTTP(srv, "telecall server", func(ctx context.Context) {
		if err := calls.Close(ctx); err != nil {
			log.Error().Err(err).Msg("close call registry")
		}
	})
}

func openChannel(ctx context.Context, cfg *config.Config) (core.RendezvousChannel, error) {
	if cfg.Signal.URL == "" {
		log.Info().Str("module", "main").Msg("signaling in-process")
		return signal.NewHub().Endpoint(), nil
	}
	c, err := signal.Dial(ctx, signal.ClientOptions{
		URL:        cfg.Signal.URL,
		PingPeriod: cfg.Signal.PingPeriod,
		ReadLimit:  cfg.Signal.ReadLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("signal relay %s: %w", cfg.Signal.URL, err)
	}
	return c, nil
}

func openDevices(cfg *config.Config) (core.DeviceProvider, error) {
	if cfg.Media.Provider == "system" {
		p, err := devices.NewSystemProvider()
		if err != nil {
			return nil, fmt.Errorf("media devices: %w", err)
		}
		return p, nil
	}
	return devices.NewFakeProvider(), nil
}
