package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	router "github.com/dkeye/telecall/internal/adapters/http"
	"github.com/dkeye/telecall/internal/adapters/signal"
)

func runRelay(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	relay := signal.NewRelay(cfg.Signal.ReadLimit)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router.SetupRouter(cfg, router.Deps{Relay: relay, Gatherer: reg}),
	}
	return serveHTTP(srv, "signaling relay", func(context.Context) {
		relay.DisconnectAll()
	})
}
