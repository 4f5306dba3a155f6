package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"roomcall/internal/config"
	"roomcall/internal/logging"
	"roomcall/internal/metrics"
	"roomcall/internal/relay"
)

const helpText = `roomrelay - Room relay for roomcall participants

Usage:
  roomrelay [options]

Every signal a participant sends to /rooms/{room}/ws is delivered to all
participants of that room, the sender included.

Environment Variables (optional):
  ROOMRELAY_ADDR       Listen address (default :8080)
  ROOMCALL_LOG_LEVEL   trace, debug, info, warn or error (default info)
  ROOMCALL_LOG_PRETTY  Human readable logs

Endpoints:
  GET /rooms/{room}/ws  Signal stream
  GET /healthz          Liveness
  GET /metrics          Prometheus metrics

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Error().Err(err).Msg("load config")
		return 1
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		log.Error().Err(err).Msg("setup logging")
		return 1
	}
	l := logging.Component("main")

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	relayMetrics := metrics.NewRelay(reg)

	broker := relay.NewBroker(relayMetrics)
	defer broker.Close()
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relay.NewServer(broker, relayMetrics, reg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info().Str("addr", cfg.Addr).Msg("relay listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer ossignal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		l.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("listen")
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		l.Warn().Err(err).Msg("shutdown")
	}

	l.Info().Msg("done")
	return 0
}
