package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"roomcall/internal/config"
	"roomcall/internal/domain"
	"roomcall/internal/logging"
	"roomcall/internal/metrics"
	"roomcall/internal/negotiator"
	sigclient "roomcall/internal/signal"
	"roomcall/internal/webrtc"
)

const helpText = `roomcall - Two-party WebRTC call through a room relay

Usage:
  roomcall [options]

Joins a room on the relay and waits. Type a command on stdin:
  call        send an offer to the other participant
  state       print the signaling and connection state
  say <text>  send text on the room data channel
  quit        leave the room

Environment Variables (required):
  ROOMCALL_RELAY_URL  Relay base URL, e.g. ws://localhost:8080
  ROOMCALL_ROOM       Room to join

Environment Variables (optional):
  ROOMCALL_ICE_SERVERS     Comma separated STUN/TURN URLs (default Google STUN)
  ROOMCALL_ICE_USERNAME    TURN username
  ROOMCALL_ICE_CREDENTIAL  TURN credential
  ROOMCALL_MEDIA_FILE      H264 Annex-B file to send as video
  ROOMCALL_FPS             Frame rate of the media file (default 30)
  ROOMCALL_VIDEO_OUT       Remote H264 destination, "-" for stdout
  ROOMCALL_AUTO_CALL       Call as soon as the room is joined
  ROOMCALL_METRICS_ADDR    Serve Prometheus metrics on this address
  ROOMCALL_LOG_LEVEL       trace, debug, info, warn or error (default info)
  ROOMCALL_LOG_PRETTY      Human readable logs

Examples:
  # Call and play the remote video
  ROOMCALL_AUTO_CALL=1 ROOMCALL_VIDEO_OUT=- roomcall | ffplay -f h264 -

Options:
  -h, --help  Show this help message
`

const callTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always happens.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("load config")
		return 1
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		log.Error().Err(err).Msg("setup logging")
		return 1
	}
	l := logging.Component("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer ossignal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			l.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	videoOut, closeVideo, err := openVideoOut(cfg.VideoOut)
	if err != nil {
		l.Error().Err(err).Msg("open video output")
		return 1
	}
	defer closeVideo()

	var sessionMetrics negotiator.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGoCollector())
		sessionMetrics = metrics.NewNegotiation(reg)
		metricsServer := serveMetrics(cfg.MetricsAddr, reg)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	peer, err := webrtc.NewPeer(webrtc.Config{
		ICEServers: cfg.ICEServers,
		MediaFile:  cfg.MediaFile,
		FPS:        cfg.FPS,
		VideoOut:   videoOut,
	})
	if err != nil {
		l.Error().Err(err).Msg("create peer")
		return 1
	}

	client, err := sigclient.Dial(ctx, cfg.RelayURL, cfg.Room)
	if err != nil {
		_ = peer.Close()
		l.Error().Err(err).Msg("connect to relay")
		return 1
	}
	defer client.Close()

	session, err := negotiator.New(negotiator.Options{
		Room:      cfg.Room,
		Transport: peer,
		Channel:   client,
		Metrics:   sessionMetrics,
		OnRemoteTrack: func(t domain.RemoteTrack) {
			l.Info().Str("kind", t.Kind).Str("codec", t.Codec).Str("stream", t.StreamID).Msg("remote track")
		},
	})
	if err != nil {
		_ = peer.Close()
		l.Error().Err(err).Msg("start session")
		return 1
	}
	// Teardown closes the peer.
	defer session.Teardown()
	l.Info().Str("room", cfg.Room.String()).Str("id", session.LocalID().String()).Msg("joined room")

	if cfg.AutoCall {
		go call(ctx, session)
	}

	quit := make(chan struct{})
	go readCommands(ctx, os.Stdin, session, peer, quit)

	code := 0
	select {
	case <-ctx.Done():
	case <-quit:
	case <-client.Done():
		l.Warn().Msg("relay connection lost")
		code = 1
	}

	l.Info().Msg("done")
	return code
}

func call(ctx context.Context, session *negotiator.Session) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := session.InitiateCall(ctx); err != nil {
		// Already reported by the session.
		log.Debug().Err(err).Msg("call failed")
	}
}

func readCommands(ctx context.Context, in io.Reader, session *negotiator.Session, peer *webrtc.Peer, quit chan<- struct{}) {
	l := logging.Component("cli")
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")

		switch cmd {
		case "":
		case "call":
			go call(ctx, session)
		case "state":
			l.Info().
				Str("signaling", session.State().String()).
				Str("connection", peer.ConnectionState()).
				Msg("state")
		case "say":
			if err := peer.SendText(arg); err != nil {
				l.Warn().Err(err).Msg("send message")
			}
		case "quit", "exit":
			close(quit)
			return
		default:
			l.Warn().Str("command", cmd).Msg("unknown command, try call, state, say or quit")
		}
	}
}

func openVideoOut(dest string) (io.Writer, func(), error) {
	switch dest {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(dest)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	return srv
}
