// Command fabricd is the long-running Tekton AI Specialist Messaging
// Fabric daemon: it loads configuration, brings up the Port Mapper,
// Forwarding Overlay, Fabric Core, Discovery, Roster, and the
// Prometheus metrics endpoint, then blocks until signalled.
//
// Grounded on the teacher's main.go (adred-codev-ws_poc/ws/main.go):
// automaxprocs tuning before anything else, config load, logger
// construction, then a graceful-shutdown signal wait.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/ckoons/Tekton-sub009/internal/config"
	"github.com/ckoons/Tekton-sub009/internal/discovery"
	"github.com/ckoons/Tekton-sub009/internal/events"
	"github.com/ckoons/Tekton-sub009/internal/fabric"
	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/loadshed"
	"github.com/ckoons/Tekton-sub009/internal/obslog"
	"github.com/ckoons/Tekton-sub009/internal/obsmetrics"
	"github.com/ckoons/Tekton-sub009/internal/overlay"
	"github.com/ckoons/Tekton-sub009/internal/portmap"
	"github.com/ckoons/Tekton-sub009/internal/roster"
	"github.com/ckoons/Tekton-sub009/internal/terminalbridge"
)

func main() {
	bootLogger := obslog.New(obslog.Options{Level: obslog.LevelInfo, Format: obslog.FormatPretty})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("fabricd: configuration error")
	}
	cfg.Print()

	logger := obslog.New(obslog.Options{Level: obslog.Level(cfg.LogLevel), Format: obslog.Format(cfg.LogFormat)})

	mapper := portmap.New(cfg.ComponentPortBase, cfg.AIPortBase, portmap.DefaultCatalog(cfg.ComponentPortBase), cfg.Host)

	bridge := terminalbridge.New(logger)
	ov, err := overlay.New(cfg.ForwardingStorePath, bridge, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("fabricd: forwarding overlay init failed")
	}
	defer ov.Close()

	fab := fabric.New(mapper, ov, nil, fabric.Config{
		ChannelQueueCap:     cfg.ChannelQueueCap,
		ConnectTimeout:      cfg.ConnectTimeout,
		DefaultDeadline:     cfg.DefaultDeadline,
		BroadcastSlack:      cfg.BroadcastSlack,
		BroadcastRatePerSec: cfg.BroadcastRatePerSec,
		BroadcastBurst:      cfg.BroadcastBurst,
	}, logger)
	defer fab.Close()

	gate := loadshed.New(cfg.CPURejectThreshold, 2*time.Second, logger)
	bgCtx, cancelGate := context.WithCancel(context.Background())
	defer cancelGate()
	gate.Start(bgCtx)
	fab.SetAdmissionGate(gate)

	disc := discovery.New(fab, mapper, gate, cfg.ProbeCacheTTL, cfg.ProbeTimeout)
	ros := roster.New(disc)
	fab.SetPerformanceRecorder(ros)

	bus := events.Connect(cfg.EventsNATSURL, cfg.EventsSubject, logger)
	defer bus.Close()
	fab.OnSendCompleted(func(id fabrictypes.SpecialistId, latencyMs int64, ok bool) {
		bus.PublishSendCompleted(events.SendCompletedEvent{
			SpecialistId: id,
			OK:           ok,
			LatencyMs:    latencyMs,
			At:           time.Now(),
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", obsmetrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("fabricd: metrics server starting")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("fabricd: metrics server stopped")
		}
	}()

	logger.Info().Msg("fabricd: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("fabricd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)
}
