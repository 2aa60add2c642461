package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/torteous44/sttrelay/internal/config"
	"github.com/torteous44/sttrelay/internal/diagnostics"
	"github.com/torteous44/sttrelay/internal/ingress"
	"github.com/torteous44/sttrelay/internal/sttservice"
	"github.com/torteous44/sttrelay/internal/telemetry"
	"github.com/torteous44/sttrelay/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := telemetry.NewLogger(cfg.LogLevel)
	log.Info().Msg("sttrelay starting")

	factory := upstream.NewWSClientFactory(cfg.APIKey, cfg.UpstreamURL)
	svc := sttservice.New(sttservice.Config{
		APIKey:          cfg.APIKey,
		DefaultLanguage: cfg.DefaultLanguage,
		DefaultModel:    cfg.DefaultModel,
	}, factory, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(telemetry.NewCollector(svc))

	mux := http.NewServeMux()
	mux.Handle("/ws", ingress.NewHandler(svc, cfg.DefaultSamplingRate, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !svc.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	if cfg.DiagnosticsAPIKey != "" {
		recheck, err := diagnostics.New(cfg.DiagnosticsAPIKey)
		if err != nil {
			log.Error().Err(err).Msg("diagnostics disabled: failed to construct recheck client")
		} else {
			mux.HandleFunc("/diagnostics/recheck", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					w.WriteHeader(http.StatusMethodNotAllowed)
					return
				}
				defer r.Body.Close()
				text, err := recheck.TranscribeStream(r.Context(), r.Body)
				w.Header().Set("Content-Type", "application/json")
				if err != nil {
					w.WriteHeader(http.StatusBadGateway)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
					return
				}
				_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
			})
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("serving ingress")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("ingress server failed")
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("sttrelay shutting down")
	svc.Shutdown(sttservice.ShutdownOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
}
