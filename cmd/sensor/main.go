package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/runtime-threat-sensor/internal/config"
	"github.com/invisible-tech/runtime-threat-sensor/internal/version"
	"github.com/invisible-tech/runtime-threat-sensor/pkg/sensor"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	log.WithFields(logrus.Fields{
		"version": version.Version,
	}).Info("Starting runtime threat sensor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	cfg := config.DefaultSensorConfig()
	s, err := sensor.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create sensor")
	}

	if err := s.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start sensor")
	}

	addr := config.GetEnv("RTS_HTTP_ADDR", "")
	var srv *http.Server
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.Metrics().Registry(), promhttp.HandlerOpts{}))
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"threat_level":     s.CurrentThreatLevel(),
				"threat_status":    s.ThreatStatus().String(),
				"protection_level": s.GetProtectionLevel(),
				"hostile":          s.HostileEnvironmentDetected(),
			})
		})
		srv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			log.WithField("addr", addr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Metrics server error")
			}
		}()
	}

	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Received shutdown signal")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	s.Stop()
	log.Info("Sensor shutdown complete")
}
