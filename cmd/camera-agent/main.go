// Command camera-agent runs on the camera-bearing device: it maintains the
// signaling/peer channel and forwards inbound detection results to the
// capacity-ingestion endpoint.
package main

import (
	"bytes"
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"parking-monitor/internal/config"
	"parking-monitor/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	source := stream.NewDeviceSource(cfg.Camera.DevicePath)
	client := stream.New(stream.Config{
		SignalingURL:          cfg.Stream.SignalingURL,
		RoomID:                cfg.Stream.RoomID,
		ReconnectInitialDelay: cfg.Stream.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.Stream.ReconnectMaxDelay,
		ReconnectMaxAttempts:  cfg.Stream.ReconnectMaxAttempts,
	}, source, log.With().Str("component", "stream").Logger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = client.Start(ctx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start streaming client")
	}
	defer client.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	httpClient := &http.Client{Timeout: 10 * time.Second}

	for {
		select {
		case msg, ok := <-client.Detections():
			if !ok {
				log.Error().Msg("streaming client terminated")
				return
			}
			forwardDetections(httpClient, cfg.Stream.IngestURL, msg, log)

		case ev, ok := <-client.States():
			if !ok {
				return
			}
			if ev.Err != nil {
				log.Error().Err(ev.Err).Str("state", string(ev.State)).Msg("streaming client failed")
				return
			}
			log.Info().Str("state", string(ev.State)).Msg("streaming state changed")

		case <-quit:
			log.Info().Msg("shutting down")
			return
		}
	}
}

func forwardDetections(client *http.Client, url string, msg stream.DetectionMessage, log zerolog.Logger) {
	if url == "" {
		return
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(msg.Detections))
	if err != nil {
		log.Warn().Err(err).Msg("failed to forward detections")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("ingestion endpoint rejected detections")
	}
}
