package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/app"
	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/telephony"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		logger.WithError(err).Fatal("Failed to configure logging")
	}

	// The telephony engine itself (SIP registration, transport, codecs,
	// RTP) is an external collaborator behind telephony.Engine. This
	// binary binds the in-process engine; a production deployment links
	// its engine adapter here instead.
	queue := telephony.NewCommandQueue(logger)
	application := app.New(logger, cfg, queue, newEngine(logger, queue))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"segment_ms": cfg.Playback.SegmentDuration.Milliseconds(),
		"jitter_ms":  cfg.Playback.JitterThreshold.Milliseconds(),
		"overlap_ms": cfg.Playback.OverlapLead.Milliseconds(),
	}).Info("Starting voicebridge")

	if err := application.Run(ctx); err != nil {
		logger.WithError(err).Fatal("Reactor stopped with error")
	}
}

func newEngine(logger *logrus.Logger, queue *telephony.CommandQueue) telephony.Engine {
	logger.Warn("No telephony engine adapter linked, using in-process mock engine")
	return telephony.NewMockEngine(logger, queue)
}
