package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"github.com/streamcore/kreactor/receiver"
	"github.com/streamcore/kreactor/receiver/kgoclient"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides KREACTOR_LOG_LEVEL)")
	flag.Parse()

	logger := log.Output(os.Stdout)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting kreactor example")

	settings, err := receiver.LoadSettings(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load settings")
	}
	if *debug {
		settings.LogLevel = "debug"
	}
	configureLogLevel(&logger, settings.LogLevel)
	settings.LogConfig(logger)

	metrics := receiver.NewMetrics(prometheus.DefaultRegisterer, settings.ConsumerGroup)

	client, err := kgoclient.New(kgoclient.Config{
		Brokers:       settings.BrokerList(),
		ConsumerGroup: settings.ConsumerGroup,
		Topics:        settings.TopicList(),
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build kafka client")
	}

	loop := receiver.NewEventLoop(client, settings, metrics, logger, isRetryableCommit)

	records, err := loop.Start(settings.TopicList(), nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start event loop")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info().Msg("consuming records; press ctrl-c to stop")
	consume(records, loop, logger)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case <-loop.Done():
		if err := loop.Err(); err != nil {
			logger.Error().Err(err).Msg("event loop terminated with error")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), settings.CloseTimeout+time.Second)
	defer cancel()
	if err := loop.Close(ctx, settings.CloseTimeout); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		os.Exit(1)
	}
	logger.Info().Msg("kreactor example stopped cleanly")
}

// consume launches the toy downstream: it just acknowledges every record
// and logs a line, demonstrating the Offset handle contract.
func consume(records <-chan receiver.RecordBatch, loop *receiver.EventLoop, logger zerolog.Logger) {
	go func() {
		for batch := range records {
			for i, rec := range batch.Records {
				logger.Debug().
					Str("topic", rec.Topic).
					Int32("partition", rec.Partition).
					Int64("offset", rec.Offset).
					Msg("consumed record")
				batch.Offsets[i].Acknowledge()
			}
		}
	}()
}

// isRetryableCommit classifies a commit error reported by the client as
// retryable. Cancellation reflects a shutdown already in progress and is
// never worth retrying; everything else (broker timeouts, coordinator
// errors, network errors) gets the retry budget.
func isRetryableCommit(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func configureLogLevel(logger *zerolog.Logger, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	*logger = logger.Level(lvl)
}
