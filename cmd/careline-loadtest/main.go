package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/adred-codev/careline/internal/loadtest"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

func main() {
	var (
		format = flag.String("log-format", "pretty", "log format: json, text or pretty")
		output = flag.String("report", "", "write the final report as JSON to this file")
	)
	flag.Parse()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   "info",
		Format:  *format,
		Service: "careline-loadtest",
	})

	_ = godotenv.Load()
	var cfg loadtest.Config
	if err := env.Parse(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := loadtest.Run(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Load test failed")
	}

	if *output != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to encode report")
		}
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			logger.Fatal().Err(err).Str("path", *output).Msg("Failed to write report")
		}
	}
}
