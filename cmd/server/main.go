package main

import (
	"github.com/spf13/pflag"

	"github.com/zep-us/reauthxy/internal/app"
	"github.com/zep-us/reauthxy/internal/config"
	"github.com/zep-us/reauthxy/pkg/logger"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file (default: config.toml in . or ./config)")
	pflag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	application := app.NewApp(cfg)

	logger.Info("reauthxy starting...")

	if err := application.Run(); err != nil {
		logger.Fatal("Server error: %v", err)
	}
}
