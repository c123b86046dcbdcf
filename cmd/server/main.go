package main

import (
	"github.com/OFFIS-RIT/kinfetch/internal/config"
	"github.com/OFFIS-RIT/kinfetch/internal/server"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger/console"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{}))
		logger.Fatal("Failed to load config", "err", err)
	}
	logger.Init(console.NewConsoleLogger(cfg.Log.ConsoleParams("server")))
	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal("Invalid config", "err", err)
	}

	server.Init(cfg)
}
