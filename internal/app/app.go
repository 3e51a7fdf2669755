package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/taskgridgo/internal/config"
	"github.com/vk/taskgridgo/internal/ctxlog"
	"github.com/vk/taskgridgo/internal/metrics"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW      io.Writer
	logger    *slog.Logger
	config    *Config
	model     *config.Model
	collector *metrics.Collector
	work      WorkRegistry
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger. Work units may
// be overridden for testing; by default the built-in registry applies.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader, work WorkRegistry) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := loader.Load(ctx, appConfig.GridPath)
	if err != nil {
		// A failure to load config is a fatal startup error.
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	logger.Debug("Configuration loaded and translated into unified model.")

	if work == nil {
		work = BuiltinWorkUnits()
	}

	return &App{
		outW:      outW,
		logger:    logger,
		config:    appConfig,
		model:     model,
		collector: metrics.NewCollector(),
		work:      work,
	}
}

// Model returns the loaded configuration model. This is primarily for
// testing.
func (a *App) Model() *config.Model {
	return a.model
}
