package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/history"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/manager"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/metrics"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/online"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/persist"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tebeka/atexit"
)

var errNoBeamline = errors.New("a beamline is required: pass --beamline or set TUNER_BEAMLINE")

// app is everything a command needs: the loaded configuration and a manager
// with metrics and, when enabled, history wired in
type app struct {
	cfg     *config.Config
	manager *manager.Manager
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(configPath)
}

func setup(ctx context.Context, reg prometheus.Registerer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if level := os.Getenv("TUNER_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	logger.SetDefault(logger.NewWithFormat(cfg.LogFormat, cfg.LogLevel, os.Stderr))

	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	opts := []manager.Option{
		manager.WithConfig(cfg),
		manager.WithSimulatorOptions(online.WithObserver(collector.Observer())),
		manager.WithOptimizerListener(collector.Handle),
	}

	if cfg.History.Enabled {
		recorder, err := history.OpenSQLite(cfg.History.Path)
		if err != nil {
			return nil, err
		}
		atexit.Register(func() {
			if err := recorder.Close(); err != nil {
				logger.Error("failed to close history", "error", err)
			}
		})
		opts = append(opts, manager.WithOptimizerListener(history.NewListener(recorder).Handle))
		logger.Info("recording optimization history", "path", cfg.History.Path)
	}

	m := manager.New(opts...)
	if beamlinePath != "" {
		b, err := config.LoadBeamline(beamlinePath)
		if err != nil {
			return nil, err
		}
		if err := m.SetBeamline(b); err != nil {
			return nil, err
		}
	}
	if importPath != "" {
		if err := importDocument(ctx, m, importPath); err != nil {
			return nil, err
		}
	}
	return &app{cfg: cfg, manager: m}, nil
}

func importDocument(ctx context.Context, m *manager.Manager, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	doc, err := persist.Decode(f)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	if err := m.Update(ctx, doc); err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	logger.Info("imported settings", "path", path)
	return nil
}

// save writes the manager's document to --save, if given
func (a *app) save() error {
	if savePath == "" {
		return nil
	}
	doc := persist.NewDocument(manager.DataLabel)
	a.manager.Write(doc)

	f, err := os.Create(savePath)
	if err != nil {
		return err
	}
	if err := persist.Encode(f, doc); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("saved settings", "path", savePath)
	return nil
}
