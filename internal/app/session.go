// Package app wires the concrete backbone, data sources, head engine and
// metrics into an autofc.Service for the CLI and the desktop monitor.
package app

import (
	"context"
	"fmt"
	"log"

	"yashubustudio/autofc/autofc"
	"yashubustudio/autofc/internal/headnet"
	"yashubustudio/autofc/internal/metrics"
)

// Session owns every resource a search run needs.
type Session struct {
	Service  *autofc.Service
	Metrics  *metrics.Collector
	backbone *autofc.OrtBackbone
	cancel   context.CancelFunc
}

// Open loads the backbone and both image directories and, when
// cfg.Metrics.Addr is set, starts the metrics endpoint until Close.
func Open(ctx context.Context, cfg autofc.Config, logger *log.Logger) (*Session, error) {
	cfg.ApplyDefaults()
	train, valid, err := OpenSources(cfg)
	if err != nil {
		return nil, err
	}
	logf(logger, "Found %d images belonging to %d classes (%s)", train.Len(), len(train.Classes()), cfg.TrainDir)
	logf(logger, "Found %d images belonging to %d classes (%s)", valid.Len(), len(valid.Classes()), cfg.ValidDir)

	backbone, err := autofc.NewOrtBackbone(cfg.Backbone, cfg.TargetSize)
	if err != nil {
		return nil, fmt.Errorf("init backbone: %w", err)
	}
	collector := metrics.New()
	svc, err := autofc.NewService(cfg, autofc.Deps{
		Backbone: backbone,
		Engine:   headnet.NewEngine(cfg.Seed),
		Train:    train,
		Valid:    valid,
		Recorder: collector,
	}, logger)
	if err != nil {
		backbone.Close()
		return nil, fmt.Errorf("init service: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{Service: svc, Metrics: collector, backbone: backbone, cancel: cancel}
	if addr := cfg.Metrics.Addr; addr != "" {
		access := logWriter(logger)
		go func() {
			if err := collector.Serve(ctx, addr, access); err != nil {
				logf(logger, "metrics endpoint stopped: %v", err)
			}
		}()
		logf(logger, "Serving metrics on http://%s/metrics", addr)
	}
	return s, nil
}

// OpenSources scans the training directory, then the validation directory
// with the training class order.
func OpenSources(cfg autofc.Config) (*autofc.DirectorySource, *autofc.DirectorySource, error) {
	opts := autofc.SourceOptions{
		TargetSize: cfg.TargetSize,
		BatchSize:  cfg.BatchSize,
		Mean:       cfg.Backbone.Mean,
		Std:        cfg.Backbone.Std,
		Shuffle:    true,
		Seed:       cfg.Seed,
	}
	train, err := autofc.NewDirectorySource(cfg.TrainDir, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open training data: %w", err)
	}
	opts.Shuffle = false
	opts.Classes = train.Classes()
	valid, err := autofc.NewDirectorySource(cfg.ValidDir, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open validation data: %w", err)
	}
	return train, valid, nil
}

// Close stops the metrics endpoint and releases the backbone.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	return s.backbone.Close()
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
