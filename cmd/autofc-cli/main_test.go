package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"yashubustudio/autofc/autofc"
)

func TestApplyOverrides_StrategyResetsLogPath(t *testing.T) {
	cfg := autofc.DefaultConfig()
	applyOverrides(&cfg, cliOptions{strategy: "grid", epochs: 7, trainDir: "data/train"})

	assert.Equal(t, autofc.StrategyGrid, cfg.Strategy)
	assert.Equal(t, "AutoFC_ResNet_log_gridsearch_Caltech101.csv", cfg.LogPath)
	assert.Equal(t, 7, cfg.Epochs)
	assert.Equal(t, "data/train", cfg.TrainDir)
}

func TestApplyOverrides_ExplicitLogWins(t *testing.T) {
	cfg := autofc.DefaultConfig()
	applyOverrides(&cfg, cliOptions{strategy: "grid", logPath: "runs/grid.csv", metricsAddr: ":9100"})

	assert.Equal(t, "runs/grid.csv", cfg.LogPath)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, 2, cfg.Epochs)
}
