package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/data/binding"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"yashubustudio/autofc/autofc"
	appsession "yashubustudio/autofc/internal/app"
)

const refreshInterval = 2 * time.Second

func main() {
	fyneApp := app.NewWithID("yashubustudio.autofc")
	win := fyneApp.NewWindow("AutoFC head search")
	win.Resize(fyne.NewSize(1200, 800))

	cfg, err := autofc.LoadConfig("")
	if err != nil {
		showFatalError(win, fmt.Errorf("load config: %w", err))
		return
	}

	loggerBinding := binding.NewString()
	capture := newLogCapture(loggerBinding, 300)
	logger := log.New(io.MultiWriter(os.Stdout, capture), "", log.LstdFlags)

	var (
		cfgMu  sync.Mutex
		cancel context.CancelFunc
	)
	saveConfig := func() {
		cfgMu.Lock()
		defer cfgMu.Unlock()
		if err := autofc.SaveConfig("", cfg); err != nil {
			logger.Printf("save config: %v", err)
		}
	}
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()

	statusLabel := widget.NewLabel("Ready")

	var (
		tableMu   sync.Mutex
		tableData [][]string
	)
	resultTable := widget.NewTable(
		func() (int, int) {
			tableMu.Lock()
			defer tableMu.Unlock()
			if len(tableData) == 0 {
				return 0, 0
			}
			return len(tableData), len(tableData[0])
		},
		func() fyne.CanvasObject {
			return widget.NewLabel("")
		},
		func(id widget.TableCellID, obj fyne.CanvasObject) {
			tableMu.Lock()
			defer tableMu.Unlock()
			if id.Row >= len(tableData) || id.Col >= len(tableData[id.Row]) {
				return
			}
			label := obj.(*widget.Label)
			label.TextStyle = fyne.TextStyle{Bold: id.Row == 0}
			label.SetText(tableData[id.Row][id.Col])
		},
	)
	for col := range autofc.LogColumns() {
		width := float32(110)
		switch col {
		case 2, 3:
			width = 200
		}
		resultTable.SetColumnWidth(col, width)
	}
	refreshTable := func(results *autofc.ResultLog) {
		data := appsession.TableData(results.Rows())
		tableMu.Lock()
		tableData = data
		tableMu.Unlock()
		fyne.Do(resultTable.Refresh)
	}
	if existing, err := autofc.LoadResultLog(cfg.LogPath); err == nil {
		tableData = appsession.TableData(existing.Rows())
	} else {
		logger.Printf("%v", err)
	}

	strategySelect := widget.NewSelect([]string{string(autofc.StrategyBayesian), string(autofc.StrategyGrid)}, nil)
	strategySelect.Selected = string(cfg.Strategy)
	strategySelect.OnChanged = func(val string) {
		cfgMu.Lock()
		if cfg.Strategy != autofc.Strategy(val) {
			cfg.Strategy = autofc.Strategy(val)
			cfg.LogPath = ""
			cfg.ApplyDefaults()
		}
		cfgMu.Unlock()
		saveConfig()
	}

	epochsEntry := widget.NewEntry()
	epochsEntry.SetText(fmt.Sprint(cfg.Epochs))
	epochsEntry.OnChanged = func(val string) {
		var n int
		if _, err := fmt.Sscan(strings.TrimSpace(val), &n); err != nil || n <= 0 {
			return
		}
		cfgMu.Lock()
		cfg.Epochs = n
		cfgMu.Unlock()
		saveConfig()
	}

	var startBtn, stopBtn *widget.Button
	startBtn = widget.NewButton("Start search", func() {
		cfgMu.Lock()
		runCfg := cfg.Clone()
		cfgMu.Unlock()

		startBtn.Disable()
		strategySelect.Disable()
		statusLabel.SetText("Loading backbone and data...")
		ctx, stop := context.WithCancel(context.Background())
		cancel = stop
		go func() {
			session, err := appsession.Open(ctx, runCfg, logger)
			if err != nil {
				fyne.Do(func() {
					startBtn.Enable()
					strategySelect.Enable()
					statusLabel.SetText("Initialization failed")
					showError(win, err)
				})
				return
			}
			defer session.Close()
			fyne.Do(func() {
				stopBtn.Enable()
				statusLabel.SetText(fmt.Sprintf("Running %s search...", runCfg.Strategy))
			})

			done := make(chan struct{})
			go func() {
				ticker := time.NewTicker(refreshInterval)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						refreshTable(session.Service.Log())
					}
				}
			}()
			sum, err := session.Service.Run(ctx)
			close(done)
			refreshTable(session.Service.Log())
			summary := appsession.Summary(sum, session.Service.Log())
			logger.Print(summary)
			fyne.Do(func() {
				startBtn.Enable()
				strategySelect.Enable()
				stopBtn.Disable()
				if err != nil {
					statusLabel.SetText("Search stopped")
					showError(win, err)
					return
				}
				statusLabel.SetText(fmt.Sprintf("Done: %d evaluated, %d skipped", sum.Evaluated, sum.Skipped))
			})
		}()
	})
	stopBtn = widget.NewButton("Stop after current candidate", func() {
		if cancel != nil {
			cancel()
		}
		stopBtn.Disable()
	})
	stopBtn.Disable()

	logLabel := widget.NewLabelWithData(loggerBinding)
	logLabel.Wrapping = fyne.TextWrapWord
	logContainer := container.NewVScroll(logLabel)
	logContainer.SetMinSize(fyne.NewSize(200, 160))

	controls := container.NewVBox(
		container.NewHBox(startBtn, stopBtn, statusLabel),
		widget.NewSeparator(),
		widget.NewLabel("Settings"),
		container.NewHBox(widget.NewLabel("Strategy"), strategySelect),
		container.NewHBox(widget.NewLabel("Epochs"), epochsEntry),
		widget.NewLabel(fmt.Sprintf("Train: %s", cfg.TrainDir)),
		widget.NewLabel(fmt.Sprintf("Validation: %s", cfg.ValidDir)),
		widget.NewSeparator(),
		widget.NewLabel("Log"),
		logContainer,
	)

	root := container.NewVSplit(resultTable, controls)
	root.Offset = 0.6
	win.SetContent(root)

	win.ShowAndRun()
}

func showFatalError(win fyne.Window, err error) {
	content := widget.NewLabel(err.Error())
	win.SetContent(content)
	dialog.ShowError(err, win)
	win.ShowAndRun()
}

func showError(win fyne.Window, err error) {
	if err != nil {
		dialog.ShowError(err, win)
	}
}

type logCapture struct {
	mu      sync.Mutex
	lines   []string
	limit   int
	binding binding.String
}

func newLogCapture(b binding.String, limit int) *logCapture {
	return &logCapture{binding: b, limit: limit}
}

func (l *logCapture) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	text := strings.ReplaceAll(string(p), "\r\n", "\n")
	for _, part := range strings.Split(text, "\n") {
		if part == "" {
			continue
		}
		l.lines = append(l.lines, part)
	}
	if len(l.lines) > l.limit {
		l.lines = l.lines[len(l.lines)-l.limit:]
	}
	_ = l.binding.Set(strings.Join(l.lines, "\n"))
	return len(p), nil
}
