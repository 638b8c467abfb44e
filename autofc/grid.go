package autofc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// GridDriver evaluates every stack of independently chosen layer blocks for
// every configured depth. Unlike BayesianDriver it never consults the result
// log before evaluating: rerunning it evaluates everything again and appends
// new rows.
type GridDriver struct {
	env           *Env
	space         Space
	logPath       string
	maxCandidates int
	previewRows   int
}

// NewGridDriver wires a driver persisting every row to logPath. maxCandidates
// caps how many stacks are explored (0 explores all of them).
func NewGridDriver(env *Env, space Space, cfg GridConfig, logPath string) (*GridDriver, error) {
	if env == nil {
		return nil, fmt.Errorf("env is required")
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	if logPath == "" {
		return nil, fmt.Errorf("%w: log path is required", ErrInvalidConfig)
	}
	if cfg.MaxCandidates < 0 {
		return nil, fmt.Errorf("%w: maxCandidates must be >= 0, got %d", ErrInvalidConfig, cfg.MaxCandidates)
	}
	if len(space.DropoutGrid) == 0 {
		return nil, fmt.Errorf("%w: dropout grid must not be empty", ErrInvalidConfig)
	}
	return &GridDriver{
		env:           env,
		space:         space,
		logPath:       logPath,
		maxCandidates: cfg.MaxCandidates,
		previewRows:   cfg.PreviewRows,
	}, nil
}

// Run evaluates candidates in enumeration order, persisting after every row.
func (d *GridDriver) Run(ctx context.Context, results *ResultLog) (sum Summary, err error) {
	sum = Summary{Strategy: StrategyGrid, Started: time.Now()}
	defer func() { sum.Finished = time.Now() }()

	total := d.space.TotalGridCandidates()
	for _, l := range d.space.Layers {
		d.env.logf("num_layers=%d: %s candidate stacks", l, d.space.CountStacks(l))
	}
	d.env.logf("Grid search over %s candidate heads", total)
	if d.maxCandidates > 0 && total.Cmp(big.NewInt(int64(d.maxCandidates))) > 0 {
		d.env.logf("warning: exploration capped at %d of %s candidates (grid.maxCandidates)", d.maxCandidates, total)
	}

	for head := range d.space.GridHeads() {
		if d.maxCandidates > 0 && sum.Evaluated >= d.maxCandidates {
			break
		}
		if err = ctx.Err(); err != nil {
			return sum, err
		}
		res, err := d.env.evaluate(ctx, StrategyGrid, head)
		if err != nil {
			return sum, err
		}
		sum.Evaluated++
		row, err := d.env.record(StrategyGrid, results, d.logPath, res)
		if err != nil {
			return sum, err
		}
		sum.Logged++
		sum.consider(row)
		d.env.logf("[%d] %s val_loss=%.4f val_acc=%.4f (%.1fs)", row.Index, row.Head, row.ValLoss, row.ValAcc, row.ElapsedSeconds)
		if results.Len() <= d.previewRows {
			d.env.logf("log preview:\n%s", Preview(results, d.previewRows))
		}
	}
	return sum, nil
}

// Preview renders the first n rows of results as tab separated text with a header.
func Preview(results *ResultLog, n int) string {
	var b strings.Builder
	b.WriteString(strings.Join(LogColumns(), "\t"))
	for i, r := range results.Rows() {
		if i >= n {
			break
		}
		b.WriteByte('\n')
		b.WriteString(strings.Join(FormatRow(r), "\t"))
	}
	return b.String()
}
