package autofc

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"yashubustudio/autofc/internal/bayesopt"
)

// BayesianDriver runs a Bayesian optimization over the numeric group for
// every categorical combination in turn. Combinations already present in the
// result log are skipped, so an interrupted search resumes where it stopped.
type BayesianDriver struct {
	env        *Env
	space      Space
	opts       bayesopt.Options
	logPath    string
	trialsPath string
}

// NewBayesianDriver wires a driver persisting its summary rows to logPath.
// trialsPath, when set, receives every point the sub-loop evaluated.
func NewBayesianDriver(env *Env, space Space, cfg BayesConfig, seed int64, logPath, trialsPath string) (*BayesianDriver, error) {
	if env == nil {
		return nil, fmt.Errorf("env is required")
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	if logPath == "" {
		return nil, fmt.Errorf("%w: log path is required", ErrInvalidConfig)
	}
	if trialsPath != "" && filepath.Clean(trialsPath) == filepath.Clean(logPath) {
		return nil, fmt.Errorf("%w: trials log must differ from the result log %s", ErrInvalidConfig, logPath)
	}
	opts := bayesopt.DefaultOptions()
	if cfg.MaxIter > 0 {
		opts.MaxIter = cfg.MaxIter
	}
	if cfg.InitialPoints > 0 {
		opts.InitialPoints = cfg.InitialPoints
	}
	if cfg.Candidates > 0 {
		opts.Candidates = cfg.Candidates
	}
	if cfg.Xi > 0 {
		opts.Xi = cfg.Xi
	}
	opts.Seed = seed
	return &BayesianDriver{
		env:        env,
		space:      space,
		opts:       opts,
		logPath:    logPath,
		trialsPath: trialsPath,
	}, nil
}

// Evaluated reports whether results already hold a row for c.
func Evaluated(results *ResultLog, c Categorical) bool {
	return results.Contains(func(r EvalResult) bool {
		if r.Head.NumLayers() == 0 {
			return false
		}
		for _, l := range r.Head.Layers {
			if l.Activation != c.Activation || l.Initializer != c.Initializer {
				return false
			}
		}
		return true
	})
}

// Run visits every categorical combination and appends one row per
// optimized combination. The first build or training failure stops the run
// without logging a row for the failing combination.
func (d *BayesianDriver) Run(ctx context.Context, results *ResultLog) (sum Summary, err error) {
	sum = Summary{Strategy: StrategyBayesian, Started: time.Now()}
	defer func() { sum.Finished = time.Now() }()

	var trials *ResultLog
	if d.trialsPath != "" {
		if trials, err = LoadResultLog(d.trialsPath); err != nil {
			return sum, err
		}
	}

	combos := d.space.Categorical()
	for i, c := range combos {
		if err = ctx.Err(); err != nil {
			return sum, err
		}
		if Evaluated(results, c) {
			sum.Skipped++
			if d.env.Recorder != nil {
				d.env.Recorder.ObserveSkip(string(StrategyBayesian))
			}
			d.env.logf("[%d/%d] %s already logged, skipping", i+1, len(combos), c)
			continue
		}
		d.env.logf("[%d/%d] optimizing %s", i+1, len(combos), c)

		opt, err := bayesopt.New(d.space.NumericDims(), d.opts)
		if err != nil {
			return sum, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		var best EvalResult
		found := false
		_, err = opt.Minimize(ctx, func(ctx context.Context, x []float64) (float64, error) {
			res, err := d.env.evaluate(ctx, StrategyBayesian, d.space.UniformHead(c, x))
			if err != nil {
				return 0, err
			}
			sum.Evaluated++
			if trials != nil {
				if _, err := d.env.record(StrategyBayesian, trials, d.trialsPath, res); err != nil {
					return 0, err
				}
			}
			if !found || res.Objective < best.Objective {
				best, found = res, true
			}
			return res.Objective, nil
		})
		if err != nil {
			return sum, fmt.Errorf("optimize %s: %w", c, err)
		}
		if !found {
			continue
		}
		row, err := d.env.record(StrategyBayesian, results, d.logPath, best)
		if err != nil {
			return sum, err
		}
		sum.Logged++
		sum.consider(row)
		l := row.Head.Layers[0]
		d.env.logf("Optimized parameters for %s: dropout=%.4f num_neurons=%d num_layers=%d",
			c, l.Dropout, l.Neurons, row.Head.NumLayers())
		d.env.logf("Optimized loss: %.4f (val_acc %.4f)", row.Objective, row.ValAcc)
	}
	return sum, nil
}
