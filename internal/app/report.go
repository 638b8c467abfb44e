package app

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"yashubustudio/autofc/autofc"
)

// logWriter returns the logger's output, or nil without a logger.
func logWriter(logger *log.Logger) io.Writer {
	if logger == nil {
		return nil
	}
	return logger.Writer()
}

// TableData renders a header row plus one row per result for display.
func TableData(rows []autofc.EvalResult) [][]string {
	data := make([][]string, 1, len(rows)+1)
	data[0] = autofc.LogColumns()
	for _, r := range rows {
		cells := autofc.FormatRow(r)
		for i, col := range data[0] {
			switch col {
			case autofc.ColTrainLoss, autofc.ColTrainAcc, autofc.ColValLoss, autofc.ColValAcc, autofc.ColObjective:
				cells[i] = fmt.Sprintf("%.4f", parseOrZero(cells[i]))
			case autofc.ColElapsed:
				cells[i] = fmt.Sprintf("%.1f", parseOrZero(cells[i]))
			}
		}
		data = append(data, cells)
	}
	return data
}

func parseOrZero(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Summary describes a finished run in a few lines.
func Summary(sum autofc.Summary, results *autofc.ResultLog) string {
	var b strings.Builder
	if sum.RunID != "" {
		fmt.Fprintf(&b, "run: %s\n", sum.RunID)
	}
	fmt.Fprintf(&b, "strategy: %s\n", sum.Strategy)
	fmt.Fprintf(&b, "evaluated: %d, skipped: %d, logged: %d\n", sum.Evaluated, sum.Skipped, sum.Logged)
	if !sum.Started.IsZero() && !sum.Finished.IsZero() {
		fmt.Fprintf(&b, "duration: %s\n", sum.Finished.Sub(sum.Started).Round(time.Second))
	}
	fmt.Fprintf(&b, "log rows: %d\n", results.Len())
	if best, ok := results.Best(); ok {
		fmt.Fprintf(&b, "best: #%d %s val_loss=%.4f val_acc=%.4f", best.Index, best.Head, best.ValLoss, best.ValAcc)
	} else {
		b.WriteString("best: none")
	}
	return b.String()
}
