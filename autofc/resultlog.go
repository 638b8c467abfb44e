package autofc

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Log column names, in file order.
const (
	ColIndex       = "index"
	ColNumLayers   = "num_layers"
	ColActivation  = "activation"
	ColInitializer = "weight_initializer"
	ColDropout     = "dropout"
	ColNeurons     = "num_neurons"
	ColTrainLoss   = "train_loss"
	ColTrainAcc    = "train_acc"
	ColValLoss     = "val_loss"
	ColValAcc      = "val_acc"
	ColElapsed     = "elapsed_seconds"
	ColObjective   = "objective"
)

// listSep joins per-layer values when layers differ.
const listSep = "|"

// LogColumns returns the canonical column schema.
func LogColumns() []string {
	return []string{
		ColIndex, ColNumLayers, ColActivation, ColInitializer, ColDropout, ColNeurons,
		ColTrainLoss, ColTrainAcc, ColValLoss, ColValAcc, ColElapsed, ColObjective,
	}
}

// columnAliases maps headers written by older tooling onto the canonical schema.
var columnAliases = map[string]string{
	"loss":    ColObjective,
	"neurons": ColNeurons,
	"time":    ColElapsed,
	"acc":     ColTrainAcc,
}

// ResultLog is an append-only table of evaluated configurations. Indices are
// strictly increasing and never reused, including across reloads.
type ResultLog struct {
	mu   sync.RWMutex
	rows []EvalResult
	next int
}

// NewResultLog returns an empty log.
func NewResultLog() *ResultLog {
	return &ResultLog{}
}

// LoadResultLog parses the CSV at path. A missing file yields an empty log;
// any other failure is wrapped in ErrLogIO.
func LoadResultLog(path string) (*ResultLog, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewResultLog(), nil
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrLogIO, filepath.Base(path), err)
	}
	defer f.Close()
	l, err := readResultLog(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrLogIO, filepath.Base(path), err)
	}
	return l, nil
}

func readResultLog(r io.Reader) (*ResultLog, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	l := NewResultLog()
	if len(records) == 0 {
		return l, nil
	}
	cols := make(map[string]int, len(records[0]))
	for i, cell := range records[0] {
		name := normalizeKey(strings.TrimPrefix(cell, "\ufeff"))
		if alias, ok := columnAliases[name]; ok {
			if _, taken := cols[alias]; !taken {
				name = alias
			}
		}
		cols[name] = i
	}
	if _, ok := cols[ColIndex]; !ok {
		return nil, errors.New("missing index column")
	}
	for n, rec := range records[1:] {
		row, err := parseRow(cols, rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", n+1, err)
		}
		if len(l.rows) > 0 && row.Index <= l.rows[len(l.rows)-1].Index {
			return nil, fmt.Errorf("row %d: index %d is not increasing", n+1, row.Index)
		}
		l.rows = append(l.rows, row)
		l.next = row.Index + 1
	}
	return l, nil
}

func parseRow(cols map[string]int, rec []string) (EvalResult, error) {
	var row EvalResult
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	var err error
	if row.Index, err = strconv.Atoi(get(ColIndex)); err != nil {
		return row, fmt.Errorf("index: %w", err)
	}
	floats := []struct {
		col string
		dst *float64
	}{
		{ColTrainLoss, &row.TrainLoss},
		{ColTrainAcc, &row.TrainAcc},
		{ColValLoss, &row.ValLoss},
		{ColValAcc, &row.ValAcc},
		{ColElapsed, &row.ElapsedSeconds},
		{ColObjective, &row.Objective},
	}
	for _, f := range floats {
		if *f.dst, err = parseFloatCell(get(f.col)); err != nil {
			return row, fmt.Errorf("%s: %w", f.col, err)
		}
	}
	if _, ok := cols[ColValLoss]; !ok {
		row.ValLoss = row.Objective
	}

	acts := splitList(get(ColActivation))
	inits := splitList(get(ColInitializer))
	drops := splitList(get(ColDropout))
	neurons := splitList(get(ColNeurons))
	numLayers := 0
	if s := get(ColNumLayers); s != "" {
		v, err := parseFloatCell(s)
		if err != nil {
			return row, fmt.Errorf("%s: %w", ColNumLayers, err)
		}
		numLayers = int(math.Round(v))
	}
	if numLayers == 0 {
		numLayers = max(len(acts), len(inits), len(drops), len(neurons))
	}
	row.Head = HeadConfig{Layers: make([]LayerSpec, numLayers)}
	for i := range row.Head.Layers {
		spec := &row.Head.Layers[i]
		if s, err := pick(acts, i, numLayers, ColActivation); err != nil {
			return row, err
		} else if s != "" {
			spec.Activation = Activation(normalizeKey(s))
		}
		if s, err := pick(inits, i, numLayers, ColInitializer); err != nil {
			return row, err
		} else if s != "" {
			spec.Initializer = Initializer(normalizeKey(s))
		}
		s, err := pick(drops, i, numLayers, ColDropout)
		if err != nil {
			return row, err
		}
		if spec.Dropout, err = parseFloatCell(s); err != nil {
			return row, fmt.Errorf("%s: %w", ColDropout, err)
		}
		s, err = pick(neurons, i, numLayers, ColNeurons)
		if err != nil {
			return row, err
		}
		v, err := parseFloatCell(s)
		if err != nil {
			return row, fmt.Errorf("%s: %w", ColNeurons, err)
		}
		spec.Neurons = int(math.Round(v))
	}
	return row, nil
}

// pick returns the i-th list value, broadcasting single values over all layers.
func pick(values []string, i, n int, col string) (string, error) {
	switch len(values) {
	case 0:
		return "", nil
	case 1:
		return values[0], nil
	case n:
		return values[i], nil
	}
	return "", fmt.Errorf("%s: %d values for %d layers", col, len(values), n)
}

// splitList accepts "a|b" as well as bracketed list literals such as "['a', 'b']".
func splitList(cell string) []string {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}
	sep := listSep
	if strings.HasPrefix(cell, "[") && strings.HasSuffix(cell, "]") {
		cell = strings.TrimSuffix(strings.TrimPrefix(cell, "["), "]")
		sep = ","
	}
	parts := strings.Split(cell, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `'"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFloatCell(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// Len returns the number of rows.
func (l *ResultLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}

// NextIndex returns the index the next appended row will receive.
func (l *ResultLog) NextIndex() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// Rows returns a copy of every row in index order.
func (l *ResultLog) Rows() []EvalResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]EvalResult, len(l.rows))
	for i, r := range l.rows {
		r.Head = r.Head.Clone()
		out[i] = r
	}
	return out
}

// Contains reports whether any row satisfies pred.
func (l *ResultLog) Contains(pred func(EvalResult) bool) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.rows {
		if pred(r) {
			return true
		}
	}
	return false
}

// Append stores r at the next index and returns the stored row.
func (l *ResultLog) Append(r EvalResult) EvalResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	r.Index = l.next
	r.Head = r.Head.Clone()
	l.rows = append(l.rows, r)
	l.next++
	return r
}

// Best returns the row with the lowest objective.
func (l *ResultLog) Best() (EvalResult, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.rows) == 0 {
		return EvalResult{}, false
	}
	best := l.rows[0]
	for _, r := range l.rows[1:] {
		if r.Objective < best.Objective {
			best = r
		}
	}
	return best, true
}

// Persist rewrites the whole table at path. The file is replaced by rename,
// so a crash leaves either the previous or the new table.
func (l *ResultLog) Persist(path string) error {
	if err := replaceFile(path, l.WriteCSV); err != nil {
		return fmt.Errorf("%w: persist %s: %w", ErrLogIO, path, err)
	}
	return nil
}

// WriteCSV writes the header and every row to w.
func (l *ResultLog) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(LogColumns()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range l.Rows() {
		if err := writer.Write(FormatRow(r)); err != nil {
			return fmt.Errorf("write row %d: %w", r.Index, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// FormatRow renders r in LogColumns order.
func FormatRow(r EvalResult) []string {
	h := r.Head
	return []string{
		strconv.Itoa(r.Index),
		strconv.Itoa(h.NumLayers()),
		joinList(h.Activations(), func(a Activation) string { return string(a) }),
		joinList(h.Initializers(), func(i Initializer) string { return string(i) }),
		joinList(h.Dropouts(), formatFloat),
		joinList(h.Neurons(), strconv.Itoa),
		formatFloat(r.TrainLoss),
		formatFloat(r.TrainAcc),
		formatFloat(r.ValLoss),
		formatFloat(r.ValAcc),
		formatFloat(r.ElapsedSeconds),
		formatFloat(r.Objective),
	}
}

// joinList writes a single value when every layer agrees.
func joinList[T comparable](values []T, format func(T) string) string {
	if len(values) == 0 {
		return ""
	}
	uniform := true
	for _, v := range values[1:] {
		if v != values[0] {
			uniform = false
			break
		}
	}
	if uniform {
		return format(values[0])
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = format(v)
	}
	return strings.Join(parts, listSep)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
