package autofc

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeLabel performs Unicode normalization and trims whitespace.
func NormalizeLabel(text string) string {
	normed := norm.NFKC.String(text)
	normed = strings.TrimSpace(normed)
	normed = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, normed)
	return strings.Join(strings.Fields(normed), " ")
}

// normalizeKey folds a hyperparameter name for comparison ("Glorot Uniform" == "glorot_uniform").
func normalizeKey(text string) string {
	s := strings.ToLower(NormalizeLabel(text))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}
