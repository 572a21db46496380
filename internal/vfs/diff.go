package vfs

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DiffSummary counts the lines added and removed between two versions.
type DiffSummary struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	OldLines int `json:"oldLines"`
	NewLines int `json:"newLines"`
}

// Differ compares two versions of an artifact.
type Differ interface {
	Diff(oldContent, newContent string) DiffSummary
}

// PositionalDiff walks both texts index by index. A line that differs at the
// same index counts as one added and one removed; lines past the shorter text
// count as purely added or removed. It is not a minimal edit script.
type PositionalDiff struct{}

func (PositionalDiff) Diff(oldContent, newContent string) DiffSummary {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)
	sum := DiffSummary{OldLines: len(oldLines), NewLines: len(newLines)}

	n := max(len(oldLines), len(newLines))
	for i := 0; i < n; i++ {
		switch {
		case i >= len(oldLines):
			sum.Added++
		case i >= len(newLines):
			sum.Removed++
		case oldLines[i] != newLines[i]:
			sum.Added++
			sum.Removed++
		}
	}
	return sum
}

// LCSDiff counts changes from difflib's matching-block alignment of the two
// texts, so an inserted line no longer shifts every line after it.
type LCSDiff struct{}

func (LCSDiff) Diff(oldContent, newContent string) DiffSummary {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)
	sum := DiffSummary{OldLines: len(oldLines), NewLines: len(newLines)}

	m := difflib.NewMatcher(oldLines, newLines)
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			sum.Removed += op.I2 - op.I1
			sum.Added += op.J2 - op.J1
		case 'd':
			sum.Removed += op.I2 - op.I1
		case 'i':
			sum.Added += op.J2 - op.J1
		}
	}
	return sum
}

// DifferFor maps a DIFF_MODE setting to a Differ. Unknown modes fall back to
// the positional diff.
func DifferFor(mode string) Differ {
	if strings.EqualFold(mode, "lcs") {
		return LCSDiff{}
	}
	return PositionalDiff{}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
