// Package diff compares content snapshots and reports how much changed.
//
// Small documents get an exact line diff. Documents beyond the exact-line
// bound are compared block by block: lines are grouped into fixed-size
// blocks, each block is hashed, and blocks are aligned by position. The block
// comparison over-reports changes after an insertion shifts later blocks; it
// keeps CPU and memory bounded on very large pages.
package diff

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pmezard/go-difflib/difflib"
)

const (
	// DefaultMaxExactLines is the largest document compared line by line.
	DefaultMaxExactLines = 5000
	// MinBlockSize and MaxBlockSize bound the automatically chosen block size.
	MinBlockSize = 100
	MaxBlockSize = 500

	blockBudget = 1_000_000
	maxSamples  = 5
)

// Details is the structured evidence attached to a comparison.
type Details struct {
	Approximate   bool     `json:"approximate"`
	BlockSize     int      `json:"block_size,omitempty"`
	Added         int      `json:"added"`
	Removed       int      `json:"removed"`
	Changed       int      `json:"changed,omitempty"`
	OldCount      int      `json:"old_count"`
	NewCount      int      `json:"new_count"`
	SampleAdded   []string `json:"sample_added,omitempty"`
	SampleRemoved []string `json:"sample_removed,omitempty"`
}

// Engine compares content. The zero value is not usable; call New.
type Engine struct {
	maxExactLines int
}

// Option customises an Engine.
type Option func(*Engine)

// WithMaxExactLines overrides the exact-diff line bound.
func WithMaxExactLines(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxExactLines = n
		}
	}
}

// New builds an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{maxExactLines: DefaultMaxExactLines}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compare returns the change percentage in [0,100] between oldContent and
// newContent along with the evidence used to compute it.
func (e *Engine) Compare(oldContent, newContent string) (float64, Details) {
	oldLines := SplitLines(oldContent)
	newLines := SplitLines(newContent)
	if oldContent == newContent {
		return 0, unchanged(oldLines, newLines, e.maxExactLines)
	}
	if len(oldLines) > e.maxExactLines || len(newLines) > e.maxExactLines {
		return compareBlocks(oldLines, newLines, BlockSizeFor(max(len(oldLines), len(newLines))))
	}
	return compareExact(oldLines, newLines)
}

// CompareBlocks runs the block-hash comparison with an explicit block size.
func (e *Engine) CompareBlocks(oldContent, newContent string, blockSize int) (float64, Details) {
	if blockSize < 1 {
		blockSize = 1
	}
	return compareBlocks(SplitLines(oldContent), SplitLines(newContent), blockSize)
}

// BlockSizeFor picks a block size inversely proportional to the line count,
// clamped to [MinBlockSize, MaxBlockSize].
func BlockSizeFor(lines int) int {
	if lines <= 0 {
		return MaxBlockSize
	}
	size := blockBudget / lines
	return min(max(size, MinBlockSize), MaxBlockSize)
}

// SplitLines splits content on newlines, dropping carriage returns. Empty
// content has no lines.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

func unchanged(oldLines, newLines []string, maxExact int) Details {
	if len(oldLines) <= maxExact {
		return Details{OldCount: len(oldLines), NewCount: len(newLines)}
	}
	size := BlockSizeFor(len(oldLines))
	blocks := (len(oldLines) + size - 1) / size
	return Details{Approximate: true, BlockSize: size, OldCount: blocks, NewCount: blocks}
}

func compareExact(oldLines, newLines []string) (float64, Details) {
	details := Details{OldCount: len(oldLines), NewCount: len(newLines)}
	matcher := difflib.NewMatcherWithJunk(oldLines, newLines, false, nil)
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'r':
			details.removeLines(oldLines[op.I1:op.I2])
			details.addLines(newLines[op.J1:op.J2])
		case 'd':
			details.removeLines(oldLines[op.I1:op.I2])
		case 'i':
			details.addLines(newLines[op.J1:op.J2])
		}
	}
	return percent(details.Added+details.Removed, max(len(oldLines), len(newLines))), details
}

func (d *Details) addLines(lines []string) {
	d.Added += len(lines)
	for _, line := range lines {
		if len(d.SampleAdded) >= maxSamples {
			return
		}
		d.SampleAdded = append(d.SampleAdded, line)
	}
}

func (d *Details) removeLines(lines []string) {
	d.Removed += len(lines)
	for _, line := range lines {
		if len(d.SampleRemoved) >= maxSamples {
			return
		}
		d.SampleRemoved = append(d.SampleRemoved, line)
	}
}

func compareBlocks(oldLines, newLines []string, blockSize int) (float64, Details) {
	oldBlocks := hashBlocks(oldLines, blockSize)
	newBlocks := hashBlocks(newLines, blockSize)
	details := Details{
		Approximate: true,
		BlockSize:   blockSize,
		OldCount:    len(oldBlocks),
		NewCount:    len(newBlocks),
	}
	shared := min(len(oldBlocks), len(newBlocks))
	for i := 0; i < shared; i++ {
		if oldBlocks[i] != newBlocks[i] {
			details.Changed++
		}
	}
	if len(newBlocks) > shared {
		details.Added = len(newBlocks) - shared
	}
	if len(oldBlocks) > shared {
		details.Removed = len(oldBlocks) - shared
	}
	total := details.Changed + details.Added + details.Removed
	return percent(total, max(len(oldBlocks), len(newBlocks))), details
}

func hashBlocks(lines []string, blockSize int) []uint64 {
	if len(lines) == 0 {
		return nil
	}
	hashes := make([]uint64, 0, (len(lines)+blockSize-1)/blockSize)
	for start := 0; start < len(lines); start += blockSize {
		end := min(start+blockSize, len(lines))
		hashes = append(hashes, xxhash.Sum64String(strings.Join(lines[start:end], "\n")))
	}
	return hashes
}

func percent(changed, total int) float64 {
	if total == 0 || changed <= 0 {
		return 0
	}
	p := 100 * float64(changed) / float64(total)
	return min(p, 100)
}
