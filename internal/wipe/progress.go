package wipe

import (
	"regexp"
	"strconv"
	"sync"
)

// ProgressParser extracts a completion fraction from raw tool output.
// Parse returns false when the text carries no progress marker.
type ProgressParser interface {
	Parse(text []byte) (float64, bool)
}

var (
	passPattern    = regexp.MustCompile(`(?i)\bpass\s+(\d+)\s*/\s*(\d+)`)
	percentPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)\s*%`)
)

// PatternParser recognizes "pass X/Y" (fraction X/Y) and bare percentages
// and returns the highest value found in the text.
type PatternParser struct {
	Passes   bool
	Percents bool
}

var (
	// ShredParser reads `shred -v` output.
	ShredParser ProgressParser = PatternParser{Passes: true, Percents: true}
	// PercentParser reads tools that only print percentages.
	PercentParser ProgressParser = PatternParser{Percents: true}
)

func (p PatternParser) Parse(text []byte) (float64, bool) {
	best, found := 0.0, false
	if p.Passes {
		for _, m := range passPattern.FindAllSubmatch(text, -1) {
			x, errX := strconv.Atoi(string(m[1]))
			y, errY := strconv.Atoi(string(m[2]))
			if errX != nil || errY != nil || y <= 0 || x < 0 || x > y {
				continue
			}
			if f := float64(x) / float64(y); !found || f > best {
				best, found = f, true
			}
		}
	}
	if p.Percents {
		for _, m := range percentPattern.FindAllSubmatch(text, -1) {
			v, err := strconv.ParseFloat(string(m[1]), 64)
			if err != nil || v > 100 {
				continue
			}
			if f := v / 100; !found || f > best {
				best, found = f, true
			}
		}
	}
	return best, found
}

// progressTracker forwards only increasing values, so observers never see
// a device's progress go backwards.
type progressTracker struct {
	mu     sync.Mutex
	last   float64
	notify ProgressFunc
}

func (t *progressTracker) observe(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v <= t.last {
		return
	}
	t.last = v
	if t.notify != nil {
		t.notify(v)
	}
}

func (t *progressTracker) value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
