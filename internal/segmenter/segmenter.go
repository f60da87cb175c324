package segmenter

import (
	"math"

	"clipfactory/internal/apperr"
)

// Default window settings
const (
	DefaultWindow  = 300.0
	DefaultOverlap = 5.0
)

// epsilon absorbs float noise from offsets stored as REAL.
const epsilon = 1e-6

// Window is one chunk boundary in video time: [Start, End)
type Window struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the window length in seconds
func (w Window) Duration() float64 {
	return w.End - w.Start
}

// Plan splits a source of the given duration into overlapping windows.
//
// start_0 = 0, end_i = min(start_i + window, duration) and
// start_{i+1} = end_i - overlap until a window reaches the end.
// A source no longer than one window yields exactly one chunk.
func Plan(duration, window, overlap float64) ([]Window, error) {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return nil, apperr.New(apperr.KindInvalidInput, "duration must be positive, got %v", duration)
	}
	if window <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "window must be positive, got %v", window)
	}
	if overlap < 0 || overlap >= window {
		return nil, apperr.New(apperr.KindInvalidInput, "overlap must be in [0, window), got %v", overlap)
	}

	if duration <= window {
		return []Window{{Index: 0, Start: 0, End: duration}}, nil
	}

	var windows []Window
	start := 0.0
	for i := 0; ; i++ {
		end := math.Min(start+window, duration)
		windows = append(windows, Window{Index: i, Start: start, End: end})
		if end >= duration {
			break
		}
		// Next window starts overlap seconds before this one ends
		start = end - overlap
	}
	return windows, nil
}

// Overlap returns the shared region of two consecutive windows in video time.
func Overlap(earlier, later Window) (start, end float64, ok bool) {
	if later.Start >= earlier.End {
		return 0, 0, false
	}
	return later.Start, earlier.End, true
}

// Validate checks externally supplied windows: contiguous indexes from 0,
// each window non-empty, and every seam overlapping by at most the
// given overlap with no gap between windows.
func Validate(windows []Window, overlap float64) error {
	for i, w := range windows {
		if w.Index != i {
			return apperr.New(apperr.KindInvalidInput, "chunk index %d out of order (expected %d)", w.Index, i)
		}
		if w.End <= w.Start || w.Start < 0 {
			return apperr.New(apperr.KindInvalidInput, "chunk %d has empty or negative range [%v, %v)", i, w.Start, w.End)
		}
		if i == 0 {
			if w.Start > epsilon {
				return apperr.New(apperr.KindInvalidInput, "first chunk must start at 0, got %v", w.Start)
			}
			continue
		}
		prev := windows[i-1]
		if w.Start > prev.End+epsilon {
			return apperr.New(apperr.KindInvalidInput, "gap between chunk %d and %d", i-1, i)
		}
		if prev.End-w.Start > overlap+epsilon {
			return apperr.New(apperr.KindInvalidInput, "chunks %d and %d overlap by more than %vs", i-1, i, overlap)
		}
	}
	return nil
}

// coverTolerance is the slack allowed between the last window's end and
// a probed duration, which ffprobe reports with container rounding.
const coverTolerance = 0.5

// Covers checks that windows end where the source does.
func Covers(windows []Window, duration float64) error {
	if len(windows) == 0 {
		return apperr.New(apperr.KindInvalidInput, "no chunks")
	}
	end := windows[len(windows)-1].End
	if end > duration+coverTolerance {
		return apperr.New(apperr.KindInvalidInput, "last chunk ends at %v, past duration %v", end, duration)
	}
	if end < duration-coverTolerance {
		return apperr.New(apperr.KindInvalidInput, "chunks stop at %v, short of duration %v", end, duration)
	}
	return nil
}
