package segmenter

import (
	"math"
	"testing"

	"clipfactory/internal/apperr"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		window   float64
		overlap  float64
		want     []Window
	}{
		{
			name:     "single chunk when duration fits",
			duration: 120,
			window:   300,
			overlap:  5,
			want:     []Window{{0, 0, 120}},
		},
		{
			name:     "exactly one window",
			duration: 300,
			window:   300,
			overlap:  5,
			want:     []Window{{0, 0, 300}},
		},
		{
			name:     "610 seconds",
			duration: 610,
			window:   300,
			overlap:  5,
			// [0,300) [295,595) [590,610)
			want: []Window{{0, 0, 300}, {1, 295, 595}, {2, 590, 610}},
		},
		{
			name:     "short tail",
			duration: 302,
			window:   300,
			overlap:  5,
			want:     []Window{{0, 0, 300}, {1, 295, 302}},
		},
		{
			name:     "no overlap",
			duration: 25,
			window:   10,
			overlap:  0,
			want:     []Window{{0, 0, 10}, {1, 10, 20}, {2, 20, 25}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Plan(tt.duration, tt.window, tt.overlap)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Plan() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("window %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPlanRejectsBadInput(t *testing.T) {
	tests := []struct {
		name                      string
		duration, window, overlap float64
	}{
		{"zero duration", 0, 300, 5},
		{"negative window", 100, -1, 0},
		{"overlap equals window", 1000, 300, 300},
		{"negative overlap", 1000, 300, -1},
		{"nan duration", math.NaN(), 300, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(tt.duration, tt.window, tt.overlap)
			if !apperr.Is(err, apperr.KindInvalidInput) {
				t.Errorf("expected invalid input, got %v", err)
			}
		})
	}
}

// TestPlanCoverage checks that windows cover [0, D) without gaps and that
// every seam is shared by exactly the overlap.
func TestPlanCoverage(t *testing.T) {
	configs := []struct{ window, overlap float64 }{
		{300, 5},
		{60, 2.5},
		{10, 0},
		{7, 3},
	}
	for _, cfg := range configs {
		for d := 0.5; d < 2000; d += 37.3 {
			windows, err := Plan(d, cfg.window, cfg.overlap)
			if err != nil {
				t.Fatalf("Plan(%v, %v, %v): %v", d, cfg.window, cfg.overlap, err)
			}
			if windows[0].Start != 0 {
				t.Fatalf("D=%v: first window starts at %v", d, windows[0].Start)
			}
			last := windows[len(windows)-1]
			if math.Abs(last.End-d) > epsilon {
				t.Fatalf("D=%v: last window ends at %v", d, last.End)
			}
			if err := Validate(windows, cfg.overlap); err != nil {
				t.Fatalf("D=%v: %v", d, err)
			}
			for i := 1; i < len(windows); i++ {
				seam := windows[i-1].End - windows[i].Start
				if math.Abs(seam-cfg.overlap) > epsilon {
					t.Fatalf("D=%v: seam %d covered by %v, want %v", d, i, seam, cfg.overlap)
				}
				if windows[i].Duration() > cfg.window+epsilon {
					t.Fatalf("D=%v: window %d longer than %v", d, i, cfg.window)
				}
			}
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		windows []Window
		wantErr bool
	}{
		{"planned", []Window{{0, 0, 300}, {1, 295, 595}}, false},
		{"gap", []Window{{0, 0, 300}, {1, 301, 400}}, true},
		{"too much overlap", []Window{{0, 0, 300}, {1, 280, 400}}, true},
		{"bad index", []Window{{0, 0, 300}, {2, 295, 400}}, true},
		{"late start", []Window{{0, 3, 300}}, true},
		{"empty", []Window{{0, 0, 0}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.windows, 5)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCovers(t *testing.T) {
	windows := []Window{{0, 0, 300}, {1, 295, 400}}
	tests := []struct {
		name     string
		windows  []Window
		duration float64
		wantErr  bool
	}{
		{"exact", windows, 400, false},
		{"probe rounding", windows, 400.3, false},
		{"past end", windows, 350, true},
		{"short", windows, 450, true},
		{"none", nil, 400, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Covers(tt.windows, tt.duration)
			if (err != nil) != tt.wantErr {
				t.Errorf("Covers() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
