package segmenter

import (
	"reflect"
	"testing"
)

func TestResolveOverlap(t *testing.T) {
	// Windows from Plan(610, 300, 5): [0,300) [295,595)
	earlier := Window{Index: 0, Start: 0, End: 300}
	later := Window{Index: 1, Start: 295, End: 595}

	tests := []struct {
		name        string
		earlier     []Span
		later       []Span
		dropEarlier []int
		dropLater   []int
	}{
		{
			// [296,299) in video time proposed by both chunks
			name:        "later chunk wins duplicate",
			earlier:     []Span{{Start: 10, End: 20}, {Start: 296, End: 299}},
			later:       []Span{{Start: 1, End: 4}, {Start: 30, End: 40}},
			dropEarlier: []int{1},
		},
		{
			name:    "no counterpart keeps earlier",
			earlier: []Span{{Start: 296, End: 299}},
			later:   []Span{{Start: 20, End: 30}},
		},
		{
			name:    "straddling span is not inside the overlap",
			earlier: []Span{{Start: 290, End: 298}},
			later:   []Span{{Start: 1, End: 3}},
		},
		{
			name:      "verified earlier beats unlocked later",
			earlier:   []Span{{Start: 296, End: 299, Locked: true}},
			later:     []Span{{Start: 1, End: 4}},
			dropLater: []int{0},
		},
		{
			name:    "both locked are kept",
			earlier: []Span{{Start: 296, End: 299, Locked: true}},
			later:   []Span{{Start: 1, End: 4, Locked: true}},
		},
		{
			name:        "locked later beats unlocked earlier",
			earlier:     []Span{{Start: 296, End: 299}},
			later:       []Span{{Start: 1, End: 4, Locked: true}},
			dropEarlier: []int{0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResolveOverlap(earlier, tt.earlier, later, tt.later)
			if !reflect.DeepEqual(res.DropEarlier, tt.dropEarlier) {
				t.Errorf("DropEarlier = %v, want %v", res.DropEarlier, tt.dropEarlier)
			}
			if !reflect.DeepEqual(res.DropLater, tt.dropLater) {
				t.Errorf("DropLater = %v, want %v", res.DropLater, tt.dropLater)
			}
		})
	}
}

func TestResolveOverlapDisjointWindows(t *testing.T) {
	res := ResolveOverlap(Window{0, 0, 10}, []Span{{Start: 9, End: 10}}, Window{1, 10, 20}, []Span{{Start: 0, End: 1}})
	if len(res.DropEarlier) != 0 || len(res.DropLater) != 0 {
		t.Errorf("expected nothing dropped without overlap, got %+v", res)
	}
}
