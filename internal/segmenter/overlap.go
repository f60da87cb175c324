package segmenter

// Span is a segment proposal relative to its chunk start.
// Locked marks segments a human already verified or rejected.
type Span struct {
	Start  float64
	End    float64
	Locked bool
}

// Resolution lists the span indexes each side should drop.
type Resolution struct {
	DropEarlier []int
	DropLater   []int
}

// ResolveOverlap removes duplicate content proposed by two consecutive chunks
// inside their shared overlap window.
//
// Only spans lying entirely inside the overlap take part. When an earlier
// and a later span intersect there, the later one wins since it has the
// full trailing context. Human-resolved spans are never dropped: a locked
// earlier span beats an unlocked later one, and two locked spans are both kept.
// Spans without a counterpart on the other side are always kept.
func ResolveOverlap(earlier Window, earlierSpans []Span, later Window, laterSpans []Span) Resolution {
	var res Resolution
	ovStart, ovEnd, ok := Overlap(earlier, later)
	if !ok {
		return res
	}

	inside := func(w Window, s Span) (float64, float64, bool) {
		a, b := w.Start+s.Start, w.Start+s.End
		return a, b, a >= ovStart-epsilon && b <= ovEnd+epsilon
	}

	conflicts := func(i, j int) bool {
		ea, eb, in := inside(earlier, earlierSpans[i])
		if !in {
			return false
		}
		la, lb, in := inside(later, laterSpans[j])
		return in && ea < lb && la < eb
	}

	// Later proposals that collide with human-resolved earlier spans go first,
	// so they cannot knock out anything else.
	droppedLater := make(map[int]bool)
	for j, l := range laterSpans {
		if l.Locked {
			continue
		}
		for i, e := range earlierSpans {
			if e.Locked && conflicts(i, j) {
				droppedLater[j] = true
				res.DropLater = append(res.DropLater, j)
				break
			}
		}
	}

	for i, e := range earlierSpans {
		if e.Locked {
			continue
		}
		for j := range laterSpans {
			if !droppedLater[j] && conflicts(i, j) {
				res.DropEarlier = append(res.DropEarlier, i)
				break
			}
		}
	}
	return res
}
