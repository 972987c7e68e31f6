package render

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// DefaultStitchIOU is the overlap above which two detections are treated
// as the same object.
const DefaultStitchIOU = 0.25

// Stitch merges overlapping detections. Walking from the most confident
// detection down, a detection is kept unless it overlaps an already kept
// one by at least minIoU. Returns the kept and the suppressed detections,
// both ordered by decreasing confidence.
func Stitch(dets []Detection, minIoU float32) (kept, suppressed []Detection) {
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Confidence > dets[order[b]].Confidence
	})

	// Spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(dets))
	for _, d := range dets {
		fb.Add(d.Rect.X, d.Rect.Y, d.Rect.X2(), d.Rect.Y2())
	}
	fb.Finish()

	isKept := make([]bool, len(dets))
	for _, i := range order {
		r := dets[i].Rect
		overlaps := false
		for _, j := range fb.Search(r.X, r.Y, r.X2(), r.Y2()) {
			if j != i && isKept[j] && r.IOU(dets[j].Rect) >= minIoU {
				overlaps = true
				break
			}
		}
		if overlaps {
			suppressed = append(suppressed, dets[i])
			continue
		}
		isKept[i] = true
		kept = append(kept, dets[i])
	}
	return kept, suppressed
}
