// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-rcnn/images"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"` // Overlap above which the lower-scored box is suppressed.
	ClassAware   bool    `json:"class_aware" yaml:"class_aware"`     // If true, suppress only within the same class.
}

// NMS performs greedy Non-Maximum Suppression. Boxes are visited in
// descending score order; a box is kept unless its IoU with an already kept
// box is strictly greater than iouThreshold. Equal scores keep input order.
// Candidate overlaps are found through a flatbush spatial index, so disjoint
// boxes are never compared.
//
// Arguments:
//   - boxes: The candidate boxes.
//   - scores: The score of each box.
//   - iouThreshold: The suppression threshold. A threshold of 1 keeps every box.
//
// Returns:
//   - The indices of the kept boxes, highest score first. nil for no boxes.
//   - An error if boxes and scores differ in length.
//
// @example
//
//	keep, err := postprocess.NMS(boxes, scores, 0.7)
func NMS(boxes []images.Box, scores []float32, iouThreshold float32) ([]int, error) {
	n := len(boxes)
	if n != len(scores) {
		return nil, errors.Errorf("NMS got %d boxes and %d scores", n, len(scores))
	}
	if n == 0 {
		return nil, nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(n)
	for _, b := range boxes {
		fb.Add(b.X1, b.Y1, b.X2, b.Y2)
	}
	fb.Finish()

	suppressed := make([]bool, n)
	keep := make([]int, 0, n)
	var near []int
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		suppressed[i] = true

		b := boxes[i]
		near = fb.SearchFast(b.X1, b.Y1, b.X2, b.Y2, near[:0])
		for _, j := range near {
			if !suppressed[j] && images.CalculateIoU(b, boxes[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep, nil
}

// ApplyNMS filters overlapping detections using Non-Maximum Suppression.
//
// Arguments:
//   - detections: The detections, in any order.
//   - config: NMS configuration. If ClassAware is set, boxes only suppress
//     boxes of the same class.
//
// Returns:
//   - The kept detections ordered by descending score. nil for no detections.
func ApplyNMS(detections []Result, config NMSConfig) []Result {
	if len(detections) == 0 {
		return nil
	}

	groups := map[int][]int{}
	for i, d := range detections {
		class := 0
		if config.ClassAware {
			class = d.Class
		}
		groups[class] = append(groups[class], i)
	}

	var kept []int
	for _, members := range groups {
		boxes := make([]images.Box, len(members))
		scores := make([]float32, len(members))
		for k, i := range members {
			boxes[k] = detections[i].Box
			scores[k] = detections[i].Score
		}
		// Lengths match by construction.
		keep, _ := NMS(boxes, scores, config.IoUThreshold)
		for _, k := range keep {
			kept = append(kept, members[k])
		}
	}

	sort.SliceStable(kept, func(a, b int) bool {
		da, db := detections[kept[a]], detections[kept[b]]
		if da.Score != db.Score {
			return da.Score > db.Score
		}
		return kept[a] < kept[b]
	})

	filtered := make([]Result, len(kept))
	for i, k := range kept {
		filtered[i] = detections[k]
	}
	return filtered
}
