package anchors

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/images"
)

// GroundTruth is one annotated object. A negative Class marks a padding
// entry, which is ignored by IoUMatrix and Assign.
type GroundTruth struct {
	Box   images.Box `json:"box" yaml:"box"`
	Class int        `json:"class" yaml:"class"`
}

// Valid reports whether the entry is a real object rather than padding.
func (g GroundTruth) Valid() bool {
	return g.Class >= 0 && g.Box.Area() > 0
}

// MaxBoxes returns the largest per-image ground-truth count in the batch.
func MaxBoxes(gt [][]GroundTruth) int {
	n := 0
	for _, boxes := range gt {
		n = max(n, len(boxes))
	}
	return n
}

// IoUMatrix computes the (B, A*H*W, N) IoU between every anchor of each
// image and each of that image's ground-truth boxes, where N is MaxBoxes(gt).
// Columns past an image's box count, and columns of padding entries, are zero.
//
// Arguments:
//   - set: The anchor grid.
//   - gt: The ground truth per image, in the same coordinate space as the anchors.
//
// Returns:
//   - The IoU tensor, allocated on the anchors' engine.
//   - An error if the number of images does not match.
func IoUMatrix(set *Set, gt [][]GroundTruth) (*tensor.Dense, error) {
	ix := set.Index
	if len(gt) != ix.Batch {
		return nil, errors.Errorf("ground truth has %d images, anchors have %d", len(gt), ix.Batch)
	}

	n := max(MaxBoxes(gt), 1)
	k := ix.PerImage()
	data := make([]float32, ix.Batch*k*n)
	for b := 0; b < ix.Batch; b++ {
		for j := 0; j < k; j++ {
			anchor := set.Box(b*k + j)
			row := (b*k + j) * n
			for m, g := range gt[b] {
				if !g.Valid() {
					continue
				}
				data[row+m] = images.CalculateIoU(anchor, g.Box)
			}
		}
	}

	return newDense(set.Tensor.Engine(), data, ix.Batch, k, n), nil
}
