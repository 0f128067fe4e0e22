package anchors

import (
	"math/rand"
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/transform"
)

var (
	// ErrNoPositives is returned when no anchor matches any ground-truth box.
	ErrNoPositives = errors.New("no positive anchors")
	// ErrNoNegatives is returned when positives exist but no anchor is below the negative threshold.
	ErrNoNegatives = errors.New("no negative anchors")
)

// AssignConfig controls how anchors are labelled against ground truth.
type AssignConfig struct {
	// PosThresh marks an anchor positive when its IoU with a box exceeds it.
	PosThresh float32
	// NegThresh marks an anchor negative when its best IoU is below it.
	NegThresh float32
	// Method selects both the matching rule and the target encoding.
	Method transform.Method
	// Sampler draws the negatives. nil draws evenly spaced candidates.
	Sampler Sampler
}

// Assignment is the result of matching anchors to ground truth. Positive and
// Negative hold flat anchor indices (see Index) and have equal length.
// Offsets, Classes, IoU and PositiveBoxes are aligned with Positive.
type Assignment struct {
	Positive      []int
	Negative      []int
	Offsets       []transform.Offset
	Classes       []int
	IoU           []float32
	PositiveBoxes []images.Box
	NegativeBoxes []images.Box
}

// Assign labels every anchor positive, negative or ignored.
//
// With FasterRCNN matching, an anchor is positive if it has the highest IoU
// of all anchors for some box (and that IoU is non-zero), or if its IoU with
// any box exceeds PosThresh. It is assigned to the box it overlaps most.
// With YOLO matching, each box activates, in the grid cell whose center is
// nearest (Manhattan distance) to the box center, the template(s) with the
// highest IoU for it; an anchor may be activated by several boxes.
//
// Anchors whose best IoU is below NegThresh are negative candidates, and
// len(Positive) of them are drawn with the sampler. Targets are encoded with
// the configured method.
//
// Arguments:
//   - set: The anchor grid.
//   - gt: The ground truth per image, in the anchors' coordinate space.
//   - iou: The matrix from IoUMatrix(set, gt).
//   - cfg: The thresholds, method and sampler.
//
// Returns:
//   - The assignment.
//   - ErrNoPositives, ErrNoNegatives, or an error for inconsistent inputs.
func Assign(set *Set, gt [][]GroundTruth, iou *tensor.Dense, cfg AssignConfig) (*Assignment, error) {
	ix := set.Index
	k := ix.PerImage()
	shape := iou.Shape()
	if len(shape) != 3 || shape[0] != ix.Batch || shape[1] != k || len(gt) != ix.Batch {
		return nil, errors.Errorf("IoU matrix shape %v does not match %d images of %d anchors", shape, ix.Batch, k)
	}
	n := shape[2]
	values := iou.Data().([]float32)

	var pairs []match
	switch cfg.Method {
	case transform.FasterRCNN:
		pairs = matchFasterRCNN(ix, gt, values, n, cfg.PosThresh)
	case transform.YOLO:
		pairs = matchYOLO(set, gt, values, n)
	default:
		return nil, errors.Wrapf(transform.ErrUnknownMethod, "assign method %d", int(cfg.Method))
	}
	if len(pairs) == 0 {
		return nil, ErrNoPositives
	}

	out := &Assignment{
		Positive:      make([]int, len(pairs)),
		Offsets:       make([]transform.Offset, len(pairs)),
		Classes:       make([]int, len(pairs)),
		IoU:           make([]float32, len(pairs)),
		PositiveBoxes: make([]images.Box, len(pairs)),
	}
	for i, p := range pairs {
		anchor := set.Box(p.anchor)
		target := gt[ix.Image(p.anchor)][p.box]
		off, err := transform.Encode(cfg.Method, anchor, target.Box)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding target for anchor %d", p.anchor)
		}
		out.Positive[i] = p.anchor
		out.Offsets[i] = off
		out.Classes[i] = target.Class
		out.IoU[i] = values[p.anchor*n+p.box]
		out.PositiveBoxes[i] = anchor
	}

	candidates := make([]int, 0, ix.Len())
	for i := 0; i < ix.Len(); i++ {
		best := float32(0)
		for m := 0; m < n; m++ {
			best = max(best, values[i*n+m])
		}
		if best < cfg.NegThresh {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoNegatives
	}

	sampler := cfg.Sampler
	if sampler == nil {
		sampler = StridedSampler{}
	}
	out.Negative = sampler.Sample(candidates, len(out.Positive))
	out.NegativeBoxes = set.Boxes(out.Negative)

	return out, nil
}

// match pairs a flat anchor index with a ground-truth column of its image.
type match struct {
	anchor int
	box    int
}

func matchFasterRCNN(ix Index, gt [][]GroundTruth, values []float32, n int, posThresh float32) []match {
	k := ix.PerImage()
	var pairs []match
	for b := 0; b < ix.Batch; b++ {
		// Best IoU over this image's anchors for every box.
		bestPerBox := make([]float32, n)
		for j := 0; j < k; j++ {
			row := (b*k + j) * n
			for m := 0; m < n; m++ {
				bestPerBox[m] = max(bestPerBox[m], values[row+m])
			}
		}

		for j := 0; j < k; j++ {
			row := (b*k + j) * n
			activated := false
			bestBox, bestIoU := -1, float32(-1)
			for m := 0; m < n; m++ {
				if m >= len(gt[b]) || !gt[b][m].Valid() {
					continue
				}
				v := values[row+m]
				if (v == bestPerBox[m] && bestPerBox[m] > 0) || v > posThresh {
					activated = true
				}
				if v > bestIoU {
					bestBox, bestIoU = m, v
				}
			}
			if activated {
				pairs = append(pairs, match{anchor: b*k + j, box: bestBox})
			}
		}
	}
	return pairs
}

func matchYOLO(set *Set, gt [][]GroundTruth, values []float32, n int) []match {
	ix := set.Index
	k := ix.PerImage()
	cells := ix.Height * ix.Width
	var pairs []match
	for b := 0; b < ix.Batch; b++ {
		active := make(map[int][]int)
		for m, g := range gt[b] {
			if !g.Valid() {
				continue
			}
			cx, cy := g.Box.Center()

			// Nearest cell centers; ties activate every tied cell.
			bestDist := math32.Inf(1)
			var nearest []int
			for c := 0; c < cells; c++ {
				h, w := c/ix.Width, c%ix.Width
				d := math32.Abs(float32(w)+0.5-cx) + math32.Abs(float32(h)+0.5-cy)
				switch {
				case d < bestDist:
					bestDist = d
					nearest = append(nearest[:0], c)
				case d == bestDist:
					nearest = append(nearest, c)
				}
			}

			for _, c := range nearest {
				h, w := c/ix.Width, c%ix.Width
				best := float32(-1)
				for a := 0; a < ix.Anchors; a++ {
					best = max(best, values[ix.Flat(b, a, h, w)*n+m])
				}
				for a := 0; a < ix.Anchors; a++ {
					flat := ix.Flat(b, a, h, w)
					if values[flat*n+m] == best {
						active[flat] = append(active[flat], m)
					}
				}
			}
		}

		for j := 0; j < k; j++ {
			flat := b*k + j
			// Boxes were visited in column order, so each list is sorted.
			for _, m := range active[flat] {
				pairs = append(pairs, match{anchor: flat, box: m})
			}
		}
	}
	return pairs
}

// Sampler draws n indices from a candidate list.
type Sampler interface {
	Sample(candidates []int, n int) []int
}

// RandomSampler draws uniformly with replacement. It is safe for concurrent use.
type RandomSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSampler returns a sampler seeded with seed.
func NewRandomSampler(seed int64) *RandomSampler {
	return &RandomSampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample implements Sampler.
func (s *RandomSampler) Sample(candidates []int, n int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, n)
	for i := range out {
		out[i] = candidates[s.rng.Intn(len(candidates))]
	}
	return out
}

// StridedSampler draws n evenly spaced candidates, repeating when n exceeds
// the candidate count. It is deterministic, and duplicating a batch
// duplicates its picks.
type StridedSampler struct{}

// Sample implements Sampler.
func (StridedSampler) Sample(candidates []int, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = candidates[i*len(candidates)/n]
	}
	return out
}
