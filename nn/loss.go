package nn

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// Sigmoid returns 1 / (1 + e^-x).
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// bceWithLogits is the binary cross-entropy of logit x against target z,
// in the form max(x, 0) - x*z + log(1 + e^-|x|) that cannot overflow.
func bceWithLogits(x, z float32) float32 {
	return max(x, 0) - x*z + math32.Log1p(math32.Exp(-math32.Abs(x)))
}

// ObjectnessLoss is the binary cross-entropy of (2M, 2) objectness logits.
// The first M rows belong to positive anchors and have target (1, 0), the
// last M to negative anchors with target (0, 1). The sum over all elements
// is divided by batchSize.
//
// Arguments:
//   - scores: The (2M, 2) logits, positives first.
//   - batchSize: The number of images in the batch.
//
// Returns:
//   - The loss, or an error for a malformed tensor.
func ObjectnessLoss(scores *tensor.Dense, batchSize int) (float32, error) {
	s := scores.Shape()
	if len(s) != 2 || s[1] != 2 || s[0]%2 != 0 {
		return 0, errors.Errorf("objectness scores must have shape (2M, 2), got %v", s)
	}
	if batchSize <= 0 {
		return 0, errors.Errorf("invalid batch size %d", batchSize)
	}
	data, err := Float32s(scores)
	if err != nil {
		return 0, err
	}

	m := s[0] / 2
	var sum float32
	for i := 0; i < s[0]; i++ {
		object := float32(0)
		if i < m {
			object = 1
		}
		sum += bceWithLogits(data[2*i], object) + bceWithLogits(data[2*i+1], 1-object)
	}
	return sum / float32(batchSize), nil
}

// BoxRegressionLoss is the smooth-L1 (beta 1) distance between predicted and
// target (M, 4) offsets, summed and divided by batchSize.
func BoxRegressionLoss(pred, target *tensor.Dense, batchSize int) (float32, error) {
	ps, ts := pred.Shape(), target.Shape()
	if len(ps) != 2 || ps[1] != 4 || !ps.Eq(ts) {
		return 0, errors.Errorf("offsets must both have shape (M, 4), got %v and %v", ps, ts)
	}
	if batchSize <= 0 {
		return 0, errors.Errorf("invalid batch size %d", batchSize)
	}
	p, err := Float32s(pred)
	if err != nil {
		return 0, err
	}
	t, err := Float32s(target)
	if err != nil {
		return 0, err
	}

	var sum float32
	for i := range p {
		d := math32.Abs(p[i] - t[i])
		if d < 1 {
			sum += 0.5 * d * d
		} else {
			sum += d - 0.5
		}
	}
	return sum / float32(batchSize), nil
}

// CrossEntropy is the mean softmax cross-entropy of (K, C) logits against
// K class labels. An empty batch has zero loss.
func CrossEntropy(logits *tensor.Dense, labels []int) (float32, error) {
	s := logits.Shape()
	if len(s) != 2 || s[0] != len(labels) {
		return 0, errors.Errorf("logits shape %v does not match %d labels", s, len(labels))
	}
	if len(labels) == 0 {
		return 0, nil
	}
	data, err := Float32s(logits)
	if err != nil {
		return 0, err
	}

	c := s[1]
	row := make([]float64, c)
	var sum float64
	for k, label := range labels {
		if label < 0 || label >= c {
			return 0, errors.Errorf("label %d of row %d out of range [0, %d)", label, k, c)
		}
		for j := range row {
			row[j] = float64(data[k*c+j])
		}
		sum += floats.LogSumExp(row) - row[label]
	}
	return float32(sum / float64(len(labels))), nil
}

// Argmax returns the index and value of the largest element of each row of
// a (K, C) tensor.
func Argmax(t *tensor.Dense) ([]int, []float32, error) {
	s := t.Shape()
	if len(s) != 2 || s[1] == 0 {
		return nil, nil, errors.Errorf("argmax needs a (K, C) tensor, got %v", s)
	}
	data, err := Float32s(t)
	if err != nil {
		return nil, nil, err
	}

	c := s[1]
	idx := make([]int, s[0])
	val := make([]float32, s[0])
	row := make([]float64, c)
	for k := range idx {
		for j := range row {
			row[j] = float64(data[k*c+j])
		}
		idx[k] = floats.MaxIdx(row)
		val[k] = data[k*c+idx[k]]
	}
	return idx, val, nil
}
