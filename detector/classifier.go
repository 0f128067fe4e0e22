package detector

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/nn"
)

// Classifier scores pooled proposal features: Linear, dropout, ReLU, Linear.
type Classifier struct {
	hidden *nn.Linear
	out    *nn.Linear
	drop   float64
	eng    tensor.Engine
}

// NewClassifier returns a randomly initialised region classifier.
//
// Arguments:
//   - in: The pooled feature depth.
//   - hidden: The hidden layer width.
//   - classes: The number of output classes.
//   - drop: The dropout probability while training.
//   - eng: The engine logits are allocated on.
//
// Returns:
//   - The classifier, or an error for invalid sizes.
func NewClassifier(in, hidden, classes int, drop float64, eng tensor.Engine) (*Classifier, error) {
	h, err := nn.NewLinear("cls.hidden", in, hidden)
	if err != nil {
		return nil, err
	}
	o, err := nn.NewLinear("cls.out", hidden, classes)
	if err != nil {
		return nil, err
	}
	return &Classifier{hidden: h, out: o, drop: drop, eng: eng}, nil
}

// NumClasses returns the number of output classes.
func (c *Classifier) NumClasses() int { return c.out.Out() }

// Logits maps (K, in) features to (K, classes) class logits. K must be positive.
func (c *Classifier) Logits(features *tensor.Dense, training bool) (*tensor.Dense, error) {
	if s := features.Shape(); len(s) != 2 || s[0] == 0 {
		return nil, errors.Errorf("classifier needs a non-empty (K, D) batch, got %v", s)
	}
	out, err := nn.Run(c.eng, func(g *G.ExprGraph) ([]*G.Node, error) {
		h, err := c.hidden.Apply(g, nn.Input(g, "rois", features))
		if err != nil {
			return nil, err
		}
		if h, err = nn.Dropout(h, c.drop, training); err != nil {
			return nil, err
		}
		if h, err = G.Rectify(h); err != nil {
			return nil, err
		}
		y, err := c.out.Apply(g, h)
		return []*G.Node{y}, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "classifier")
	}
	return out[0], nil
}
